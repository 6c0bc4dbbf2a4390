package model

import (
	"bytes"
	"encoding/base64"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// tinyCheckpointTensors builds a full parameter set for the test
// topology (8px input, conv widths {2,3}, 4 classes). Distinct head
// biases make the ranking deterministic.
func tinyCheckpointTensors() map[string]fixtureTensor {
	fill := func(n int) []float32 {
		data := make([]float32, n)
		for i := range data {
			data[i] = 0.01 * float32(i%3)
		}
		return data
	}
	return map[string]fixtureTensor{
		"features.0.weight":   {shape: []int{2, 3, 3, 3}, data: fill(54)},
		"features.0.bias":     {shape: []int{2}, data: make([]float32, 2)},
		"features.1.weight":   {shape: []int{3, 2, 3, 3}, data: fill(54)},
		"features.1.bias":     {shape: []int{3}, data: make([]float32, 3)},
		"classifier.1.weight": {shape: []int{4, 3}, data: fill(12)},
		"classifier.1.bias":   {shape: []int{4}, data: []float32{0.1, 0.4, 0.2, 0.3}},
	}
}

func testPredictorConfig(dir string) PredictorConfig {
	return PredictorConfig{
		ModelDir:  dir,
		TopK:      5,
		GradCAM:   true,
		InputSize: 8,
		Channels:  []int{2, 3},
	}
}

func loadedPredictor(t *testing.T, meta map[string]string) *Predictor {
	t.Helper()
	dir := t.TempDir()
	if meta == nil {
		meta = map[string]string{"classes": `["acne", "eczema", "hives", "psoriasis"]`}
	}
	writeFixtureCheckpoint(t, filepath.Join(dir, "model.safetensors"), tinyCheckpointTensors(), meta)

	p := NewPredictor(testPredictorConfig(dir), zap.NewNop().Sugar())
	p.Load()
	require.True(t, p.Loaded(), "fixture model must load: %s", p.LoadError())
	return p
}

func TestPredictorUnloaded(t *testing.T) {
	p := NewPredictor(testPredictorConfig(t.TempDir()), zap.NewNop().Sugar())

	res := p.Predict(makePNG(t, 8, 8, color.Black), false)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
	require.Contains(t, res.Error, "model file not found")
	require.Empty(t, res.TopPredictions)
}

func TestPredictorLoadFailureCached(t *testing.T) {
	p := NewPredictor(testPredictorConfig(t.TempDir()), zap.NewNop().Sugar())
	first := p.Predict(nil, false)
	second := p.Predict(nil, false)
	require.False(t, first.Success)
	require.Equal(t, first.Error, second.Error)
}

func TestPredictEmptyBytes(t *testing.T) {
	p := loadedPredictor(t, nil)
	res := p.Predict(nil, false)
	require.False(t, res.Success)
	require.Equal(t, "Could not read image (unsupported or corrupt file)", res.Error)
}

func TestPredictCorruptBytes(t *testing.T) {
	p := loadedPredictor(t, nil)
	res := p.Predict([]byte("not an image"), false)
	require.False(t, res.Success)
	require.Equal(t, "Could not read image (unsupported or corrupt file)", res.Error)
}

func TestPredictSuccess(t *testing.T) {
	p := loadedPredictor(t, nil)
	res := p.Predict(makePNG(t, 12, 12, color.RGBA{R: 150, G: 90, B: 60, A: 255}), false)
	require.True(t, res.Success)
	require.Empty(t, res.Error)
	require.Equal(t, "ml_model", res.Method)
	require.Equal(t, "efficientnet_b4", res.ModelName)

	require.Len(t, res.TopPredictions, 4) // clamped to class count
	require.Equal(t, res.TopPredictions[0].Disease, res.Disease)
	require.Equal(t, res.TopPredictions[0].Confidence, res.Confidence)

	var sum float64
	for i, tp := range res.TopPredictions {
		if i > 0 {
			require.GreaterOrEqual(t, res.TopPredictions[i-1].Confidence, tp.Confidence)
		}
		sum += tp.Confidence
	}
	require.InDelta(t, 100.0, sum, 0.1)
	require.Empty(t, res.GradCAMImage)
}

func TestPredictWithGradCAM(t *testing.T) {
	p := loadedPredictor(t, nil)
	res := p.Predict(makePNG(t, 12, 12, color.RGBA{R: 220, G: 40, B: 40, A: 255}), true)
	require.True(t, res.Success)
	require.True(t, strings.HasPrefix(res.GradCAMImage, "data:image/jpeg;base64,"))

	encoded := strings.TrimPrefix(res.GradCAMImage, "data:image/jpeg;base64,")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(decoded))
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())

	// Hooks must not leak past the call.
	require.Empty(t, p.net.hooks)
}

func TestPredictGradCAMDisabled(t *testing.T) {
	dir := t.TempDir()
	writeFixtureCheckpoint(t, filepath.Join(dir, "model.safetensors"), tinyCheckpointTensors(), nil)
	cfg := testPredictorConfig(dir)
	cfg.GradCAM = false
	p := NewPredictor(cfg, zap.NewNop().Sugar())

	res := p.Predict(makePNG(t, 8, 8, color.White), true)
	require.True(t, res.Success)
	require.Empty(t, res.GradCAMImage)
}

func TestPredictorLabelReconciliation(t *testing.T) {
	// Checkpoint head has 4 outputs but metadata only names 2; the
	// list is padded with synthetic labels instead of failing.
	p := loadedPredictor(t, map[string]string{"classes": `["acne", "eczema"]`})
	require.Equal(t, 4, p.NumClasses())

	res := p.Predict(makePNG(t, 8, 8, color.White), false)
	require.True(t, res.Success)

	diseases := make(map[string]bool)
	for _, tp := range res.TopPredictions {
		diseases[tp.Disease] = true
	}
	require.True(t, diseases["class_2"])
	require.True(t, diseases["class_3"])
}

func TestPredictorDefaultLabelsWithoutMetadata(t *testing.T) {
	p := loadedPredictor(t, map[string]string{})
	// 23 defaults truncated to the 4-class head.
	require.Equal(t, 4, p.NumClasses())
	res := p.Predict(makePNG(t, 8, 8, color.White), false)
	require.True(t, res.Success)
	// The fixture head gives index 1 the largest bias, which maps to
	// the second default label.
	require.Equal(t, "actinic_keratosis", res.TopPredictions[0].Disease)
}

func TestPredictSerializesInference(t *testing.T) {
	p := loadedPredictor(t, nil)

	var active int32
	var overlaps int32
	p.lockedSectionHook = func() {
		// Entering the locked section: the previous call must have
		// released its hooks already.
		if len(p.net.hooks) != 0 {
			atomic.AddInt32(&overlaps, 1)
		}
		if !atomic.CompareAndSwapInt32(&active, 0, 1) {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&active, 0)
	}

	raw := makePNG(t, 8, 8, color.RGBA{R: 128, G: 128, B: 0, A: 255})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Predict(raw, true)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()
	require.Zero(t, atomic.LoadInt32(&overlaps))
}
