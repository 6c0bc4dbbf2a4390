package model

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sparsha-ai/skin-api/internal/tensor"
)

func TestClassActivationMapWeightsAndClips(t *testing.T) {
	// Two channels over a 1x2 map. Channel 0 gradient averages to 1,
	// channel 1 to -2, so the weighted sum is act0 - 2*act1, clipped
	// at zero.
	act := tensor.FromSlice([]float32{
		1, 3, // channel 0
		2, 0, // channel 1
	}, 2, 1, 2)
	grad := tensor.FromSlice([]float32{
		1, 1,
		-2, -2,
	}, 2, 1, 2)

	cam := classActivationMap(act, grad)
	require.Equal(t, []int{1, 2}, cam.Shape)
	require.InDelta(t, 0.0, float64(cam.Data[0]), 1e-6) // 1 - 4 clipped
	require.InDelta(t, 3.0, float64(cam.Data[1]), 1e-6) // 3 - 0
}

func TestNormalizeCAMRange(t *testing.T) {
	cam := tensor.FromSlice([]float32{2, 4, 6, 8}, 2, 2)
	normalizeCAM(cam)
	min, max := cam.MinMax()
	require.InDelta(t, 0.0, float64(min), 1e-6)
	require.InDelta(t, 1.0, float64(max), 1e-4)
}

func TestNormalizeCAMFlatMapIsSafe(t *testing.T) {
	// A uniformly flat map must not divide by zero.
	cam := tensor.FromSlice([]float32{0.7, 0.7, 0.7, 0.7}, 2, 2)
	normalizeCAM(cam)
	for _, v := range cam.Data {
		require.False(t, math.IsNaN(float64(v)))
		require.False(t, math.IsInf(float64(v), 0))
		require.InDelta(t, 0.0, float64(v), 1e-6)
	}
}

func TestJetRamp(t *testing.T) {
	r0, g0, b0 := jet(0)
	require.Greater(t, b0, r0)
	require.Equal(t, uint8(0), g0)

	r1, _, b1 := jet(1)
	require.Greater(t, r1, b1)

	_, gMid, _ := jet(0.5)
	require.Equal(t, uint8(255), gMid)
}

func TestRenderOverlayBounds(t *testing.T) {
	cam := tensor.New(6, 6)
	ref := image.NewRGBA(image.Rect(0, 0, 3, 3))
	out := renderOverlay(cam, ref)
	require.Equal(t, 6, out.Bounds().Dx())
	require.Equal(t, 6, out.Bounds().Dy())
}

func TestGenerateGradCAMFlatActivationStillRenders(t *testing.T) {
	// All-zero weights give a perfectly flat activation map; the
	// generator must still produce a valid overlay.
	dir := t.TempDir()
	zeroed := tinyCheckpointTensors()
	for name, ft := range zeroed {
		ft.data = make([]float32, len(ft.data))
		zeroed[name] = ft
	}
	writeFixtureCheckpoint(t, filepath.Join(dir, "model.safetensors"), zeroed, nil)
	p := NewPredictor(testPredictorConfig(dir), zap.NewNop().Sugar())
	p.Load()
	require.True(t, p.Loaded())

	raw := makePNG(t, 8, 8, color.RGBA{G: 200, A: 255})
	input, ref := preprocess(raw, p.InputSize(), true)
	require.NotNil(t, input)

	uri := p.generateGradCAM(input, 0, ref)
	require.NotEmpty(t, uri)
	require.Contains(t, uri, "data:image/jpeg;base64,")
	require.Empty(t, p.net.hooks)
}

func TestGenerateGradCAMBadClassIndex(t *testing.T) {
	p := loadedPredictor(t, nil)
	raw := makePNG(t, 8, 8, color.White)
	input, ref := preprocess(raw, p.InputSize(), true)

	require.Empty(t, p.generateGradCAM(input, -1, ref))
	require.Empty(t, p.generateGradCAM(input, 99, ref))
	require.Empty(t, p.net.hooks)
}

func TestGenerateGradCAMNilReference(t *testing.T) {
	p := loadedPredictor(t, nil)
	raw := makePNG(t, 8, 8, color.White)
	input, _ := preprocess(raw, p.InputSize(), false)
	require.Empty(t, p.generateGradCAM(input, 0, nil))
}

func TestGenerateGradCAMDisabled(t *testing.T) {
	p := loadedPredictor(t, nil)
	p.saliencyReady = false
	raw := makePNG(t, 8, 8, color.White)
	input, ref := preprocess(raw, p.InputSize(), true)
	require.Empty(t, p.generateGradCAM(input, 0, ref))
}
