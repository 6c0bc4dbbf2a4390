package model

import (
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/sparsha-ai/skin-api/internal/tensor"
)

// PredictorConfig sizes and locates the model. Zero values fall back
// to the production defaults.
type PredictorConfig struct {
	ModelDir  string
	TopK      int
	GradCAM   bool
	InputSize int
	Channels  []int
	Method    string
	ModelName string
}

// defaultChannels are the production feature-block widths.
var defaultChannels = []int{32, 64, 128, 256}

const (
	defaultTopK      = 5
	defaultMethod    = "ml_model"
	defaultModelName = "efficientnet_b4"
)

// Predictor composes preprocessing, the classifier, top-k ranking and
// saliency behind one Predict call. It is constructed once at startup
// and shared; the checkpoint loads lazily on first use and the load
// outcome, success or failure, is cached for the process lifetime.
type Predictor struct {
	cfg    PredictorConfig
	logger *zap.SugaredLogger

	loadOnce sync.Once
	// mu serializes the forward pass and saliency computation: hook
	// state lives on shared layer objects, so at most one
	// forward/backward pass may touch the network at a time.
	mu sync.Mutex

	net           *Network
	labels        []string
	loaded        bool
	loadErr       string
	gradcamLayer  string
	saliencyReady bool

	// lockedSectionHook, when set, runs at the top of the locked
	// section. Test seam for serialization checks.
	lockedSectionHook func()
}

func NewPredictor(cfg PredictorConfig, logger *zap.SugaredLogger) *Predictor {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.Method == "" {
		cfg.Method = defaultMethod
	}
	if cfg.ModelName == "" {
		cfg.ModelName = defaultModelName
	}
	return &Predictor{cfg: cfg, logger: logger}
}

// Load resolves and loads the checkpoint. Idempotent: only the first
// call does work, concurrent callers block until it finishes, and a
// failed load is not retried until process restart.
func (p *Predictor) Load() {
	p.loadOnce.Do(p.load)
}

func (p *Predictor) load() {
	path, err := ResolveModelPath(p.cfg.ModelDir)
	if err != nil {
		p.loadErr = err.Error()
		p.logger.Errorw("model artifact not found", "dir", p.cfg.ModelDir, "error", err)
		return
	}
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		p.loadErr = err.Error()
		p.logger.Errorw("failed to load checkpoint", "path", path, "error", err)
		return
	}
	p.logger.Infow("loaded checkpoint", "path", path, "tensors", len(ckpt.Params))

	labels := recoverClassNames(ckpt.Metadata)
	if labels == nil {
		labels = append([]string(nil), defaultClassNames...)
	}
	numClasses := inferNumClasses(ckpt.Params)
	if numClasses == 0 {
		numClasses = len(labels)
	}
	labels = reconcileLabels(labels, numClasses, p.logger)

	net := NewNetwork(NetworkConfig{
		InputSize:  p.cfg.InputSize,
		Channels:   p.cfg.Channels,
		NumClasses: numClasses,
	})
	missing, unexpected, err := net.LoadParams(ckpt.Params)
	if err != nil {
		p.loadErr = err.Error()
		p.logger.Errorw("failed to load parameters onto network", "error", err)
		return
	}
	if len(missing) > 0 {
		p.logger.Warnw("missing keys while loading model", "keys", missing)
	}
	if len(unexpected) > 0 {
		p.logger.Warnw("unexpected keys while loading model", "keys", unexpected)
	}

	p.net = net
	p.labels = labels
	p.gradcamLayer = net.LastConvLayer()
	p.saliencyReady = p.cfg.GradCAM && p.gradcamLayer != ""
	p.loaded = true
	p.logger.Infow("model loaded",
		"classes", numClasses,
		"input_size", p.cfg.InputSize,
		"saliency", p.saliencyReady,
	)
}

// Loaded reports whether the model is ready for inference.
func (p *Predictor) Loaded() bool { return p.loaded }

// LoadError returns the cached load failure message, if any.
func (p *Predictor) LoadError() string { return p.loadErr }

// NumClasses returns the loaded class count, 0 when unloaded.
func (p *Predictor) NumClasses() int {
	if !p.loaded {
		return 0
	}
	return p.net.NumClasses()
}

// InputSize returns the configured input resolution.
func (p *Predictor) InputSize() int { return p.cfg.InputSize }

// Predict runs inference on uploaded image bytes. All failures are
// returned as data; this never panics on malformed input.
func (p *Predictor) Predict(raw []byte, includeGradCAM bool) *Result {
	p.Load()
	if !p.loaded {
		msg := p.loadErr
		if msg == "" {
			msg = "Model is not loaded"
		}
		return failure(msg)
	}

	// Preprocessing is pure, so it stays outside the lock.
	input, ref := preprocess(raw, p.cfg.InputSize, includeGradCAM)
	if input == nil {
		return failure("Could not read image (unsupported or corrupt file)")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedSectionHook != nil {
		p.lockedSectionHook()
	}

	result, err := p.infer(input, includeGradCAM, ref)
	if err != nil {
		p.logger.Errorw("prediction failed", "error", err)
		return failure(err.Error())
	}
	return result
}

// infer runs the forward pass, ranks classes and optionally renders
// the saliency overlay. Caller holds the inference lock.
func (p *Predictor) infer(input *tensor.Tensor, includeGradCAM bool, ref image.Image) (*Result, error) {
	logits, err := p.net.Forward(input)
	if err != nil {
		return nil, err
	}
	probs := tensor.Softmax(logits.Data)
	top := topK(probs, p.labels, p.cfg.TopK)
	if len(top) == 0 {
		return nil, fmt.Errorf("model produced an empty probability vector")
	}

	result := &Result{
		Success:        true,
		Disease:        top[0].Disease,
		Confidence:     top[0].Confidence,
		Method:         p.cfg.Method,
		ModelName:      p.cfg.ModelName,
		TopPredictions: top,
	}
	if includeGradCAM {
		if uri := p.generateGradCAM(input, argmax(probs), ref); uri != "" {
			result.GradCAMImage = uri
		}
	}
	return result, nil
}
