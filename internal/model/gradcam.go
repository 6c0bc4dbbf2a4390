package model

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/nfnt/resize"

	"github.com/sparsha-ai/skin-api/internal/tensor"
)

// camEpsilon keeps the heatmap normalization finite when the
// activation map is uniformly flat.
const camEpsilon = 1e-8

// generateGradCAM renders a gradient-weighted class activation overlay
// for classIdx as a base64 JPEG data URI. Saliency is best effort: any
// failure returns "" and the prediction proceeds without an overlay.
// Must be called with the inference lock held.
func (p *Predictor) generateGradCAM(input *tensor.Tensor, classIdx int, ref image.Image) string {
	if !p.saliencyReady || ref == nil {
		return ""
	}
	hooks, err := p.net.AcquireHooks(p.gradcamLayer)
	if err != nil {
		p.logger.Warnw("gradcam hook registration failed", "layer", p.gradcamLayer, "error", err)
		return ""
	}
	defer hooks.Release()

	// Traced pass: re-run forward with the hooks observing, then
	// backpropagate from the target class logit alone.
	logits, err := p.net.Forward(input)
	if err != nil {
		p.logger.Warnw("gradcam forward pass failed", "error", err)
		return ""
	}
	if classIdx < 0 || classIdx >= logits.Len() {
		p.logger.Warnw("gradcam class index out of range", "class", classIdx, "logits", logits.Len())
		return ""
	}
	seed := tensor.New(logits.Len())
	seed.Data[classIdx] = 1
	if err := p.net.Backward(seed); err != nil {
		p.logger.Warnw("gradcam backward pass failed", "error", err)
		return ""
	}
	if hooks.Activation == nil || hooks.Gradient == nil {
		p.logger.Warnw("gradcam hooks captured nothing", "layer", p.gradcamLayer)
		return ""
	}

	cam := classActivationMap(hooks.Activation, hooks.Gradient)
	size := p.net.InputSize()
	cam = tensor.ResizeBilinear(cam, size, size)
	normalizeCAM(cam)

	overlay := renderOverlay(cam, ref)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, overlay, &jpeg.Options{Quality: 90}); err != nil {
		p.logger.Warnw("gradcam overlay encoding failed", "error", err)
		return ""
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// classActivationMap forms the spatial importance map: per-channel
// weights are the spatial mean of the gradient, the map is the
// ReLU-clipped weighted sum of activation channels.
func classActivationMap(act, grad *tensor.Tensor) *tensor.Tensor {
	c, h, w := act.Shape[0], act.Shape[1], act.Shape[2]
	area := float32(h * w)
	cam := tensor.New(h, w)
	for ch := 0; ch < c; ch++ {
		var sum float32
		for i := 0; i < h*w; i++ {
			sum += grad.Data[ch*h*w+i]
		}
		weight := sum / area
		for i := 0; i < h*w; i++ {
			cam.Data[i] += weight * act.Data[ch*h*w+i]
		}
	}
	for i, v := range cam.Data {
		if v < 0 {
			cam.Data[i] = 0
		}
	}
	return cam
}

// normalizeCAM rescales the map into [0,1] in place.
func normalizeCAM(cam *tensor.Tensor) {
	min, max := cam.MinMax()
	denom := max - min + camEpsilon
	for i, v := range cam.Data {
		cam.Data[i] = (v - min) / denom
	}
}

// renderOverlay colorizes the normalized map with a jet-style colormap
// and alpha-blends it 50/50 over the reference image resized to the
// map's resolution.
func renderOverlay(cam *tensor.Tensor, ref image.Image) image.Image {
	h, w := cam.Shape[0], cam.Shape[1]
	base := resize.Resize(uint(w), uint(h), ref, resize.Bilinear)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hr, hg, hb := jet(cam.Data[y*w+x])
			br, bg, bb, _ := base.At(x, y).RGBA()
			out.SetRGBA(x, y, color.RGBA{
				R: uint8((uint32(hr) + br>>8) / 2),
				G: uint8((uint32(hg) + bg>>8) / 2),
				B: uint8((uint32(hb) + bb>>8) / 2),
				A: 255,
			})
		}
	}
	return out
}

// jet maps a [0,1] scalar to the classic blue-to-red heatmap ramp.
func jet(v float32) (r, g, b uint8) {
	clamp := func(x float32) uint8 {
		if x < 0 {
			x = 0
		}
		if x > 1 {
			x = 1
		}
		return uint8(x * 255)
	}
	abs := func(x float32) float32 {
		if x < 0 {
			return -x
		}
		return x
	}
	r = clamp(1.5 - abs(4*v-3))
	g = clamp(1.5 - abs(4*v-2))
	b = clamp(1.5 - abs(4*v-1))
	return r, g, b
}
