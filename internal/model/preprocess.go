package model

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/sparsha-ai/skin-api/internal/tensor"
)

// DefaultInputSize is the spatial resolution the production checkpoint
// was trained on.
const DefaultInputSize = 380

// Per-channel normalization constants matching the training
// distribution. These are part of the preprocessing contract; changing
// them silently degrades accuracy.
var (
	normalizeMean = [3]float32{0.485, 0.456, 0.406}
	normalizeStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess converts raw image bytes into a normalized [3,size,size]
// tensor. Returns nil for empty or undecodable input, never an error.
func Preprocess(raw []byte, size int) *tensor.Tensor {
	t, _ := preprocess(raw, size, false)
	return t
}

// preprocess decodes the bytes (honoring EXIF orientation), resizes to
// size x size with a bilinear filter, scales samples to [0,1] and
// applies the per-channel normalization. When withImage is set, the
// resized RGB image is returned alongside for overlay rendering.
func preprocess(raw []byte, size int, withImage bool) (*tensor.Tensor, image.Image) {
	if len(raw) == 0 {
		return nil, nil
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, nil
	}
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	t := tensor.New(3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := y*size + x
			t.Data[idx] = (float32(r)/65535.0 - normalizeMean[0]) / normalizeStd[0]
			t.Data[plane+idx] = (float32(g)/65535.0 - normalizeMean[1]) / normalizeStd[1]
			t.Data[2*plane+idx] = (float32(b)/65535.0 - normalizeMean[2]) / normalizeStd[2]
		}
	}
	if withImage {
		return t, resized
	}
	return t, nil
}
