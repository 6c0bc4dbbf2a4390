// Package tensor provides the flat float32 tensor container the
// inference engine computes on. Data is laid out in C order.
package tensor

import "math"

type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: shape, Data: make([]float32, n)}
}

// FromSlice wraps data in a tensor without copying. The product of the
// shape must equal len(data).
func FromSlice(data []float32, shape ...int) *Tensor {
	return &Tensor{Shape: shape, Data: data}
}

func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Softmax converts logits into a probability distribution. The maximum
// logit is subtracted before exponentiation to keep the sum finite.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// ResizeBilinear resizes a 2-D [H,W] tensor to [newH,newW] with
// bilinear interpolation (align_corners=false convention).
func ResizeBilinear(t *Tensor, newH, newW int) *Tensor {
	h, w := t.Shape[0], t.Shape[1]
	out := New(newH, newW)
	scaleY := float64(h) / float64(newH)
	scaleX := float64(w) / float64(newW)
	for y := 0; y < newH; y++ {
		srcY := (float64(y)+0.5)*scaleY - 0.5
		if srcY < 0 {
			srcY = 0
		}
		y0 := int(srcY)
		if y0 > h-1 {
			y0 = h - 1
		}
		y1 := y0 + 1
		if y1 > h-1 {
			y1 = h - 1
		}
		fy := srcY - float64(y0)
		for x := 0; x < newW; x++ {
			srcX := (float64(x)+0.5)*scaleX - 0.5
			if srcX < 0 {
				srcX = 0
			}
			x0 := int(srcX)
			if x0 > w-1 {
				x0 = w - 1
			}
			x1 := x0 + 1
			if x1 > w-1 {
				x1 = w - 1
			}
			fx := srcX - float64(x0)

			v00 := float64(t.Data[y0*w+x0])
			v01 := float64(t.Data[y0*w+x1])
			v10 := float64(t.Data[y1*w+x0])
			v11 := float64(t.Data[y1*w+x1])
			top := v00 + (v01-v00)*fx
			bottom := v10 + (v11-v10)*fx
			out.Data[y*newW+x] = float32(top + (bottom-top)*fy)
		}
	}
	return out
}

// MinMax returns the smallest and largest element. Both are 0 for an
// empty tensor.
func (t *Tensor) MinMax() (min, max float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	min, max = t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
