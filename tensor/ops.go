package tensor

import (
	"math"

	"github.com/pkg/errors"
)

func sameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i, dim := range a.Shape {
		if dim != b.Shape[i] {
			return false
		}
	}
	return true
}

func binaryOp(a, b *Tensor, op func(x, y float32) float32) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, errors.Errorf("elementwise ops require Float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if !sameShape(a, b) {
		return nil, errors.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	ad := a.Data.([]float32)
	bd := b.Data.([]float32)
	out := make([]float32, a.NumElems)
	for i := range out {
		out[i] = op(ad[i], bd[i])
	}
	return NewTensor(a.Shape, Float32, out)
}

// Add returns the elementwise sum a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, func(x, y float32) float32 { return x + y })
}

// Sub returns the elementwise difference a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, func(x, y float32) float32 { return x - y })
}

// Mul returns the elementwise product a * b.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, func(x, y float32) float32 { return x * y })
}

// Scale returns t scaled by s.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, errors.Errorf("Scale requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, t.NumElems)
	f := float32(s)
	for i := range out {
		out[i] = data[i] * f
	}
	return NewTensor(t.Shape, Float32, out)
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, errors.Errorf("Sigmoid requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, t.NumElems)
	for i, v := range data {
		out[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	return NewTensor(t.Shape, Float32, out)
}

// Mean averages a non-empty list of equally shaped tensors.
func Mean(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("Mean requires at least one tensor")
	}
	first := ts[0]
	if first.DType != Float32 {
		return nil, errors.Errorf("Mean requires Float32 tensors, got %s", first.DType)
	}
	out := make([]float32, first.NumElems)
	for _, t := range ts {
		if !sameShape(first, t) {
			return nil, errors.Errorf("shape mismatch: %v vs %v", first.Shape, t.Shape)
		}
		data := t.Data.([]float32)
		for i, v := range data {
			out[i] += v
		}
	}
	inv := float32(1.0 / float64(len(ts)))
	for i := range out {
		out[i] *= inv
	}
	return NewTensor(first.Shape, Float32, out)
}

// Sum adds up all elements of a Float32 tensor.
func Sum(t *Tensor) (float64, error) {
	if t.DType != Float32 {
		return 0, errors.Errorf("Sum requires a Float32 tensor, got %s", t.DType)
	}
	var sum float64
	for _, v := range t.Data.([]float32) {
		sum += float64(v)
	}
	return sum, nil
}

// MeanValue returns the arithmetic mean of all elements.
func MeanValue(t *Tensor) (float64, error) {
	sum, err := Sum(t)
	if err != nil {
		return 0, err
	}
	return sum / float64(t.NumElems), nil
}
