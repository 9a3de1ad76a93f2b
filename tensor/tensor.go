package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// DType identifies the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense CPU tensor in row-major layout.
type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

// RequiresGrad reports whether gradients are accumulated for this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a trainable parameter.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been set.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the gradient tensor.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// AccumulateGrad adds grad into the stored gradient, allocating it on first use.
func (t *Tensor) AccumulateGrad(grad *Tensor) error {
	if grad.NumElems != t.NumElems {
		return errors.Errorf("gradient size mismatch: parameter %d, gradient %d", t.NumElems, grad.NumElems)
	}
	if t.grad == nil {
		g, err := Zeros(t.Shape, t.DType)
		if err != nil {
			return errors.Wrap(err, "allocating gradient")
		}
		t.grad = g
	}
	dst := t.grad.Data.([]float32)
	src := grad.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// NewTensor creates a tensor from existing data. The data slice must match the
// shape's element count and the dtype's slice type.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)

	switch dtype {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return nil, errors.Errorf("data must be []float32 for dtype %s", dtype)
		}
		if len(d) != numElems {
			return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return nil, errors.Errorf("data must be []int32 for dtype %s", dtype)
		}
		if len(d) != numElems {
			return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
	default:
		return nil, errors.Errorf("unsupported dtype: %s", dtype)
	}

	return &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, make([]float32, numElems))
	case Int32:
		return NewTensor(shape, dtype, make([]int32, numElems))
	default:
		return nil, errors.Errorf("unsupported dtype: %s", dtype)
	}
}

// FromScalar creates a single-element tensor holding v.
func FromScalar(v float64, dtype DType) *Tensor {
	switch dtype {
	case Int32:
		t, _ := NewTensor([]int{1}, Int32, []int32{int32(v)})
		return t
	default:
		t, _ := NewTensor([]int{1}, Float32, []float32{float32(v)})
		return t
	}
}

// Clone returns a deep copy of the tensor. Gradient state is not copied.
func (t *Tensor) Clone() (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := make([]float32, t.NumElems)
		copy(data, t.Data.([]float32))
		return NewTensor(t.Shape, t.DType, data)
	case Int32:
		data := make([]int32, t.NumElems)
		copy(data, t.Data.([]int32))
		return NewTensor(t.Shape, t.DType, data)
	default:
		return nil, errors.Errorf("unsupported dtype: %s", t.DType)
	}
}

// Reshape returns a view of the tensor with a new shape of equal element count.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, errors.Errorf("cannot reshape %v to %v: element count differs", t.Shape, shape)
	}
	return &Tensor{
		Shape:        append([]int{}, shape...),
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
		grad:         t.grad,
	}, nil
}

// SetData replaces the tensor's backing data in place.
func (t *Tensor) SetData(data interface{}) error {
	switch t.DType {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return errors.Errorf("data must be []float32 for dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return errors.Errorf("data length %d does not match %d elements", len(d), t.NumElems)
		}
		copy(t.Data.([]float32), d)
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return errors.Errorf("data must be []int32 for dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return errors.Errorf("data length %d does not match %d elements", len(d), t.NumElems)
		}
		copy(t.Data.([]int32), d)
	default:
		return errors.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// Float32s returns the backing float32 slice.
func (t *Tensor) Float32s() []float32 {
	return t.Data.([]float32)
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, errors.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[0]), nil
	case Int32:
		return float64(t.Data.([]int32)[0]), nil
	default:
		return 0, errors.Errorf("unsupported dtype: %s", t.DType)
	}
}

// ZeroGrad clears the gradients of all given parameters.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		if p.grad != nil {
			data := p.grad.Data.([]float32)
			for i := range data {
				data[i] = 0
			}
		}
	}
}
