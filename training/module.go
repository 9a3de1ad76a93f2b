package training

import (
	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// Module is a trainable network. Forward caches whatever Backward needs;
// Backward accumulates gradients into the parameter tensors.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*tensor.Tensor
	Train()            // Sets module to training mode
	Eval()             // Sets module to evaluation mode
	IsTraining() bool  // Returns true if in training mode
}

// CopyParameters copies the parameter values of src into dst. The two modules
// must have identical architectures.
func CopyParameters(dst, src Module) error {
	dstParams := dst.Parameters()
	srcParams := src.Parameters()
	if len(dstParams) != len(srcParams) {
		return errors.Errorf("parameter count mismatch: %d vs %d", len(dstParams), len(srcParams))
	}
	for i := range dstParams {
		if dstParams[i].NumElems != srcParams[i].NumElems {
			return errors.Errorf("parameter %d size mismatch: %d vs %d",
				i, dstParams[i].NumElems, srcParams[i].NumElems)
		}
		copy(dstParams[i].Float32s(), srcParams[i].Float32s())
	}
	return nil
}

// EMAUpdate moves the teacher parameters toward the student parameters with
// exponential moving average momentum: teacher = momentum*teacher + (1-momentum)*student.
func EMAUpdate(teacher, student Module, momentum float64) error {
	tp := teacher.Parameters()
	sp := student.Parameters()
	if len(tp) != len(sp) {
		return errors.Errorf("parameter count mismatch: %d vs %d", len(tp), len(sp))
	}
	m := float32(momentum)
	for i := range tp {
		if tp[i].NumElems != sp[i].NumElems {
			return errors.Errorf("parameter %d size mismatch: %d vs %d", i, tp[i].NumElems, sp[i].NumElems)
		}
		td := tp[i].Float32s()
		sd := sp[i].Float32s()
		for j := range td {
			td[j] = m*td[j] + (1-m)*sd[j]
		}
	}
	return nil
}
