package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// SelfTrainingLoss is a confidence-masked mean squared error between the
// student prediction and the pseudo-labels. Masked pixels are excluded from
// both the sum and the normalization, so a sparse mask does not shrink the
// loss toward zero. With a nil mask it degrades to plain MSE. When
// applySigmoid is set the student logits are squashed before the comparison,
// matching pseudo-labels produced through a sigmoid activation.
type SelfTrainingLoss struct {
	applySigmoid bool
}

// NewSelfTrainingLoss creates the masked student loss.
func NewSelfTrainingLoss(applySigmoid bool) *SelfTrainingLoss {
	return &SelfTrainingLoss{applySigmoid: applySigmoid}
}

func (l *SelfTrainingLoss) activate(pred *tensor.Tensor) (*tensor.Tensor, error) {
	if !l.applySigmoid {
		return pred, nil
	}
	return tensor.Sigmoid(pred)
}

func (l *SelfTrainingLoss) checkShapes(pred, target, mask *tensor.Tensor) error {
	if pred.NumElems != target.NumElems {
		return errors.Errorf("prediction and target size mismatch: %d vs %d", pred.NumElems, target.NumElems)
	}
	if mask != nil && mask.NumElems != pred.NumElems {
		return errors.Errorf("mask size mismatch: %d vs %d", mask.NumElems, pred.NumElems)
	}
	return nil
}

// Forward computes the masked loss value.
func (l *SelfTrainingLoss) Forward(pred, target, mask *tensor.Tensor) (float64, error) {
	if err := l.checkShapes(pred, target, mask); err != nil {
		return 0, err
	}
	activated, err := l.activate(pred)
	if err != nil {
		return 0, errors.Wrap(err, "activation failed")
	}

	p := activated.Float32s()
	t := target.Float32s()

	var sum, denom float64
	if mask == nil {
		for i := range p {
			d := float64(p[i]) - float64(t[i])
			sum += d * d
		}
		denom = float64(len(p))
	} else {
		m := mask.Float32s()
		for i := range p {
			d := float64(p[i]) - float64(t[i])
			sum += float64(m[i]) * d * d
			denom += float64(m[i])
		}
		if denom == 0 {
			// Fully masked batch contributes nothing.
			return 0, nil
		}
	}
	return sum / denom, nil
}

// ForwardWithMetric computes the masked loss together with the fraction of
// pixels the confidence mask keeps. A nil mask keeps everything.
func (l *SelfTrainingLoss) ForwardWithMetric(pred, target, mask *tensor.Tensor) (float64, float64, error) {
	loss, err := l.Forward(pred, target, mask)
	if err != nil {
		return 0, 0, err
	}
	if mask == nil {
		return loss, 1, nil
	}
	var kept float64
	m := mask.Float32s()
	for _, v := range m {
		kept += float64(v)
	}
	return loss, kept / float64(len(m)), nil
}

// Backward computes the gradient of the loss with respect to the prediction.
func (l *SelfTrainingLoss) Backward(pred, target, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.checkShapes(pred, target, mask); err != nil {
		return nil, err
	}
	activated, err := l.activate(pred)
	if err != nil {
		return nil, errors.Wrap(err, "activation failed")
	}

	p := activated.Float32s()
	t := target.Float32s()
	grad := make([]float32, len(p))

	denom := float64(len(p))
	var m []float32
	if mask != nil {
		m = mask.Float32s()
		denom = 0
		for _, v := range m {
			denom += float64(v)
		}
		if denom == 0 {
			return tensor.NewTensor(pred.Shape, tensor.Float32, grad)
		}
	}

	for i := range p {
		g := 2.0 * (float64(p[i]) - float64(t[i])) / denom
		if m != nil {
			g *= float64(m[i])
		}
		if l.applySigmoid {
			s := float64(p[i])
			g *= s * (1.0 - s)
		}
		grad[i] = float32(g)
	}
	return tensor.NewTensor(pred.Shape, tensor.Float32, grad)
}

// BCEWithLogitsLoss is the numerically stable binary cross entropy on logits,
// used for the supervised source batches.
type BCEWithLogitsLoss struct{}

// NewBCEWithLogitsLoss creates the supervised segmentation loss.
func NewBCEWithLogitsLoss() *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{}
}

// Forward computes mean binary cross entropy between logits and binary targets.
func (l *BCEWithLogitsLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	if pred.NumElems != target.NumElems {
		return 0, errors.Errorf("prediction and target size mismatch: %d vs %d", pred.NumElems, target.NumElems)
	}
	p := pred.Float32s()
	t := target.Float32s()

	var sum float64
	for i := range p {
		x := float64(p[i])
		y := float64(t[i])
		// max(x,0) - x*y + log(1 + exp(-|x|))
		sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return sum / float64(len(p)), nil
}

// Backward computes the gradient with respect to the logits.
func (l *BCEWithLogitsLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if pred.NumElems != target.NumElems {
		return nil, errors.Errorf("prediction and target size mismatch: %d vs %d", pred.NumElems, target.NumElems)
	}
	p := pred.Float32s()
	t := target.Float32s()
	grad := make([]float32, len(p))
	n := float64(len(p))
	for i := range p {
		s := 1.0 / (1.0 + math.Exp(-float64(p[i])))
		grad[i] = float32((s - float64(t[i])) / n)
	}
	return tensor.NewTensor(pred.Shape, tensor.Float32, grad)
}
