// Package selftraining implements teacher-student pseudo-labeling for
// semi-supervised domain adaptation. A pseudo-labeler turns a teacher model's
// prediction on unlabeled data into a training target for the student,
// optionally filtered through a confidence mask.
package selftraining

import (
	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// Activation is applied to teacher predictions before masking, e.g. tensor.Sigmoid.
type Activation func(*tensor.Tensor) (*tensor.Tensor, error)

// Model is the teacher side of pseudo-labeling.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
}

// Sampler is a probabilistic teacher. Forward conditions the model on an input;
// Sample draws a new prediction from the prior distribution.
type Sampler interface {
	Model
	Sample() (*tensor.Tensor, error)
}

// PseudoLabeler converts teacher predictions into filtered pseudo-labels.
// Label returns the pseudo-labels and a confidence mask; the mask is nil when
// no confidence threshold is configured. Step lets schedule-aware labelers
// react to the validation metric once per epoch.
type PseudoLabeler interface {
	Label(teacher Model, input *tensor.Tensor) (labels, mask *tensor.Tensor, err error)
	Step(metric float64, epoch int)
}

// maskBothSides keeps predictions >= ct or <= 1-ct. Suitable for binary targets
// where both confident foreground and confident background count.
func maskBothSides(labels *tensor.Tensor, ct float64) (*tensor.Tensor, error) {
	upper := float32(ct)
	lower := float32(1.0 - ct)
	data := labels.Float32s()
	mask := make([]float32, labels.NumElems)
	for i, v := range data {
		if v >= upper || v <= lower {
			mask[i] = 1
		}
	}
	return tensor.NewTensor(labels.Shape, tensor.Float32, mask)
}

// maskOneSide keeps predictions >= ct only, for multiclass targets.
func maskOneSide(labels *tensor.Tensor, ct float64) (*tensor.Tensor, error) {
	threshold := float32(ct)
	data := labels.Float32s()
	mask := make([]float32, labels.NumElems)
	for i, v := range data {
		if v >= threshold {
			mask[i] = 1
		}
	}
	return tensor.NewTensor(labels.Shape, tensor.Float32, mask)
}

func computeLabelMask(labels *tensor.Tensor, ct float64, bothSides bool) (*tensor.Tensor, error) {
	if bothSides {
		return maskBothSides(labels, ct)
	}
	return maskOneSide(labels, ct)
}

// DefaultPseudoLabeler computes pseudo-labels from a single deterministic
// teacher forward pass. A non-positive confidence threshold disables masking.
type DefaultPseudoLabeler struct {
	activation             Activation
	confidenceThreshold    float64
	thresholdFromBothSides bool
}

// NewDefaultPseudoLabeler creates a pseudo-labeler with the given activation
// (may be nil), confidence threshold (non-positive disables the mask) and
// masking policy.
func NewDefaultPseudoLabeler(activation Activation, confidenceThreshold float64, thresholdFromBothSides bool) *DefaultPseudoLabeler {
	return &DefaultPseudoLabeler{
		activation:             activation,
		confidenceThreshold:    confidenceThreshold,
		thresholdFromBothSides: thresholdFromBothSides,
	}
}

// ConfidenceThreshold returns the current threshold.
func (pl *DefaultPseudoLabeler) ConfidenceThreshold() float64 {
	return pl.confidenceThreshold
}

// Label runs the teacher on the input and filters the prediction.
func (pl *DefaultPseudoLabeler) Label(teacher Model, input *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	labels, err := teacher.Forward(input)
	if err != nil {
		return nil, nil, errors.Wrap(err, "teacher forward pass failed")
	}
	if pl.activation != nil {
		labels, err = pl.activation(labels)
		if err != nil {
			return nil, nil, errors.Wrap(err, "activation failed")
		}
	}
	if pl.confidenceThreshold <= 0 {
		return labels, nil, nil
	}
	mask, err := computeLabelMask(labels, pl.confidenceThreshold, pl.thresholdFromBothSides)
	if err != nil {
		return nil, nil, errors.Wrap(err, "label mask computation failed")
	}
	return labels, mask, nil
}

// Step is a no-op: the default labeler keeps a fixed threshold.
func (pl *DefaultPseudoLabeler) Step(metric float64, epoch int) {}
