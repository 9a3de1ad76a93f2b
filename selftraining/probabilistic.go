package selftraining

import (
	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// DefaultPriorSamples is the number of prior draws per input when none is configured.
const DefaultPriorSamples = 16

// ProbabilisticPseudoLabeler computes pseudo-labels from a probabilistic
// teacher. The teacher is conditioned on the input once, then sampled
// priorSamples times; the samples are averaged into a soft pseudo-label and
// the per-sample confidence masks are averaged into a weighted consensus mask.
// With consensus masking enabled the mask is collapsed to full agreement:
// a pixel is kept only if every sample passed the threshold.
type ProbabilisticPseudoLabeler struct {
	activation             Activation
	confidenceThreshold    float64
	thresholdFromBothSides bool
	priorSamples           int
	consensusMasking       bool
}

// NewProbabilisticPseudoLabeler creates a labeler drawing priorSamples draws
// from the teacher's prior. Consensus masking requires a positive confidence
// threshold.
func NewProbabilisticPseudoLabeler(
	activation Activation,
	confidenceThreshold float64,
	thresholdFromBothSides bool,
	priorSamples int,
	consensusMasking bool,
) (*ProbabilisticPseudoLabeler, error) {
	if priorSamples <= 0 {
		priorSamples = DefaultPriorSamples
	}
	if consensusMasking && confidenceThreshold <= 0 {
		return nil, errors.New("consensus masking requires a confidence threshold")
	}
	return &ProbabilisticPseudoLabeler{
		activation:             activation,
		confidenceThreshold:    confidenceThreshold,
		thresholdFromBothSides: thresholdFromBothSides,
		priorSamples:           priorSamples,
		consensusMasking:       consensusMasking,
	}, nil
}

// Label conditions the teacher on the input and aggregates prior samples.
func (pl *ProbabilisticPseudoLabeler) Label(teacher Model, input *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	sampler, ok := teacher.(Sampler)
	if !ok {
		return nil, nil, errors.New("probabilistic pseudo-labeling requires a teacher that samples from a prior")
	}

	if _, err := sampler.Forward(input); err != nil {
		return nil, nil, errors.Wrap(err, "teacher forward pass failed")
	}

	samples := make([]*tensor.Tensor, pl.priorSamples)
	for i := range samples {
		sample, err := sampler.Sample()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "prior sample %d failed", i)
		}
		if pl.activation != nil {
			sample, err = pl.activation(sample)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "activation of sample %d failed", i)
			}
		}
		samples[i] = sample
	}

	labels, err := tensor.Mean(samples)
	if err != nil {
		return nil, nil, errors.Wrap(err, "averaging prior samples failed")
	}

	if pl.confidenceThreshold <= 0 {
		return labels, nil, nil
	}

	masks := make([]*tensor.Tensor, len(samples))
	for i, sample := range samples {
		masks[i], err = computeLabelMask(sample, pl.confidenceThreshold, pl.thresholdFromBothSides)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "mask of sample %d failed", i)
		}
	}
	mask, err := tensor.Mean(masks)
	if err != nil {
		return nil, nil, errors.Wrap(err, "averaging sample masks failed")
	}

	if pl.consensusMasking {
		// Per-sample masks are exactly 0 or 1, so the average is exactly 1
		// only where every sample agreed.
		data := mask.Float32s()
		for i, v := range data {
			if v == 1 {
				data[i] = 1
			} else {
				data[i] = 0
			}
		}
	}

	return labels, mask, nil
}

// Step is a no-op: the probabilistic labeler keeps a fixed threshold.
func (pl *ProbabilisticPseudoLabeler) Step(metric float64, epoch int) {}
