package selftraining

import (
	"log"
	"math"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// ScheduledPseudoLabelerConfig configures the plateau-driven threshold schedule.
// The comparison policy mirrors a plateau LR scheduler: Mode selects whether
// the tracked metric should decrease ("min") or increase ("max"), and
// ThresholdMode selects relative or absolute improvement comparison. The same
// ThresholdMode also selects how the confidence threshold is reduced:
// multiplicatively by Factor ("rel") or by subtracting Factor ("abs").
type ScheduledPseudoLabelerConfig struct {
	Activation             Activation
	ConfidenceThreshold    float64 // non-positive disables masking
	ThresholdFromBothSides bool
	Mode                   string  // "min" or "max"
	Factor                 float64 // reduction factor, must be < 1
	Patience               int     // bad epochs tolerated before a reduction
	Threshold              float64 // improvement threshold for the metric
	ThresholdMode          string  // "rel" or "abs"
	MinConfidenceThreshold float64 // floor the confidence threshold never drops below
	Eps                    float64 // reductions smaller than this are skipped
	Verbose                bool
}

// DefaultScheduledPseudoLabelerConfig returns the standard schedule settings.
func DefaultScheduledPseudoLabelerConfig() ScheduledPseudoLabelerConfig {
	return ScheduledPseudoLabelerConfig{
		ThresholdFromBothSides: true,
		Mode:                   "min",
		Factor:                 0.05,
		Patience:               10,
		Threshold:              1e-4,
		ThresholdMode:          "abs",
		MinConfidenceThreshold: 0.5,
		Eps:                    1e-8,
		Verbose:                true,
	}
}

// ScheduledPseudoLabeler filters pseudo-labels like DefaultPseudoLabeler but
// decays the confidence threshold when the tracked metric plateaus: once the
// number of non-improving epochs exceeds Patience, the threshold is reduced
// toward MinConfidenceThreshold and the bad-epoch counter restarts.
type ScheduledPseudoLabeler struct {
	activation             Activation
	confidenceThreshold    float64
	thresholdFromBothSides bool

	mode          string
	factor        float64
	patience      int
	threshold     float64
	thresholdMode string
	minCT         float64
	eps           float64
	verbose       bool

	best         float64
	numBadEpochs int
	lastEpoch    int
}

// NewScheduledPseudoLabeler validates the config and creates the labeler.
func NewScheduledPseudoLabeler(cfg ScheduledPseudoLabelerConfig) (*ScheduledPseudoLabeler, error) {
	if cfg.Mode != "min" && cfg.Mode != "max" {
		return nil, errors.Errorf("invalid mode: %q, mode should be 'min' or 'max'", cfg.Mode)
	}
	if cfg.Factor >= 1.0 {
		return nil, errors.Errorf("factor should be < 1.0, got %g", cfg.Factor)
	}
	if cfg.ThresholdMode != "rel" && cfg.ThresholdMode != "abs" {
		return nil, errors.Errorf("invalid threshold mode: %q, threshold mode should be 'rel' or 'abs'", cfg.ThresholdMode)
	}

	best := math.Inf(1)
	if cfg.Mode == "max" {
		best = math.Inf(-1)
	}

	return &ScheduledPseudoLabeler{
		activation:             cfg.Activation,
		confidenceThreshold:    cfg.ConfidenceThreshold,
		thresholdFromBothSides: cfg.ThresholdFromBothSides,
		mode:                   cfg.Mode,
		factor:                 cfg.Factor,
		patience:               cfg.Patience,
		threshold:              cfg.Threshold,
		thresholdMode:          cfg.ThresholdMode,
		minCT:                  cfg.MinConfidenceThreshold,
		eps:                    cfg.Eps,
		verbose:                cfg.Verbose,
		best:                   best,
	}, nil
}

// ConfidenceThreshold returns the current, possibly decayed, threshold.
func (pl *ScheduledPseudoLabeler) ConfidenceThreshold() float64 {
	return pl.confidenceThreshold
}

// NumBadEpochs returns the current count of non-improving epochs.
func (pl *ScheduledPseudoLabeler) NumBadEpochs() int {
	return pl.numBadEpochs
}

// Best returns the best metric value seen so far.
func (pl *ScheduledPseudoLabeler) Best() float64 {
	return pl.best
}

// Label runs the teacher on the input and filters the prediction with the
// current confidence threshold.
func (pl *ScheduledPseudoLabeler) Label(teacher Model, input *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
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

// isBetter reports whether a improves on best under the configured comparison
// policy. Exactly one branch applies per (mode, thresholdMode) combination.
func (pl *ScheduledPseudoLabeler) isBetter(a, best float64) bool {
	switch {
	case pl.mode == "min" && pl.thresholdMode == "rel":
		return a < best*(1.0-pl.threshold)
	case pl.mode == "min" && pl.thresholdMode == "abs":
		return a < best-pl.threshold
	case pl.mode == "max" && pl.thresholdMode == "rel":
		return a > best*(pl.threshold+1.0)
	default: // mode == "max" && thresholdMode == "abs"
		return a > best+pl.threshold
	}
}

// reduceThreshold decays the confidence threshold toward the floor. Reductions
// smaller than eps are skipped so the threshold settles instead of creeping.
func (pl *ScheduledPseudoLabeler) reduceThreshold(epoch int) {
	old := pl.confidenceThreshold
	var next float64
	if pl.thresholdMode == "rel" {
		next = math.Max(pl.confidenceThreshold*pl.factor, pl.minCT)
	} else {
		next = math.Max(pl.confidenceThreshold-pl.factor, pl.minCT)
	}
	if old-next > pl.eps {
		pl.confidenceThreshold = next
	}
	if pl.verbose {
		log.Printf("epoch %d: reducing confidence threshold from %g to %g", epoch, old, pl.confidenceThreshold)
	}
}

// Step records the epoch's metric. An improving metric resets the bad-epoch
// counter; once the counter exceeds Patience the threshold is reduced and the
// counter restarts. A non-positive epoch continues from the last seen epoch.
func (pl *ScheduledPseudoLabeler) Step(metric float64, epoch int) {
	if epoch <= 0 {
		epoch = pl.lastEpoch + 1
	}
	pl.lastEpoch = epoch

	if pl.isBetter(metric, pl.best) {
		pl.best = metric
		pl.numBadEpochs = 0
	} else {
		pl.numBadEpochs++
	}

	if pl.numBadEpochs > pl.patience {
		pl.reduceThreshold(epoch)
		pl.numBadEpochs = 0
	}
}
