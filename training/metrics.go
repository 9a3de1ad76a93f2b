package training

import (
	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// DiceScore computes the Dice coefficient between a probability map and a
// binary target, binarizing the prediction at the given threshold. An empty
// prediction against an empty target scores 1.
func DiceScore(pred, target *tensor.Tensor, threshold float64) (float64, error) {
	if pred.NumElems != target.NumElems {
		return 0, errors.Errorf("prediction and target size mismatch: %d vs %d", pred.NumElems, target.NumElems)
	}
	p := pred.Float32s()
	t := target.Float32s()
	th := float32(threshold)

	var intersection, predSum, targetSum float64
	for i := range p {
		pi := 0.0
		if p[i] >= th {
			pi = 1.0
		}
		ti := 0.0
		if t[i] >= 0.5 {
			ti = 1.0
		}
		intersection += pi * ti
		predSum += pi
		targetSum += ti
	}
	if predSum+targetSum == 0 {
		return 1.0, nil
	}
	return 2.0 * intersection / (predSum + targetSum), nil
}

// IoUScore computes intersection over union with the same binarization rules
// as DiceScore.
func IoUScore(pred, target *tensor.Tensor, threshold float64) (float64, error) {
	dice, err := DiceScore(pred, target, threshold)
	if err != nil {
		return 0, err
	}
	if dice == 0 {
		return 0, nil
	}
	return dice / (2.0 - dice), nil
}

// ForegroundFraction returns the fraction of pixels at or above the threshold.
func ForegroundFraction(pred *tensor.Tensor, threshold float64) float64 {
	p := pred.Float32s()
	if len(p) == 0 {
		return 0
	}
	th := float32(threshold)
	count := 0
	for _, v := range p {
		if v >= th {
			count++
		}
	}
	return float64(count) / float64(len(p))
}
