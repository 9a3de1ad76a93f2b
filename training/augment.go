package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// Augmentation produces a randomly perturbed view of a single image tensor.
// The input is never modified.
type Augmentation func(img *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error)

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// WeakAugmentation adds low-amplitude gaussian noise. This is the teacher view:
// it perturbs the image just enough to decorrelate it from the student view.
func WeakAugmentation(sigma float64) Augmentation {
	return func(img *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
		out, err := img.Clone()
		if err != nil {
			return nil, errors.Wrap(err, "cloning image")
		}
		data := out.Float32s()
		for i := range data {
			data[i] = clamp01(data[i] + float32(rng.NormFloat64()*sigma))
		}
		return out, nil
	}
}

// StrongAugmentation combines gaussian noise, contrast jitter and random
// blackout patches. This is the student view in FixMatch-style training.
func StrongAugmentation(sigma float64, contrastJitter float64, blackoutPatches int) Augmentation {
	return func(img *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
		if len(img.Shape) != 3 {
			return nil, errors.Errorf("strong augmentation expects a [C, H, W] image, got shape %v", img.Shape)
		}
		out, err := img.Clone()
		if err != nil {
			return nil, errors.Wrap(err, "cloning image")
		}
		data := out.Float32s()

		// Contrast jitter around the mean.
		var mean float64
		for _, v := range data {
			mean += float64(v)
		}
		mean /= float64(len(data))
		contrast := 1.0 + (rng.Float64()*2-1)*contrastJitter

		for i := range data {
			v := mean + contrast*(float64(data[i])-mean)
			data[i] = clamp01(float32(v + rng.NormFloat64()*sigma))
		}

		// Blackout patches force the student to rely on context.
		c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
		for p := 0; p < blackoutPatches; p++ {
			ph := h/8 + rng.Intn(h/8+1)
			pw := w/8 + rng.Intn(w/8+1)
			y0 := rng.Intn(h - ph + 1)
			x0 := rng.Intn(w - pw + 1)
			for ch := 0; ch < c; ch++ {
				for y := y0; y < y0+ph; y++ {
					base := ch*h*w + y*w
					for x := x0; x < x0+pw; x++ {
						data[base+x] = 0
					}
				}
			}
		}
		return out, nil
	}
}

// DefaultWeakAugmentation is the standard teacher view.
func DefaultWeakAugmentation() Augmentation {
	return WeakAugmentation(0.05)
}

// DefaultStrongAugmentation is the standard student view.
func DefaultStrongAugmentation() Augmentation {
	return StrongAugmentation(0.1, 0.25, 2)
}

// DefaultStrongJointAugmentation is the student view for joint supervised and
// unsupervised training, slightly milder than the pure FixMatch view.
func DefaultStrongJointAugmentation() Augmentation {
	return StrongAugmentation(0.1, 0.15, 1)
}
