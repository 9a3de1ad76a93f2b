package training

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/checkpoints"
	"github.com/seglab/cellmatch/selftraining"
	"github.com/seglab/cellmatch/tensor"
)

// ClassDistribution describes the label distribution of the source domain,
// used for distribution alignment of pseudo-labels.
type ClassDistribution struct {
	Foreground float64
}

// FixMatchConfig wires together everything one source/target adaptation run needs.
type FixMatchConfig struct {
	Name string

	Model   Module // student
	Teacher Module // same architecture; tracks the student via EMA

	Optimizer     Optimizer
	LRScheduler   LRScheduler
	PseudoLabeler selftraining.PseudoLabeler

	UnsupervisedLoss *SelfTrainingLoss
	SupervisedLoss   *BCEWithLogitsLoss

	UnsupervisedTrainLoader *UnsupervisedDataLoader
	UnsupervisedValLoader   *UnsupervisedDataLoader
	SupervisedTrainLoader   *DataLoader // optional: joint training on source labels
	SupervisedValLoader     *DataLoader // optional

	SourceDistribution *ClassDistribution // optional: align pseudo-labels to the source

	EMAMomentum float64 // teacher EMA momentum, defaults to 0.999
	LogInterval int     // iterations between progress lines, defaults to 100
	SaveRoot    string  // checkpoint root; empty disables checkpointing
}

// FixMatchMetrics holds per-epoch progress of a self-training run.
type FixMatchMetrics struct {
	Epoch         int
	TrainLoss     float64
	ValLoss       float64
	MaskCoverage  float64 // fraction of pixels the confidence mask kept during validation
	LearningRate  float64
	EpochDuration time.Duration
}

// FixMatchTrainer runs FixMatch-style teacher-student training: the teacher
// pseudo-labels a weakly augmented view, the student learns from the strongly
// augmented view through the confidence mask, and the teacher tracks the
// student by exponential moving average.
type FixMatchTrainer struct {
	cfg     FixMatchConfig
	metrics []FixMatchMetrics
	best    float64
}

// NewFixMatchTrainer validates the config and initializes the teacher from the
// student weights.
func NewFixMatchTrainer(cfg FixMatchConfig) (*FixMatchTrainer, error) {
	if cfg.Model == nil || cfg.Teacher == nil {
		return nil, errors.New("model and teacher are required")
	}
	if cfg.Optimizer == nil {
		return nil, errors.New("optimizer is required")
	}
	if cfg.PseudoLabeler == nil {
		return nil, errors.New("pseudo labeler is required")
	}
	if cfg.UnsupervisedLoss == nil {
		return nil, errors.New("unsupervised loss is required")
	}
	if cfg.UnsupervisedTrainLoader == nil {
		return nil, errors.New("unsupervised train loader is required")
	}
	if cfg.SupervisedTrainLoader != nil && cfg.SupervisedLoss == nil {
		return nil, errors.New("supervised loss is required with a supervised loader")
	}
	if cfg.EMAMomentum <= 0 || cfg.EMAMomentum >= 1 {
		cfg.EMAMomentum = 0.999
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 100
	}

	if err := CopyParameters(cfg.Teacher, cfg.Model); err != nil {
		return nil, errors.Wrap(err, "initializing teacher from student")
	}

	return &FixMatchTrainer{cfg: cfg, best: -1}, nil
}

// Fit runs training for the given total number of iterations, validating and
// stepping the schedulers once per epoch over the unsupervised train loader.
func (t *FixMatchTrainer) Fit(iterations int) error {
	if iterations <= 0 {
		return errors.Errorf("iterations must be positive, got %d", iterations)
	}

	cfg := &t.cfg
	iteration := 0
	epoch := 0

	for iteration < iterations {
		epoch++
		epochStart := time.Now()
		cfg.UnsupervisedTrainLoader.Reset()
		if cfg.SupervisedTrainLoader != nil {
			cfg.SupervisedTrainLoader.Reset()
		}

		var epochLoss float64
		var batches int

		for iteration < iterations {
			batch, err := cfg.UnsupervisedTrainLoader.Next()
			if err != nil {
				return errors.Wrapf(err, "loading unsupervised batch at iteration %d", iteration)
			}
			if batch == nil {
				break // end of epoch
			}

			loss, err := t.trainStep(batch)
			if err != nil {
				return errors.Wrapf(err, "training step %d failed", iteration)
			}
			epochLoss += loss
			batches++
			iteration++

			if iteration%cfg.LogInterval == 0 {
				fmt.Printf("Iteration %d/%d: loss=%.4f, lr=%g\n",
					iteration, iterations, epochLoss/float64(batches), cfg.Optimizer.GetLR())
			}
		}

		metrics := FixMatchMetrics{
			Epoch:         epoch,
			TrainLoss:     epochLoss / float64(max(batches, 1)),
			LearningRate:  cfg.Optimizer.GetLR(),
			EpochDuration: time.Since(epochStart),
		}

		if cfg.UnsupervisedValLoader != nil {
			valLoss, coverage, err := t.Validate()
			if err != nil {
				return errors.Wrapf(err, "validation after epoch %d failed", epoch)
			}
			metrics.ValLoss = valLoss
			metrics.MaskCoverage = coverage

			if cfg.LRScheduler != nil {
				lr := cfg.LRScheduler.Step(valLoss, cfg.Optimizer.GetLR())
				cfg.Optimizer.SetLR(lr)
				metrics.LearningRate = lr
			}
			cfg.PseudoLabeler.Step(valLoss, epoch)

			if err := t.saveIfBest(valLoss, epoch, iteration); err != nil {
				return errors.Wrap(err, "saving checkpoint")
			}
		}

		t.metrics = append(t.metrics, metrics)
		log.Printf("%s: epoch %d done, train loss %.4f, val loss %.4f, mask %.2f, %v",
			cfg.Name, epoch, metrics.TrainLoss, metrics.ValLoss, metrics.MaskCoverage, metrics.EpochDuration)
	}

	return nil
}

// trainStep runs one unsupervised student update plus an optional supervised
// update, then moves the teacher.
func (t *FixMatchTrainer) trainStep(batch *UnsupervisedBatch) (float64, error) {
	cfg := &t.cfg

	cfg.Teacher.Eval()
	labels, mask, err := cfg.PseudoLabeler.Label(cfg.Teacher, batch.Weak)
	if err != nil {
		return 0, errors.Wrap(err, "pseudo labeling failed")
	}
	if cfg.SourceDistribution != nil {
		labels = alignDistribution(labels, cfg.SourceDistribution.Foreground)
	}

	cfg.Model.Train()
	pred, err := cfg.Model.Forward(batch.Strong)
	if err != nil {
		return 0, errors.Wrap(err, "student forward pass failed")
	}

	loss, err := cfg.UnsupervisedLoss.Forward(pred, labels, mask)
	if err != nil {
		return 0, errors.Wrap(err, "unsupervised loss failed")
	}
	grad, err := cfg.UnsupervisedLoss.Backward(pred, labels, mask)
	if err != nil {
		return 0, errors.Wrap(err, "unsupervised loss gradient failed")
	}

	cfg.Optimizer.ZeroGrad()
	if err := cfg.Model.Backward(grad); err != nil {
		return 0, errors.Wrap(err, "student backward pass failed")
	}
	if err := cfg.Optimizer.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step failed")
	}

	if cfg.SupervisedTrainLoader != nil {
		supLoss, err := t.supervisedStep()
		if err != nil {
			return 0, errors.Wrap(err, "supervised step failed")
		}
		loss += supLoss
	}

	if err := EMAUpdate(cfg.Teacher, cfg.Model, cfg.EMAMomentum); err != nil {
		return 0, errors.Wrap(err, "teacher EMA update failed")
	}

	return loss, nil
}

// supervisedStep interleaves one labeled source batch, recycling the loader
// when it runs out.
func (t *FixMatchTrainer) supervisedStep() (float64, error) {
	cfg := &t.cfg

	batch, err := cfg.SupervisedTrainLoader.Next()
	if err != nil {
		return 0, err
	}
	if batch == nil {
		cfg.SupervisedTrainLoader.Reset()
		batch, err = cfg.SupervisedTrainLoader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			return 0, errors.New("supervised loader is empty")
		}
	}

	pred, err := cfg.Model.Forward(batch.Data)
	if err != nil {
		return 0, err
	}
	loss, err := cfg.SupervisedLoss.Forward(pred, batch.Labels)
	if err != nil {
		return 0, err
	}
	grad, err := cfg.SupervisedLoss.Backward(pred, batch.Labels)
	if err != nil {
		return 0, err
	}
	cfg.Optimizer.ZeroGrad()
	if err := cfg.Model.Backward(grad); err != nil {
		return 0, err
	}
	if err := cfg.Optimizer.Step(); err != nil {
		return 0, err
	}
	return loss, nil
}

// Validate computes the mean unsupervised loss and the mean confidence mask
// coverage over the validation loader, with the student in eval mode.
func (t *FixMatchTrainer) Validate() (float64, float64, error) {
	cfg := &t.cfg
	cfg.Model.Eval()
	cfg.Teacher.Eval()
	defer cfg.Model.Train()

	cfg.UnsupervisedValLoader.Reset()

	var total, coverage float64
	var count int
	for {
		batch, err := cfg.UnsupervisedValLoader.Next()
		if err != nil {
			return 0, 0, errors.Wrap(err, "loading validation batch")
		}
		if batch == nil {
			break
		}

		labels, mask, err := cfg.PseudoLabeler.Label(cfg.Teacher, batch.Weak)
		if err != nil {
			return 0, 0, errors.Wrap(err, "validation pseudo labeling failed")
		}
		pred, err := cfg.Model.Forward(batch.Strong)
		if err != nil {
			return 0, 0, errors.Wrap(err, "validation forward pass failed")
		}
		loss, kept, err := cfg.UnsupervisedLoss.ForwardWithMetric(pred, labels, mask)
		if err != nil {
			return 0, 0, errors.Wrap(err, "validation loss failed")
		}
		total += loss
		coverage += kept
		count++
	}
	if count == 0 {
		return 0, 0, errors.New("validation loader is empty")
	}
	return total / float64(count), coverage / float64(count), nil
}

// Model returns the student module being trained.
func (t *FixMatchTrainer) Model() Module {
	return t.cfg.Model
}

// Metrics returns the per-epoch training metrics recorded so far.
func (t *FixMatchTrainer) Metrics() []FixMatchMetrics {
	return t.metrics
}

// saveIfBest writes a checkpoint when the validation loss improves.
func (t *FixMatchTrainer) saveIfBest(valLoss float64, epoch, iteration int) error {
	cfg := &t.cfg
	if cfg.SaveRoot == "" {
		return nil
	}
	if t.best >= 0 && valLoss >= t.best {
		return nil
	}
	t.best = valLoss

	dir := filepath.Join(cfg.SaveRoot, "checkpoints", cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating checkpoint directory")
	}

	ckpt := &checkpoints.Checkpoint{
		Name:    cfg.Name,
		Weights: checkpoints.FromParameters(cfg.Model.Parameters()),
		State: checkpoints.TrainingState{
			Epoch:        epoch,
			Iteration:    iteration,
			LearningRate: cfg.Optimizer.GetLR(),
			BestMetric:   valLoss,
		},
	}
	saver := checkpoints.NewSaver(checkpoints.FormatBinary)
	return saver.Save(ckpt, filepath.Join(dir, "best.ckpt"))
}

// alignDistribution rescales pseudo-label probabilities so that the batch
// foreground mass matches the source domain distribution.
func alignDistribution(labels *tensor.Tensor, sourceFg float64) *tensor.Tensor {
	data := labels.Float32s()
	var batchFg float64
	for _, v := range data {
		batchFg += float64(v)
	}
	batchFg /= float64(len(data))
	if batchFg <= 0 {
		return labels
	}

	ratio := sourceFg / batchFg
	aligned := make([]float32, len(data))
	for i, v := range data {
		a := float64(v) * ratio
		if a > 1 {
			a = 1
		}
		aligned[i] = float32(a)
	}
	out, _ := tensor.NewTensor(labels.Shape, tensor.Float32, aligned)
	return out
}
