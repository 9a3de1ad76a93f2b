package experiments

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/checkpoints"
	"github.com/seglab/cellmatch/models"
	"github.com/seglab/cellmatch/selftraining"
	"github.com/seglab/cellmatch/tensor"
	"github.com/seglab/cellmatch/training"
)

// Training methods.
const (
	MethodUNetFixMatch  = "unet_fixmatch"
	MethodPUNetAdaMatch = "punet_adamatch"
)

// Pseudo-labeler kinds.
const (
	LabelerDefault       = "default"
	LabelerProbabilistic = "probabilistic"
	LabelerScheduled     = "scheduled"
)

// RunConfig describes one adaptation run of a source model to a target cell
// type.
type RunConfig struct {
	Method string
	Pair   TransferPair

	DataRoot string
	SaveRoot string

	// SourceCheckpoint is the pretrained source-domain checkpoint to adapt
	// from. Empty selects the conventional path under SaveRoot.
	SourceCheckpoint string
	// PredictionRoot is the root of the source model prediction folders (the
	// --output flag), required for distribution alignment.
	PredictionRoot string

	Labeler                string
	ConfidenceThreshold    float64 // non-positive disables masking
	ThresholdFromBothSides bool
	ConsensusMasking       bool // probabilistic labeler only
	PriorSamples           int  // probabilistic labeler only
	DistributionAlignment  bool
	SupervisedSource       bool // keep training on labeled source batches

	BatchSize       int
	LearningRate    float64
	EMAMomentum     float64
	PlateauFactor   float64
	PlateauPatience int
	Seed            int64
}

// DefaultUNetFixMatchConfig returns the standard FixMatch settings for one
// transfer pair.
func DefaultUNetFixMatchConfig(pair TransferPair) RunConfig {
	return RunConfig{
		Method:                 MethodUNetFixMatch,
		Pair:                   pair,
		Labeler:                LabelerDefault,
		ConfidenceThreshold:    0.9,
		ThresholdFromBothSides: true,
		DistributionAlignment:  false,
		SupervisedSource:       false,
		BatchSize:              8,
		LearningRate:           1e-5,
		EMAMomentum:            0.999,
		PlateauFactor:          0.5,
		PlateauPatience:        5,
		Seed:                   42,
	}
}

// DefaultPUNetAdaMatchConfig returns the standard probabilistic AdaMatch
// settings for one transfer pair.
func DefaultPUNetAdaMatchConfig(pair TransferPair) RunConfig {
	return RunConfig{
		Method:                 MethodPUNetAdaMatch,
		Pair:                   pair,
		Labeler:                LabelerProbabilistic,
		ConfidenceThreshold:    0.9,
		ThresholdFromBothSides: true,
		ConsensusMasking:       false,
		PriorSamples:           selftraining.DefaultPriorSamples,
		DistributionAlignment:  false,
		SupervisedSource:       true,
		BatchSize:              4,
		LearningRate:           1e-5,
		EMAMomentum:            0.999,
		PlateauFactor:          0.9,
		PlateauPatience:        10,
		Seed:                   42,
	}
}

// Name identifies the run in checkpoint paths and result tables. It encodes
// the method, the transfer pair, and the masking settings.
func (c RunConfig) Name() string {
	name := fmt.Sprintf("%s_%s", c.Method, c.Pair)
	if c.ConfidenceThreshold > 0 {
		name += fmt.Sprintf("_ct%.2f", c.ConfidenceThreshold)
	} else {
		name += "_ctNone"
	}
	if c.Labeler == LabelerScheduled {
		name += "_scheduled"
	}
	if c.ConsensusMasking {
		name += "_consensus"
	}
	return name
}

// BestCheckpointPath returns where the trainer stores the best checkpoint of
// a run.
func BestCheckpointPath(saveRoot, runName string) string {
	return filepath.Join(saveRoot, "checkpoints", runName, "best.ckpt")
}

// SourceCheckpointPath is where the pretrained source-domain checkpoint of a
// cell type is expected before adaptation starts.
func SourceCheckpointPath(saveRoot, cellType string) string {
	return filepath.Join(saveRoot, "checkpoints", "unet_source_"+cellType, "best.ckpt")
}

// SourcePredictionsPath is the folder holding a source model's predictions,
// used to estimate the source class distribution.
func SourcePredictionsPath(outputRoot, method, source string) string {
	return filepath.Join(outputRoot, method+"_source", source)
}

// Run is a fully wired adaptation experiment.
type Run struct {
	Config  RunConfig
	trainer *training.FixMatchTrainer
}

func buildModels(cfg RunConfig) (student, teacher training.Module, err error) {
	switch cfg.Method {
	case MethodUNetFixMatch:
		mcfg := models.DefaultUNetConfig()
		student, err = models.NewUNet(mcfg)
		if err != nil {
			return nil, nil, err
		}
		teacher, err = models.NewUNet(mcfg)
		return student, teacher, err
	case MethodPUNetAdaMatch:
		mcfg := models.DefaultProbabilisticUNetConfig()
		student, err = models.NewProbabilisticUNet(mcfg)
		if err != nil {
			return nil, nil, err
		}
		teacher, err = models.NewProbabilisticUNet(mcfg)
		return student, teacher, err
	default:
		return nil, nil, errors.Errorf("unknown method %q", cfg.Method)
	}
}

func buildLabeler(cfg RunConfig) (selftraining.PseudoLabeler, error) {
	activation := selftraining.Activation(tensor.Sigmoid)
	switch cfg.Labeler {
	case LabelerDefault:
		return selftraining.NewDefaultPseudoLabeler(
			activation, cfg.ConfidenceThreshold, cfg.ThresholdFromBothSides), nil
	case LabelerProbabilistic:
		return selftraining.NewProbabilisticPseudoLabeler(
			activation, cfg.ConfidenceThreshold, cfg.ThresholdFromBothSides,
			cfg.PriorSamples, cfg.ConsensusMasking)
	case LabelerScheduled:
		scfg := selftraining.DefaultScheduledPseudoLabelerConfig()
		scfg.Activation = activation
		scfg.ConfidenceThreshold = cfg.ConfidenceThreshold
		scfg.ThresholdFromBothSides = cfg.ThresholdFromBothSides
		return selftraining.NewScheduledPseudoLabeler(scfg)
	default:
		return nil, errors.Errorf("unknown pseudo labeler %q", cfg.Labeler)
	}
}

// ComputeClassDistribution averages the foreground fraction over the binary
// prediction masks stored in dir.
func ComputeClassDistribution(dir string) (*training.ClassDistribution, error) {
	files, err := listPNGs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing predictions in %s", dir)
	}
	var total float64
	for _, name := range files {
		mask, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		binarize(mask)
		frac, err := tensor.MeanValue(mask)
		if err != nil {
			return nil, err
		}
		total += frac
	}
	return &training.ClassDistribution{Foreground: total / float64(len(files))}, nil
}

// NewRun opens the datasets for the configured transfer pair and wires up a
// trainer.
func NewRun(cfg RunConfig) (*Run, error) {
	if cfg.Pair.Source == cfg.Pair.Target {
		return nil, errors.Errorf("source and target must differ, both are %q", cfg.Pair.Source)
	}
	if err := ValidateCellTypes([]string{cfg.Pair.Source, cfg.Pair.Target}); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.DistributionAlignment && cfg.PredictionRoot == "" {
		return nil, errors.New("distribution alignment requires a source prediction folder")
	}

	models.SetRandomSeed(cfg.Seed)
	student, teacher, err := buildModels(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "building models")
	}
	labeler, err := buildLabeler(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "building pseudo labeler")
	}

	// FixMatch adapts a model pretrained on the source domain; the trainer
	// copies the restored weights into the teacher.
	if cfg.Method == MethodUNetFixMatch {
		path := cfg.SourceCheckpoint
		if path == "" {
			path = SourceCheckpointPath(cfg.SaveRoot, cfg.Pair.Source)
		}
		ckpt, err := checkpoints.NewSaver(checkpoints.FormatBinary).Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "loading pretrained source checkpoint %s", path)
		}
		if err := checkpoints.LoadInto(ckpt, student.Parameters()); err != nil {
			return nil, errors.Wrapf(err, "restoring source weights from %s", path)
		}
		log.Printf("loaded pretrained %s weights from %s", cfg.Pair.Source, path)
	}

	targetTrain, err := NewUnlabeledImageDataset(cfg.DataRoot, cfg.Pair.Target, SplitTrain)
	if err != nil {
		return nil, errors.Wrap(err, "opening target train data")
	}
	targetVal, err := NewUnlabeledImageDataset(cfg.DataRoot, cfg.Pair.Target, SplitVal)
	if err != nil {
		return nil, errors.Wrap(err, "opening target val data")
	}

	strongAug := training.DefaultStrongAugmentation()
	if cfg.SupervisedSource {
		strongAug = training.DefaultStrongJointAugmentation()
	}
	unsupTrain := training.NewUnsupervisedDataLoader(
		targetTrain, cfg.BatchSize, true,
		training.DefaultWeakAugmentation(), strongAug, cfg.Seed)
	unsupVal := training.NewUnsupervisedDataLoader(
		targetVal, cfg.BatchSize, false,
		training.DefaultWeakAugmentation(), strongAug, cfg.Seed+1)

	tcfg := training.FixMatchConfig{
		Name:                    cfg.Name(),
		Model:                   student,
		Teacher:                 teacher,
		Optimizer:               training.NewAdam(student.Parameters(), cfg.LearningRate, 0.9, 0.999, 1e-8, 0),
		LRScheduler:             training.NewReduceLROnPlateauScheduler(cfg.PlateauFactor, cfg.PlateauPatience, 1e-4, "min"),
		PseudoLabeler:           labeler,
		UnsupervisedLoss:        training.NewSelfTrainingLoss(true),
		UnsupervisedTrainLoader: unsupTrain,
		UnsupervisedValLoader:   unsupVal,
		EMAMomentum:             cfg.EMAMomentum,
		SaveRoot:                cfg.SaveRoot,
	}

	if cfg.SupervisedSource {
		sourceTrain, err := NewSegmentationDataset(cfg.DataRoot, cfg.Pair.Source, SplitTrain)
		if err != nil {
			return nil, errors.Wrap(err, "opening source train data")
		}
		sourceVal, err := NewSegmentationDataset(cfg.DataRoot, cfg.Pair.Source, SplitVal)
		if err != nil {
			return nil, errors.Wrap(err, "opening source val data")
		}
		tcfg.SupervisedLoss = training.NewBCEWithLogitsLoss()
		tcfg.SupervisedTrainLoader = training.NewDataLoader(sourceTrain, cfg.BatchSize, true)
		tcfg.SupervisedValLoader = training.NewDataLoader(sourceVal, cfg.BatchSize, false)
	}

	if cfg.DistributionAlignment {
		dir := SourcePredictionsPath(cfg.PredictionRoot, cfg.Method, cfg.Pair.Source)
		dist, err := ComputeClassDistribution(dir)
		if err != nil {
			return nil, errors.Wrap(err, "computing source class distribution")
		}
		log.Printf("source %s foreground fraction: %.4f", cfg.Pair.Source, dist.Foreground)
		tcfg.SourceDistribution = dist
	}

	trainer, err := training.NewFixMatchTrainer(tcfg)
	if err != nil {
		return nil, errors.Wrap(err, "building trainer")
	}
	return &Run{Config: cfg, trainer: trainer}, nil
}

// Train runs the experiment for the given number of iterations.
func (r *Run) Train(iterations int) error {
	log.Printf("training %s for %d iterations", r.Config.Name(), iterations)
	return r.trainer.Fit(iterations)
}

// TrainAll enumerates the requested source/target pairs and trains one run
// per pair, using configure to turn each pair into a run config.
func TrainAll(sources, targets []string, iterations int, configure func(TransferPair) RunConfig) error {
	pairs, err := EnumeratePairs(sources, targets)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		run, err := NewRun(configure(pair))
		if err != nil {
			return errors.Wrapf(err, "setting up %s", pair)
		}
		if err := run.Train(iterations); err != nil {
			return errors.Wrapf(err, "training %s", pair)
		}
	}
	return nil
}
