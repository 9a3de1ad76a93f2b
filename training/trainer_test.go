package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seglab/cellmatch/selftraining"
	"github.com/seglab/cellmatch/tensor"
)

// scaleModule multiplies its input by a single learnable weight. Small enough
// to drive whole training loops in tests.
type scaleModule struct {
	w        *tensor.Tensor
	input    *tensor.Tensor
	training bool
}

func newScaleModule(t *testing.T, w float32) *scaleModule {
	t.Helper()
	wt := mustTensor(t, []int{1}, []float32{w})
	wt.SetRequiresGrad(true)
	return &scaleModule{w: wt, training: true}
}

func (m *scaleModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	m.input = input
	out, err := input.Clone()
	if err != nil {
		return nil, err
	}
	w := m.w.Float32s()[0]
	data := out.Float32s()
	for i := range data {
		data[i] *= w
	}
	return out, nil
}

func (m *scaleModule) Backward(gradOut *tensor.Tensor) error {
	var sum float32
	x := m.input.Float32s()
	for i, g := range gradOut.Float32s() {
		sum += g * x[i]
	}
	grad := mustGrad(sum)
	return m.w.AccumulateGrad(grad)
}

func mustGrad(v float32) *tensor.Tensor {
	g, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{v})
	return g
}

func (m *scaleModule) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.w} }
func (m *scaleModule) Train()                       { m.training = true }
func (m *scaleModule) Eval()                        { m.training = false }
func (m *scaleModule) IsTraining() bool             { return m.training }

func unlabeledImages(t *testing.T, count int) *memoryUnlabeled {
	t.Helper()
	ds := &memoryUnlabeled{}
	for i := 0; i < count; i++ {
		ds.images = append(ds.images, mustTensor(t, []int{1, 8, 8}, halfSlice(64)))
	}
	return ds
}

func fixMatchTestConfig(t *testing.T, saveRoot string) FixMatchConfig {
	t.Helper()
	student := newScaleModule(t, 1.5)
	teacher := newScaleModule(t, 0)

	return FixMatchConfig{
		Name:          "test_run",
		Model:         student,
		Teacher:       teacher,
		Optimizer:     NewAdam(student.Parameters(), 0.01, 0.9, 0.999, 1e-8, 0),
		LRScheduler:   NewReduceLROnPlateauScheduler(0.5, 2, 1e-4, "min"),
		PseudoLabeler: selftraining.NewDefaultPseudoLabeler(tensor.Sigmoid, 0.5, true),
		UnsupervisedLoss: NewSelfTrainingLoss(true),
		UnsupervisedTrainLoader: NewUnsupervisedDataLoader(unlabeledImages(t, 4), 2, true,
			DefaultWeakAugmentation(), DefaultStrongAugmentation(), 1),
		UnsupervisedValLoader: NewUnsupervisedDataLoader(unlabeledImages(t, 2), 2, false,
			DefaultWeakAugmentation(), DefaultStrongAugmentation(), 2),
		SaveRoot: saveRoot,
	}
}

func TestNewFixMatchTrainerValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*FixMatchConfig)
	}{
		{"missing model", func(c *FixMatchConfig) { c.Model = nil }},
		{"missing teacher", func(c *FixMatchConfig) { c.Teacher = nil }},
		{"missing optimizer", func(c *FixMatchConfig) { c.Optimizer = nil }},
		{"missing labeler", func(c *FixMatchConfig) { c.PseudoLabeler = nil }},
		{"missing loss", func(c *FixMatchConfig) { c.UnsupervisedLoss = nil }},
		{"missing loader", func(c *FixMatchConfig) { c.UnsupervisedTrainLoader = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := fixMatchTestConfig(t, "")
			tc.modify(&cfg)
			if _, err := NewFixMatchTrainer(cfg); err == nil {
				t.Error("invalid config should fail")
			}
		})
	}
}

func TestNewFixMatchTrainerInitializesTeacher(t *testing.T) {
	cfg := fixMatchTestConfig(t, "")
	if _, err := NewFixMatchTrainer(cfg); err != nil {
		t.Fatalf("NewFixMatchTrainer failed: %v", err)
	}
	tw := cfg.Teacher.Parameters()[0].Float32s()[0]
	sw := cfg.Model.Parameters()[0].Float32s()[0]
	if tw != sw {
		t.Errorf("teacher weight = %v, want student weight %v", tw, sw)
	}
}

func TestFixMatchTrainerFitRecordsMetricsAndSaves(t *testing.T) {
	saveRoot := t.TempDir()
	cfg := fixMatchTestConfig(t, saveRoot)
	trainer, err := NewFixMatchTrainer(cfg)
	if err != nil {
		t.Fatalf("NewFixMatchTrainer failed: %v", err)
	}

	if err := trainer.Fit(4); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	metrics := trainer.Metrics()
	if len(metrics) == 0 {
		t.Fatal("no metrics recorded")
	}
	for _, m := range metrics {
		if m.Epoch <= 0 {
			t.Errorf("metrics epoch = %d, want positive", m.Epoch)
		}
	}

	ckpt := filepath.Join(saveRoot, "checkpoints", "test_run", "best.ckpt")
	if _, err := os.Stat(ckpt); err != nil {
		t.Errorf("best checkpoint missing: %v", err)
	}
}

func TestFixMatchTrainerRejectsBadIterations(t *testing.T) {
	trainer, err := NewFixMatchTrainer(fixMatchTestConfig(t, ""))
	if err != nil {
		t.Fatalf("NewFixMatchTrainer failed: %v", err)
	}
	if err := trainer.Fit(0); err == nil {
		t.Error("zero iterations should fail")
	}
}

func TestAlignDistributionClampsToOne(t *testing.T) {
	labels := mustTensor(t, []int{4}, []float32{0.1, 0.1, 0.1, 0.9})
	aligned := alignDistribution(labels, 0.9)
	for i, v := range aligned.Float32s() {
		if v > 1 {
			t.Errorf("aligned[%d] = %v, exceeds 1", i, v)
		}
		if v < labels.Float32s()[i] {
			t.Errorf("aligned[%d] = %v shrank below input %v with a larger source mass",
				i, v, labels.Float32s()[i])
		}
	}
}

func TestAlignDistributionEmptyBatch(t *testing.T) {
	labels := mustTensor(t, []int{2}, []float32{0, 0})
	aligned := alignDistribution(labels, 0.5)
	for i, v := range aligned.Float32s() {
		if v != 0 {
			t.Errorf("aligned[%d] = %v, want 0 for an empty batch", i, v)
		}
	}
}

func TestFixMatchTrainerValidateReportsMaskCoverage(t *testing.T) {
	trainer, err := NewFixMatchTrainer(fixMatchTestConfig(t, ""))
	if err != nil {
		t.Fatalf("NewFixMatchTrainer failed: %v", err)
	}
	_, coverage, err := trainer.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if coverage < 0 || coverage > 1 {
		t.Errorf("mask coverage = %v, out of [0, 1]", coverage)
	}
}
