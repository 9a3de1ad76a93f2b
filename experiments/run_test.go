package experiments

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seglab/cellmatch/checkpoints"
	"github.com/seglab/cellmatch/models"
)

// writeSourceCheckpoint pretrains nothing: it saves a freshly initialized
// U-Net at the conventional source checkpoint path and returns its weights.
func writeSourceCheckpoint(t *testing.T, saveRoot, cellType string) []checkpoints.WeightTensor {
	t.Helper()
	models.SetRandomSeed(99)
	net, err := models.NewUNet(models.DefaultUNetConfig())
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}
	path := SourceCheckpointPath(saveRoot, cellType)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	ckpt := &checkpoints.Checkpoint{
		Name:    "unet_source_" + cellType,
		Weights: checkpoints.FromParameters(net.Parameters()),
	}
	if err := checkpoints.NewSaver(checkpoints.FormatBinary).Save(ckpt, path); err != nil {
		t.Fatalf("saving source checkpoint: %v", err)
	}
	return ckpt.Weights
}

func TestNewRunValidation(t *testing.T) {
	root := t.TempDir()
	writeTestData(t, root, "A172", 2, 8)
	writeTestData(t, root, "BV2", 2, 8)

	tests := []struct {
		name   string
		modify func(*RunConfig)
	}{
		{
			name:   "self pair",
			modify: func(c *RunConfig) { c.Pair.Target = c.Pair.Source },
		},
		{
			name:   "unknown cell type",
			modify: func(c *RunConfig) { c.Pair.Target = "HeLa" },
		},
		{
			name:   "bad batch size",
			modify: func(c *RunConfig) { c.BatchSize = 0 },
		},
		{
			name:   "unknown method",
			modify: func(c *RunConfig) { c.Method = "resnet" },
		},
		{
			name:   "unknown labeler",
			modify: func(c *RunConfig) { c.Labeler = "oracle" },
		},
		{
			name:   "alignment without prediction folder",
			modify: func(c *RunConfig) { c.DistributionAlignment = true },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultUNetFixMatchConfig(TransferPair{Source: "A172", Target: "BV2"})
			cfg.DataRoot = root
			tc.modify(&cfg)
			if _, err := NewRun(cfg); err == nil {
				t.Error("invalid config should fail")
			}
		})
	}
}

func TestNewRunRequiresSourceCheckpoint(t *testing.T) {
	root := t.TempDir()
	writeTestData(t, root, "A172", 2, 8)
	writeTestData(t, root, "BV2", 2, 8)

	cfg := DefaultUNetFixMatchConfig(TransferPair{Source: "A172", Target: "BV2"})
	cfg.DataRoot = root
	cfg.SaveRoot = t.TempDir()
	cfg.BatchSize = 2

	if _, err := NewRun(cfg); err == nil {
		t.Fatal("missing pretrained source checkpoint should fail")
	}

	want := writeSourceCheckpoint(t, cfg.SaveRoot, "A172")
	run, err := NewRun(cfg)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	got := run.trainer.Model().Parameters()
	if len(got) != len(want) {
		t.Fatalf("parameter count = %d, want %d", len(got), len(want))
	}
	for i, p := range got {
		for j, v := range p.Float32s() {
			if v != want[i].Data[j] {
				t.Fatalf("parameter %d[%d] = %v, want pretrained %v", i, j, v, want[i].Data[j])
			}
		}
	}
}

func TestNewRunSeedsModelInitialization(t *testing.T) {
	root := t.TempDir()
	writeTestData(t, root, "MCF7", 2, 8)
	writeTestData(t, root, "SKOV3", 2, 8)

	build := func(seed int64) [][]float32 {
		cfg := DefaultPUNetAdaMatchConfig(TransferPair{Source: "MCF7", Target: "SKOV3"})
		cfg.DataRoot = root
		cfg.BatchSize = 2
		cfg.Seed = seed
		run, err := NewRun(cfg)
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		var params [][]float32
		for _, p := range run.trainer.Model().Parameters() {
			params = append(params, p.Float32s())
		}
		return params
	}

	a := build(7)
	b := build(7)
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("parameter %d[%d] differs between runs with the same seed", i, j)
			}
		}
	}

	c := build(8)
	diff := false
outer:
	for i := range a {
		for j := range a[i] {
			if a[i][j] != c[i][j] {
				diff = true
				break outer
			}
		}
	}
	if !diff {
		t.Error("different seeds produced identical parameters")
	}
}

func TestNewRunAlignsToSourcePredictions(t *testing.T) {
	root := t.TempDir()
	writeTestData(t, root, "MCF7", 2, 8)
	writeTestData(t, root, "SKOV3", 2, 8)

	cfg := DefaultPUNetAdaMatchConfig(TransferPair{Source: "MCF7", Target: "SKOV3"})
	cfg.DataRoot = root
	cfg.BatchSize = 2
	cfg.DistributionAlignment = true
	cfg.PredictionRoot = t.TempDir()

	// No predictions on disk yet.
	if _, err := NewRun(cfg); err == nil {
		t.Fatal("missing source predictions should fail")
	}

	writeHalfMasks(t, SourcePredictionsPath(cfg.PredictionRoot, cfg.Method, "MCF7"), 2, 8)
	if _, err := NewRun(cfg); err != nil {
		t.Fatalf("NewRun failed with predictions present: %v", err)
	}
}

func TestRunTrainsAndSavesCheckpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in short mode")
	}
	root := t.TempDir()
	writeTestData(t, root, "A172", 2, 8)
	writeTestData(t, root, "BV2", 2, 8)

	cfg := DefaultUNetFixMatchConfig(TransferPair{Source: "A172", Target: "BV2"})
	cfg.DataRoot = root
	cfg.SaveRoot = t.TempDir()
	cfg.BatchSize = 2
	writeSourceCheckpoint(t, cfg.SaveRoot, "A172")

	run, err := NewRun(cfg)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	if err := run.Train(2); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	ckpt := BestCheckpointPath(cfg.SaveRoot, cfg.Name())
	if _, err := os.Stat(ckpt); err != nil {
		t.Errorf("best checkpoint missing at %s: %v", ckpt, err)
	}

	row, err := EvaluateRun(cfg)
	if err != nil {
		t.Fatalf("EvaluateRun failed: %v", err)
	}
	if row.Dice < 0 || row.Dice > 1 {
		t.Errorf("dice = %v, out of [0, 1]", row.Dice)
	}
}

func TestProbabilisticRunBuilds(t *testing.T) {
	root := t.TempDir()
	writeTestData(t, root, "MCF7", 2, 8)
	writeTestData(t, root, "SKOV3", 2, 8)

	cfg := DefaultPUNetAdaMatchConfig(TransferPair{Source: "MCF7", Target: "SKOV3"})
	cfg.DataRoot = root
	cfg.BatchSize = 2

	if _, err := NewRun(cfg); err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
}
