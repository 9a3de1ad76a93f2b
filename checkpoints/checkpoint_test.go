package checkpoints

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/seglab/cellmatch/tensor"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Name: "unet_fixmatch_A172_to_BV2_ct0.90",
		Weights: []WeightTensor{
			{Name: "param_0", Shape: []int{2, 2}, Data: []float32{1, -2, 3.5, 0}},
			{Name: "param_1", Shape: []int{3}, Data: []float32{0.1, 0.2, 0.3}},
		},
		State: TrainingState{
			Epoch:               7,
			Iteration:           1400,
			LearningRate:        5e-6,
			BestMetric:          0.0123,
			ConfidenceThreshold: 0.85,
		},
	}
}

func checkRoundTrip(t *testing.T, format Format) {
	t.Helper()
	saver := NewSaver(format)
	path := filepath.Join(t.TempDir(), "ckpt")

	want := sampleCheckpoint()
	if err := saver.Save(want, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := saver.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got.Name != want.Name {
		t.Errorf("Name = %q, want %q", got.Name, want.Name)
	}
	if len(got.Weights) != len(want.Weights) {
		t.Fatalf("weight count = %d, want %d", len(got.Weights), len(want.Weights))
	}
	for i := range want.Weights {
		if got.Weights[i].Name != want.Weights[i].Name {
			t.Errorf("weight %d name = %q, want %q", i, got.Weights[i].Name, want.Weights[i].Name)
		}
		for j := range want.Weights[i].Shape {
			if got.Weights[i].Shape[j] != want.Weights[i].Shape[j] {
				t.Errorf("weight %d shape = %v, want %v", i, got.Weights[i].Shape, want.Weights[i].Shape)
				break
			}
		}
		for j := range want.Weights[i].Data {
			if got.Weights[i].Data[j] != want.Weights[i].Data[j] {
				t.Errorf("weight %d data[%d] = %v, want %v",
					i, j, got.Weights[i].Data[j], want.Weights[i].Data[j])
			}
		}
	}
	if got.State != want.State {
		t.Errorf("State = %+v, want %+v", got.State, want.State)
	}

	// Save fills in metadata defaults.
	if got.Meta.Framework != "cellmatch" {
		t.Errorf("Framework = %q, want cellmatch", got.Meta.Framework)
	}
	if got.Meta.RunID == "" {
		t.Error("RunID was not generated")
	}
	if math.Abs(time.Since(got.Meta.CreatedAt).Hours()) > 1 {
		t.Errorf("CreatedAt = %v, want recent", got.Meta.CreatedAt)
	}
}

func TestCheckpointRoundTripJSON(t *testing.T) {
	checkRoundTrip(t, FormatJSON)
}

func TestCheckpointRoundTripBinary(t *testing.T) {
	checkRoundTrip(t, FormatBinary)
}

func TestLoadMissingFile(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatBinary} {
		if _, err := NewSaver(format).Load(filepath.Join(t.TempDir(), "missing")); err == nil {
			t.Errorf("%s: loading a missing file should fail", format)
		}
	}
}

func TestBinaryRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt")
	saver := NewSaver(FormatBinary)
	if err := saver.Save(sampleCheckpoint(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := NewSaver(FormatJSON).Load(path); err == nil {
		t.Error("JSON loader should reject a binary checkpoint")
	}
}

func TestFromParametersAndLoadInto(t *testing.T) {
	a, err := tensor.NewTensor([]int{2}, tensor.Float32, []float32{1, 2})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	b, err := tensor.NewTensor([]int{1}, tensor.Float32, []float32{3})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}

	weights := FromParameters([]*tensor.Tensor{a, b})
	if len(weights) != 2 {
		t.Fatalf("weight count = %d, want 2", len(weights))
	}
	if weights[0].Name != "param_0" || weights[1].Name != "param_1" {
		t.Errorf("weight names = %q, %q", weights[0].Name, weights[1].Name)
	}

	// FromParameters copies, so mutating the parameter must not leak through.
	a.Float32s()[0] = 99
	if weights[0].Data[0] != 1 {
		t.Error("FromParameters did not copy the data")
	}

	ckpt := &Checkpoint{Weights: weights}
	if err := LoadInto(ckpt, []*tensor.Tensor{a, b}); err != nil {
		t.Fatalf("LoadInto failed: %v", err)
	}
	if a.Float32s()[0] != 1 {
		t.Errorf("restored a[0] = %v, want 1", a.Float32s()[0])
	}

	if err := LoadInto(ckpt, []*tensor.Tensor{a}); err == nil {
		t.Error("parameter count mismatch should fail")
	}
	c, _ := tensor.NewTensor([]int{3}, tensor.Float32, nil)
	if err := LoadInto(ckpt, []*tensor.Tensor{c, b}); err == nil {
		t.Error("parameter size mismatch should fail")
	}
}
