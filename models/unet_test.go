package models

import (
	"testing"

	"github.com/seglab/cellmatch/training"
)

// Both networks must satisfy the trainer's module contract.
var (
	_ training.Module = (*UNet)(nil)
	_ training.Module = (*ProbabilisticUNet)(nil)
)

func TestUNetForwardShape(t *testing.T) {
	SetRandomSeed(1)
	net, err := NewUNet(UNetConfig{InChannels: 1, OutChannels: 1, BaseWidth: 4})
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}

	in := mustTensor(t, []int{2, 1, 8, 8}, make([]float32, 2*8*8))
	out, err := net.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []int{2, 1, 8, 8}
	for i := range want {
		if out.Shape[i] != want[i] {
			t.Fatalf("output shape = %v, want %v", out.Shape, want)
		}
	}
}

func TestUNetDefaultsForInvalidConfig(t *testing.T) {
	net, err := NewUNet(UNetConfig{InChannels: -1, OutChannels: 0, BaseWidth: 0})
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}
	def := DefaultUNetConfig()
	if net.cfg.InChannels != def.InChannels || net.cfg.BaseWidth != def.BaseWidth {
		t.Errorf("config = %+v, want defaults %+v", net.cfg, def)
	}
}

func TestUNetBackwardAccumulatesAllParameters(t *testing.T) {
	SetRandomSeed(2)
	net, err := NewUNet(UNetConfig{InChannels: 1, OutChannels: 1, BaseWidth: 4})
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}

	in := make([]float32, 16)
	for i := range in {
		in[i] = float32(i) / 16.0
	}
	input := mustTensor(t, []int{1, 1, 4, 4}, in)
	out, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad := mustTensor(t, out.Shape, onesSlice(out.NumElems))
	if err := net.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for i, p := range net.Parameters() {
		if p.Grad() == nil {
			t.Errorf("parameter %d has no gradient after backward", i)
		}
	}
}

func TestUNetParameterOrderIsStable(t *testing.T) {
	SetRandomSeed(3)
	a, err := NewUNet(UNetConfig{BaseWidth: 4})
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}
	b, err := NewUNet(UNetConfig{BaseWidth: 4})
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}

	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) {
		t.Fatalf("parameter counts differ: %d vs %d", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i].NumElems != pb[i].NumElems {
			t.Errorf("parameter %d size mismatch: %d vs %d", i, pa[i].NumElems, pb[i].NumElems)
		}
	}

	// Copying weights index by index must make the two networks agree.
	if err := training.CopyParameters(b, a); err != nil {
		t.Fatalf("CopyParameters failed: %v", err)
	}
	input := mustTensor(t, []int{1, 1, 4, 4}, onesSlice(16))
	outA, err := a.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	outB, err := b.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range outA.Float32s() {
		if outA.Float32s()[i] != outB.Float32s()[i] {
			t.Fatalf("outputs diverge at %d after weight copy", i)
		}
	}
}

func TestUNetTrainEvalMode(t *testing.T) {
	net, err := NewUNet(DefaultUNetConfig())
	if err != nil {
		t.Fatalf("NewUNet failed: %v", err)
	}
	if !net.IsTraining() {
		t.Error("new network should start in training mode")
	}
	net.Eval()
	if net.IsTraining() {
		t.Error("Eval did not leave training mode")
	}
	net.Train()
	if !net.IsTraining() {
		t.Error("Train did not restore training mode")
	}
}

func TestProbabilisticUNetSampleRequiresForward(t *testing.T) {
	net, err := NewProbabilisticUNet(DefaultProbabilisticUNetConfig())
	if err != nil {
		t.Fatalf("NewProbabilisticUNet failed: %v", err)
	}
	if _, err := net.Sample(); err == nil {
		t.Error("Sample before Forward should fail")
	}
	if _, err := net.KLDivergence(); err == nil {
		t.Error("KLDivergence before Forward should fail")
	}
}

func TestProbabilisticUNetForwardAndSample(t *testing.T) {
	SetRandomSeed(4)
	cfg := DefaultProbabilisticUNetConfig()
	cfg.BaseWidth = 4
	cfg.LatentDim = 2
	net, err := NewProbabilisticUNet(cfg)
	if err != nil {
		t.Fatalf("NewProbabilisticUNet failed: %v", err)
	}

	input := mustTensor(t, []int{1, 1, 4, 4}, onesSlice(16))
	out, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []int{1, 1, 4, 4}
	for i := range want {
		if out.Shape[i] != want[i] {
			t.Fatalf("output shape = %v, want %v", out.Shape, want)
		}
	}

	s1, err := net.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	s2, err := net.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	same := true
	for i := range s1.Float32s() {
		if s1.Float32s()[i] != s2.Float32s()[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("two prior samples should differ")
	}

	kl, err := net.KLDivergence()
	if err != nil {
		t.Fatalf("KLDivergence failed: %v", err)
	}
	if kl < 0 {
		t.Errorf("KL divergence = %v, must be non-negative", kl)
	}
}

func TestProbabilisticUNetBackwardAccumulatesAllParameters(t *testing.T) {
	SetRandomSeed(5)
	cfg := DefaultProbabilisticUNetConfig()
	cfg.BaseWidth = 4
	cfg.LatentDim = 2
	net, err := NewProbabilisticUNet(cfg)
	if err != nil {
		t.Fatalf("NewProbabilisticUNet failed: %v", err)
	}

	input := mustTensor(t, []int{1, 1, 4, 4}, onesSlice(16))
	out, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad := mustTensor(t, out.Shape, onesSlice(out.NumElems))
	if err := net.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, p := range net.Parameters() {
		if p.Grad() == nil {
			t.Errorf("parameter %d has no gradient after backward", i)
		}
	}
}

func TestBroadcastCollapseLatent(t *testing.T) {
	z := mustTensor(t, []int{1, 2}, []float32{2, -1})
	zb, err := broadcastLatent(z, 2, 2)
	if err != nil {
		t.Fatalf("broadcastLatent failed: %v", err)
	}
	want := []float32{2, 2, 2, 2, -1, -1, -1, -1}
	for i := range want {
		if got := zb.Float32s()[i]; got != want[i] {
			t.Errorf("broadcast[%d] = %v, want %v", i, got, want[i])
		}
	}

	back, err := collapseLatent(zb)
	if err != nil {
		t.Fatalf("collapseLatent failed: %v", err)
	}
	if got := back.Float32s()[0]; got != 8 {
		t.Errorf("collapsed[0] = %v, want 8", got)
	}
	if got := back.Float32s()[1]; got != -4 {
		t.Errorf("collapsed[1] = %v, want -4", got)
	}
}
