package training

import (
	"math"
	"testing"

	"github.com/seglab/cellmatch/tensor"
)

func TestAdamStepMovesAgainstGradient(t *testing.T) {
	p := mustTensor(t, []int{1}, []float32{1})
	p.SetRequiresGrad(true)
	adam := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	if err := p.AccumulateGrad(mustTensor(t, []int{1}, []float32{1})); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// With bias correction the first step for a unit gradient is almost
	// exactly the learning rate.
	got := float64(p.Float32s()[0])
	if math.Abs(got-0.9) > 1e-4 {
		t.Errorf("weight after first step = %v, want ~0.9", got)
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	p := mustTensor(t, []int{1}, []float32{5})
	p.SetRequiresGrad(true)
	adam := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	// Minimize f(w) = w^2 with gradient 2w.
	for i := 0; i < 500; i++ {
		adam.ZeroGrad()
		g := 2 * p.Float32s()[0]
		if err := p.AccumulateGrad(mustTensor(t, []int{1}, []float32{g})); err != nil {
			t.Fatalf("AccumulateGrad failed: %v", err)
		}
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if got := math.Abs(float64(p.Float32s()[0])); got > 0.1 {
		t.Errorf("weight after optimization = %v, want near 0", got)
	}
}

func TestAdamZeroGrad(t *testing.T) {
	p := mustTensor(t, []int{2}, []float32{1, 2})
	p.SetRequiresGrad(true)
	adam := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	if err := p.AccumulateGrad(mustTensor(t, []int{2}, []float32{3, 4})); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	adam.ZeroGrad()
	if g := p.Grad(); g != nil {
		for i, v := range g.Float32s() {
			if v != 0 {
				t.Errorf("grad[%d] = %v after ZeroGrad, want 0", i, v)
			}
		}
	}
}

func TestAdamLearningRateAccessors(t *testing.T) {
	adam := NewAdam(nil, 0.01, 0.9, 0.999, 1e-8, 0)
	if got := adam.GetLR(); got != 0.01 {
		t.Errorf("GetLR() = %v, want 0.01", got)
	}
	adam.SetLR(0.005)
	if got := adam.GetLR(); got != 0.005 {
		t.Errorf("GetLR() after SetLR = %v, want 0.005", got)
	}
}
