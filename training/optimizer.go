package training

import (
	"math"
	"sync"

	"github.com/seglab/cellmatch/tensor"
)

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// Adam implements the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32 // First moment estimates
	v           map[*tensor.Tensor][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float32, param.NumElems)
			adam.v[param] = make([]float32, param.NumElems)
		}
	}

	return adam
}

// Step performs a single optimization step.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad := param.Grad().Float32s()
		data := param.Float32s()

		m := adam.m[param]
		v := adam.v[param]
		if m == nil || v == nil {
			m = make([]float32, param.NumElems)
			v = make([]float32, param.NumElems)
			adam.m[param] = m
			adam.v[param] = v
		}

		for i := range data {
			g := float64(grad[i])
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(data[i])
			}

			// m = beta1 * m + (1 - beta1) * g
			mi := adam.beta1*float64(m[i]) + (1.0-adam.beta1)*g
			// v = beta2 * v + (1 - beta2) * g^2
			vi := adam.beta2*float64(v[i]) + (1.0-adam.beta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2

			data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
