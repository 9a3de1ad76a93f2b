package training

import "testing"

func TestReduceLROnPlateauReducesAfterPatience(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 0, "min")

	lr := s.Step(1.0, 0.1) // initializes tracking
	if lr != 0.1 {
		t.Fatalf("initial lr = %v, want 0.1", lr)
	}
	lr = s.Step(1.0, lr) // bad epoch 1
	if lr != 0.1 {
		t.Errorf("lr after one bad epoch = %v, want 0.1", lr)
	}
	lr = s.Step(1.0, lr) // bad epoch 2 hits patience
	if lr != 0.05 {
		t.Errorf("lr after hitting patience = %v, want 0.05", lr)
	}
}

func TestReduceLROnPlateauResetsOnImprovement(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 1e-4, "min")
	lr := s.Step(1.0, 0.1)
	lr = s.Step(1.0, lr)  // bad epoch
	lr = s.Step(0.5, lr)  // improvement resets the counter
	lr = s.Step(0.51, lr) // bad epoch 1 again
	if lr != 0.1 {
		t.Errorf("lr = %v, want unchanged 0.1 after counter reset", lr)
	}
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max")
	lr := s.Step(0.5, 0.1)
	lr = s.Step(0.4, lr) // worse in max mode
	if lr != 0.05 {
		t.Errorf("lr = %v, want 0.05", lr)
	}
	lr = s.Step(0.9, lr) // improvement keeps the reduced rate
	if lr != 0.05 {
		t.Errorf("lr = %v, want 0.05", lr)
	}
}

func TestReduceLROnPlateauDefaults(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(-1, 0, -1, "bogus")
	if s.Factor != 0.1 {
		t.Errorf("Factor = %v, want 0.1", s.Factor)
	}
	if s.Patience != 10 {
		t.Errorf("Patience = %v, want 10", s.Patience)
	}
	if s.Threshold != 1e-4 {
		t.Errorf("Threshold = %v, want 1e-4", s.Threshold)
	}
	if s.Mode != "min" {
		t.Errorf("Mode = %q, want min", s.Mode)
	}
	if s.GetName() != "ReduceLROnPlateau" {
		t.Errorf("GetName() = %q", s.GetName())
	}
}

// The plateau scheduler is the trainer's LRScheduler.
var _ LRScheduler = (*ReduceLROnPlateauScheduler)(nil)
