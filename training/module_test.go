package training

import (
	"math"
	"testing"
)

func TestCopyParameters(t *testing.T) {
	src := newScaleModule(t, 3.5)
	dst := newScaleModule(t, 0)

	if err := CopyParameters(dst, src); err != nil {
		t.Fatalf("CopyParameters failed: %v", err)
	}
	if got := dst.w.Float32s()[0]; got != 3.5 {
		t.Errorf("copied weight = %v, want 3.5", got)
	}
	// Copies values, not storage.
	src.w.Float32s()[0] = 9
	if got := dst.w.Float32s()[0]; got != 3.5 {
		t.Errorf("dst weight changed to %v after mutating src", got)
	}
}

func TestEMAUpdate(t *testing.T) {
	teacher := newScaleModule(t, 1)
	student := newScaleModule(t, 0)

	if err := EMAUpdate(teacher, student, 0.9); err != nil {
		t.Fatalf("EMAUpdate failed: %v", err)
	}
	if got := float64(teacher.w.Float32s()[0]); math.Abs(got-0.9) > 1e-6 {
		t.Errorf("teacher weight = %v, want 0.9", got)
	}
	// Repeated updates converge toward the student.
	for i := 0; i < 100; i++ {
		if err := EMAUpdate(teacher, student, 0.9); err != nil {
			t.Fatalf("EMAUpdate failed: %v", err)
		}
	}
	if got := float64(teacher.w.Float32s()[0]); got > 0.01 {
		t.Errorf("teacher weight = %v, should approach student weight 0", got)
	}
}
