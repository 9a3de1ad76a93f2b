package training

import (
	"math"
	"testing"
)

func TestDiceScore(t *testing.T) {
	tests := []struct {
		name      string
		pred      []float32
		target    []float32
		threshold float64
		want      float64
	}{
		{
			name: "perfect match", threshold: 0.5,
			pred:   []float32{0.9, 0.1, 0.8, 0.2},
			target: []float32{1, 0, 1, 0},
			want:   1,
		},
		{
			name: "both empty", threshold: 0.5,
			pred:   []float32{0.1, 0.2},
			target: []float32{0, 0},
			want:   1,
		},
		{
			name: "no overlap", threshold: 0.5,
			pred:   []float32{0.9, 0.1},
			target: []float32{0, 1},
			want:   0,
		},
		{
			name: "half overlap", threshold: 0.5,
			pred:   []float32{0.9, 0.9},
			target: []float32{1, 0},
			want:   2.0 / 3.0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pred := mustTensor(t, []int{len(tc.pred)}, tc.pred)
			target := mustTensor(t, []int{len(tc.target)}, tc.target)
			got, err := DiceScore(pred, target, tc.threshold)
			if err != nil {
				t.Fatalf("DiceScore failed: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("dice = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIoUScoreMatchesDice(t *testing.T) {
	pred := mustTensor(t, []int{2}, []float32{0.9, 0.9})
	target := mustTensor(t, []int{2}, []float32{1, 0})
	iou, err := IoUScore(pred, target, 0.5)
	if err != nil {
		t.Fatalf("IoUScore failed: %v", err)
	}
	// dice 2/3 corresponds to IoU 1/2
	if math.Abs(iou-0.5) > 1e-9 {
		t.Errorf("iou = %v, want 0.5", iou)
	}
}

func TestForegroundFraction(t *testing.T) {
	pred := mustTensor(t, []int{4}, []float32{0.9, 0.5, 0.4, 0.1})
	if got := ForegroundFraction(pred, 0.5); got != 0.5 {
		t.Errorf("fraction = %v, want 0.5", got)
	}
}
