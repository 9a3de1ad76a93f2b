package training

import (
	"testing"

	"github.com/seglab/cellmatch/tensor"
)

// memoryDataset is an in-memory labeled dataset for loader tests.
type memoryDataset struct {
	images []*tensor.Tensor
	labels []*tensor.Tensor
}

func (d *memoryDataset) Len() int { return len(d.images) }

func (d *memoryDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	return d.images[idx], d.labels[idx], nil
}

// memoryUnlabeled is an in-memory image-only dataset.
type memoryUnlabeled struct {
	images []*tensor.Tensor
}

func (d *memoryUnlabeled) Len() int { return len(d.images) }

func (d *memoryUnlabeled) Get(idx int) (*tensor.Tensor, error) {
	return d.images[idx], nil
}

func newMemoryDataset(t *testing.T, count int) *memoryDataset {
	t.Helper()
	ds := &memoryDataset{}
	for i := 0; i < count; i++ {
		img := mustTensor(t, []int{1, 2, 2}, []float32{
			float32(i), float32(i), float32(i), float32(i)})
		label := mustTensor(t, []int{1, 2, 2}, []float32{1, 0, 1, 0})
		ds.images = append(ds.images, img)
		ds.labels = append(ds.labels, label)
	}
	return ds
}

func TestDataLoaderBatching(t *testing.T) {
	ds := newMemoryDataset(t, 5)
	dl := NewDataLoader(ds, 2, false)

	if dl.Len() != 3 {
		t.Errorf("Len() = %d, want 3 batches", dl.Len())
	}

	var sizes []int
	for {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		sizes = append(sizes, batch.Data.Shape[0])
		if batch.Labels.Shape[0] != batch.Data.Shape[0] {
			t.Errorf("label batch size %d does not match data %d",
				batch.Labels.Shape[0], batch.Data.Shape[0])
		}
	}
	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("batch count = %d, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestDataLoaderReset(t *testing.T) {
	ds := newMemoryDataset(t, 2)
	dl := NewDataLoader(ds, 2, false)

	if batch, _ := dl.Next(); batch == nil {
		t.Fatal("first epoch should yield a batch")
	}
	if batch, _ := dl.Next(); batch != nil {
		t.Fatal("exhausted loader should yield nil")
	}
	dl.Reset()
	if batch, _ := dl.Next(); batch == nil {
		t.Fatal("reset loader should yield a batch again")
	}
}

func TestDataLoaderOrderWithoutShuffle(t *testing.T) {
	ds := newMemoryDataset(t, 3)
	dl := NewDataLoader(ds, 1, false)
	for i := 0; i < 3; i++ {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if got := batch.Data.Float32s()[0]; got != float32(i) {
			t.Errorf("batch %d first value = %v, want %v", i, got, i)
		}
	}
}

func TestUnsupervisedDataLoaderViews(t *testing.T) {
	ds := &memoryUnlabeled{}
	for i := 0; i < 4; i++ {
		ds.images = append(ds.images, mustTensor(t, []int{1, 8, 8}, halfSlice(64)))
	}
	dl := NewUnsupervisedDataLoader(ds, 2, true,
		DefaultWeakAugmentation(), DefaultStrongAugmentation(), 1)

	if dl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", dl.Len())
	}
	dl.Reset()
	batch, err := dl.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a batch")
	}
	for i := range batch.Weak.Shape {
		if batch.Weak.Shape[i] != batch.Strong.Shape[i] {
			t.Fatalf("view shapes differ: %v vs %v", batch.Weak.Shape, batch.Strong.Shape)
		}
	}
	// The views are independently augmented and must not be identical.
	same := true
	for i := range batch.Weak.Float32s() {
		if batch.Weak.Float32s()[i] != batch.Strong.Float32s()[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("weak and strong views are identical")
	}
}

func TestUnsupervisedDataLoaderDeterministicSeed(t *testing.T) {
	build := func() *UnsupervisedBatch {
		ds := &memoryUnlabeled{}
		for i := 0; i < 2; i++ {
			ds.images = append(ds.images, mustTensor(t, []int{1, 8, 8}, halfSlice(64)))
		}
		dl := NewUnsupervisedDataLoader(ds, 2, false,
			DefaultWeakAugmentation(), DefaultStrongAugmentation(), 7)
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		return batch
	}
	a, b := build(), build()
	for i := range a.Weak.Float32s() {
		if a.Weak.Float32s()[i] != b.Weak.Float32s()[i] {
			t.Fatal("same seed should reproduce the same weak view")
		}
	}
}

func halfSlice(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5
	}
	return s
}
