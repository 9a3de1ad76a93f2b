package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// Dataset is a labeled dataset of image/segmentation pairs.
type Dataset interface {
	Len() int
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error)
}

// UnlabeledDataset is an image-only dataset used for self-training.
type UnlabeledDataset interface {
	Len() int
	Get(idx int) (*tensor.Tensor, error)
}

// Batch is a batch of images and segmentation labels.
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// UnsupervisedBatch carries two augmented views of the same images: a weakly
// augmented view for the teacher and a strongly augmented view for the student.
type UnsupervisedBatch struct {
	Weak   *tensor.Tensor
	Strong *tensor.Tensor
}

// DataLoader provides batching and shuffling over a labeled dataset.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool) *DataLoader {
	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset restarts the loader for a new epoch.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch, or nil at the end of the epoch.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.loadBatch(batchIndices)
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, errors.Wrapf(err, "loading sample %d", indices[0])
	}

	batchSize := len(indices)
	dataShape := append([]int{batchSize}, firstData.Shape...)
	labelShape := append([]int{batchSize}, firstLabel.Shape...)

	batchData, err := tensor.Zeros(dataShape, tensor.Float32)
	if err != nil {
		return nil, errors.Wrap(err, "creating batch data tensor")
	}
	batchLabels, err := tensor.Zeros(labelShape, tensor.Float32)
	if err != nil {
		return nil, errors.Wrap(err, "creating batch label tensor")
	}

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "loading sample %d", idx)
		}
		if err := copyInto(batchData, data, i); err != nil {
			return nil, errors.Wrapf(err, "copying data for sample %d", idx)
		}
		if err := copyInto(batchLabels, label, i); err != nil {
			return nil, errors.Wrapf(err, "copying label for sample %d", idx)
		}
	}

	return &Batch{Data: batchData, Labels: batchLabels}, nil
}

// UnsupervisedDataLoader batches unlabeled images and produces a weakly and a
// strongly augmented view of each batch from the same underlying images.
type UnsupervisedDataLoader struct {
	dataset    UnlabeledDataset
	batchSize  int
	shuffle    bool
	teacherAug Augmentation
	studentAug Augmentation
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewUnsupervisedDataLoader creates a loader for self-training batches.
func NewUnsupervisedDataLoader(
	dataset UnlabeledDataset,
	batchSize int,
	shuffle bool,
	teacherAug, studentAug Augmentation,
	seed int64,
) *UnsupervisedDataLoader {
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &UnsupervisedDataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		teacherAug: teacherAug,
		studentAug: studentAug,
		rng:        rand.New(rand.NewSource(seed)),
		indices:    indices,
	}
}

// Len returns the number of batches in an epoch.
func (dl *UnsupervisedDataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset restarts the loader for a new epoch.
func (dl *UnsupervisedDataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next pair of augmented views, or nil at the end of the epoch.
func (dl *UnsupervisedDataLoader) Next() (*UnsupervisedBatch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	first, err := dl.dataset.Get(batchIndices[0])
	if err != nil {
		return nil, errors.Wrapf(err, "loading sample %d", batchIndices[0])
	}
	shape := append([]int{len(batchIndices)}, first.Shape...)

	weak, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, errors.Wrap(err, "creating weak batch tensor")
	}
	strong, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, errors.Wrap(err, "creating strong batch tensor")
	}

	for i, idx := range batchIndices {
		img, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "loading sample %d", idx)
		}
		weakView, err := dl.teacherAug(img, dl.rng)
		if err != nil {
			return nil, errors.Wrapf(err, "weak augmentation of sample %d", idx)
		}
		strongView, err := dl.studentAug(img, dl.rng)
		if err != nil {
			return nil, errors.Wrapf(err, "strong augmentation of sample %d", idx)
		}
		if err := copyInto(weak, weakView, i); err != nil {
			return nil, errors.Wrapf(err, "copying weak view of sample %d", idx)
		}
		if err := copyInto(strong, strongView, i); err != nil {
			return nil, errors.Wrapf(err, "copying strong view of sample %d", idx)
		}
	}

	return &UnsupervisedBatch{Weak: weak, Strong: strong}, nil
}

// copyInto copies a sample tensor into position batchIndex of a batch tensor.
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != tensor.Float32 || sampleTensor.DType != tensor.Float32 {
		return errors.Errorf("batch copying requires Float32 tensors, got %s and %s",
			batchTensor.DType, sampleTensor.DType)
	}
	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	batchData := batchTensor.Float32s()
	sampleData := sampleTensor.Float32s()
	if offset+sampleSize > len(batchData) {
		return errors.Errorf("sample %d does not fit into batch tensor", batchIndex)
	}
	copy(batchData[offset:offset+sampleSize], sampleData)
	return nil
}
