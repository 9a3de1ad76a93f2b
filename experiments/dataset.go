package experiments

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
	"github.com/seglab/cellmatch/training"
)

// Dataset layout under the data root:
//
//	<root>/<cellType>/<split>/images/*.png
//	<root>/<cellType>/<split>/labels/*.png
//
// Images are grayscale phase-contrast frames, labels are binary foreground
// masks with matching file names. Splits are "train" and "val".

const (
	imagesDir = "images"
	labelsDir = "labels"

	// SplitTrain and SplitVal name the dataset splits on disk.
	SplitTrain = "train"
	SplitVal   = "val"
)

func listPNGs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".png") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Errorf("no PNG files in %s", dir)
	}
	return files, nil
}

// loadImage decodes a PNG into a [1, H, W] tensor with values in [0, 1].
func loadImage(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return imageToTensor(img), nil
}

func imageToTensor(img image.Image) *tensor.Tensor {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	data := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Gray16 after RGBA conversion; the luminance channels agree for
			// grayscale sources.
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			data[y*w+x] = float32(r) / 65535.0
		}
	}
	t, _ := tensor.NewTensor([]int{1, h, w}, tensor.Float32, data)
	return t
}

// binarize turns a decoded mask into strict {0, 1} foreground values.
func binarize(t *tensor.Tensor) {
	d := t.Float32s()
	for i, v := range d {
		if v > 0.5 {
			d[i] = 1
		} else {
			d[i] = 0
		}
	}
}

// SegmentationDataset reads image/mask pairs for one cell type and split.
type SegmentationDataset struct {
	root     string
	cellType string
	split    string
	files    []string
}

// NewSegmentationDataset opens the labeled dataset for one cell type and
// split, verifying that every image has a matching label file.
func NewSegmentationDataset(root, cellType, split string) (*SegmentationDataset, error) {
	if !IsKnownCellType(cellType) {
		return nil, errors.Errorf("unknown cell type %q", cellType)
	}
	base := filepath.Join(root, cellType, split)
	files, err := listPNGs(filepath.Join(base, imagesDir))
	if err != nil {
		return nil, errors.Wrapf(err, "listing images for %s/%s", cellType, split)
	}
	for _, name := range files {
		labelPath := filepath.Join(base, labelsDir, name)
		if _, err := os.Stat(labelPath); err != nil {
			return nil, errors.Errorf("image %s has no label file at %s", name, labelPath)
		}
	}
	return &SegmentationDataset{root: root, cellType: cellType, split: split, files: files}, nil
}

// Len returns the number of image/label pairs.
func (d *SegmentationDataset) Len() int { return len(d.files) }

// Get loads the idx-th image and its binary mask.
func (d *SegmentationDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.files) {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.files))
	}
	base := filepath.Join(d.root, d.cellType, d.split)
	img, err := loadImage(filepath.Join(base, imagesDir, d.files[idx]))
	if err != nil {
		return nil, nil, err
	}
	label, err := loadImage(filepath.Join(base, labelsDir, d.files[idx]))
	if err != nil {
		return nil, nil, err
	}
	binarize(label)
	return img, label, nil
}

// UnlabeledImageDataset reads only the images of a cell type and split, for
// self-training on the target domain.
type UnlabeledImageDataset struct {
	root     string
	cellType string
	split    string
	files    []string
}

// NewUnlabeledImageDataset opens the image-only view of a cell type and split.
func NewUnlabeledImageDataset(root, cellType, split string) (*UnlabeledImageDataset, error) {
	if !IsKnownCellType(cellType) {
		return nil, errors.Errorf("unknown cell type %q", cellType)
	}
	files, err := listPNGs(filepath.Join(root, cellType, split, imagesDir))
	if err != nil {
		return nil, errors.Wrapf(err, "listing images for %s/%s", cellType, split)
	}
	return &UnlabeledImageDataset{root: root, cellType: cellType, split: split, files: files}, nil
}

// Len returns the number of images.
func (d *UnlabeledImageDataset) Len() int { return len(d.files) }

// Get loads the idx-th image.
func (d *UnlabeledImageDataset) Get(idx int) (*tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.files) {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.files))
	}
	return loadImage(filepath.Join(d.root, d.cellType, d.split, imagesDir, d.files[idx]))
}

// DatasetReport summarizes one cell type's on-disk data for the check phase.
type DatasetReport struct {
	CellType    string
	TrainImages int
	TrainLabels int
	ValImages   int
	ValLabels   int
	ImageShape  []int
}

// CheckDataset opens every requested cell type, counts its files, loads one
// sample per split to verify decodability, and returns a report per type.
func CheckDataset(root string, cellTypes []string) ([]DatasetReport, error) {
	if len(cellTypes) == 0 {
		cellTypes = CellTypes
	}
	if err := ValidateCellTypes(cellTypes); err != nil {
		return nil, err
	}

	reports := make([]DatasetReport, 0, len(cellTypes))
	for _, ct := range cellTypes {
		report := DatasetReport{CellType: ct}
		for _, split := range []string{SplitTrain, SplitVal} {
			ds, err := NewSegmentationDataset(root, ct, split)
			if err != nil {
				return nil, errors.Wrapf(err, "checking %s/%s", ct, split)
			}
			img, label, err := ds.Get(0)
			if err != nil {
				return nil, errors.Wrapf(err, "loading first sample of %s/%s", ct, split)
			}
			if img.Shape[1] != label.Shape[1] || img.Shape[2] != label.Shape[2] {
				return nil, errors.Errorf("%s/%s: image shape %v does not match label shape %v",
					ct, split, img.Shape, label.Shape)
			}
			switch split {
			case SplitTrain:
				report.TrainImages = ds.Len()
				report.TrainLabels = ds.Len()
				report.ImageShape = img.Shape
			case SplitVal:
				report.ValImages = ds.Len()
				report.ValLabels = ds.Len()
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// FormatReport renders a dataset report as one human readable line.
func FormatReport(r DatasetReport) string {
	return fmt.Sprintf("%-8s train=%d val=%d shape=%v",
		r.CellType, r.TrainImages, r.ValImages, r.ImageShape)
}

// BatchStat summarizes one batch drawn from the unsupervised loader.
type BatchStat struct {
	Batch  int
	Images int // images covered so far, including this batch
	Shape  []int

	WeakMin, WeakMax, WeakMean       float64
	StrongMin, StrongMax, StrongMean float64
}

// CheckLoader draws batches from the unsupervised training loader of one cell
// type until numImages images are covered, reporting the shape and intensity
// statistics of both augmented views. It stops early when the split runs out
// of images.
func CheckLoader(root, cellType string, numImages, batchSize int) ([]BatchStat, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if numImages <= 0 {
		numImages = batchSize
	}
	ds, err := NewUnlabeledImageDataset(root, cellType, SplitTrain)
	if err != nil {
		return nil, err
	}
	loader := training.NewUnsupervisedDataLoader(ds, batchSize, false,
		training.DefaultWeakAugmentation(), training.DefaultStrongAugmentation(), 1)
	loader.Reset()

	var stats []BatchStat
	seen := 0
	for seen < numImages {
		batch, err := loader.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "drawing batch %d", len(stats))
		}
		if batch == nil {
			break
		}
		seen += batch.Weak.Shape[0]
		s := BatchStat{
			Batch:  len(stats),
			Images: seen,
			Shape:  append([]int{}, batch.Weak.Shape...),
		}
		s.WeakMin, s.WeakMax, s.WeakMean = minMaxMean(batch.Weak.Float32s())
		s.StrongMin, s.StrongMax, s.StrongMean = minMaxMean(batch.Strong.Float32s())
		stats = append(stats, s)
	}
	return stats, nil
}

func minMaxMean(data []float32) (lo, hi, mean float64) {
	lo, hi = float64(data[0]), float64(data[0])
	var sum float64
	for _, v := range data {
		f := float64(v)
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
		sum += f
	}
	return lo, hi, sum / float64(len(data))
}

// FormatBatchStat renders one loader batch as a human readable line.
func FormatBatchStat(s BatchStat) string {
	return fmt.Sprintf("batch %d shape=%v weak[min=%.3f max=%.3f mean=%.3f] strong[min=%.3f max=%.3f mean=%.3f]",
		s.Batch, s.Shape, s.WeakMin, s.WeakMax, s.WeakMean, s.StrongMin, s.StrongMax, s.StrongMean)
}
