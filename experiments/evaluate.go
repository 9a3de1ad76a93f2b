package experiments

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/seglab/cellmatch/checkpoints"
	"github.com/seglab/cellmatch/training"
)

// ResultRow is the outcome of evaluating one adapted model on its target
// cell type.
type ResultRow struct {
	Method              string
	Source              string
	Target              string
	ConfidenceThreshold float64
	Dice                float64
	IoU                 float64
}

var resultHeader = []string{"method", "source", "target", "confidence_threshold", "dice", "iou"}

// EvaluateRun loads the best checkpoint of a finished run and scores it on
// the labeled target validation split.
func EvaluateRun(cfg RunConfig) (ResultRow, error) {
	row := ResultRow{
		Method:              cfg.Method,
		Source:              cfg.Pair.Source,
		Target:              cfg.Pair.Target,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}

	model, _, err := buildModels(cfg)
	if err != nil {
		return row, errors.Wrap(err, "building model")
	}
	path := BestCheckpointPath(cfg.SaveRoot, cfg.Name())
	ckpt, err := checkpoints.NewSaver(checkpoints.FormatBinary).Load(path)
	if err != nil {
		return row, errors.Wrapf(err, "loading checkpoint %s", path)
	}
	if err := checkpoints.LoadInto(ckpt, model.Parameters()); err != nil {
		return row, errors.Wrap(err, "restoring weights")
	}
	model.Eval()

	ds, err := NewSegmentationDataset(cfg.DataRoot, cfg.Pair.Target, SplitVal)
	if err != nil {
		return row, errors.Wrap(err, "opening target val data")
	}

	var diceTotal, iouTotal float64
	for i := 0; i < ds.Len(); i++ {
		img, label, err := ds.Get(i)
		if err != nil {
			return row, errors.Wrapf(err, "loading sample %d", i)
		}
		input, err := img.Reshape(append([]int{1}, img.Shape...))
		if err != nil {
			return row, err
		}
		pred, err := model.Forward(input)
		if err != nil {
			return row, errors.Wrapf(err, "predicting sample %d", i)
		}
		target, err := label.Reshape(pred.Shape)
		if err != nil {
			return row, err
		}
		// The model outputs logits; binarizing at zero matches a sigmoid
		// probability of 0.5.
		dice, err := training.DiceScore(pred, target, 0)
		if err != nil {
			return row, err
		}
		iou, err := training.IoUScore(pred, target, 0)
		if err != nil {
			return row, err
		}
		diceTotal += dice
		iouTotal += iou
	}

	row.Dice = diceTotal / float64(ds.Len())
	row.IoU = iouTotal / float64(ds.Len())
	return row, nil
}

// EvaluateAll scores every source/target pair and returns one row per pair.
func EvaluateAll(sources, targets []string, configure func(TransferPair) RunConfig) ([]ResultRow, error) {
	pairs, err := EnumeratePairs(sources, targets)
	if err != nil {
		return nil, err
	}
	rows := make([]ResultRow, 0, len(pairs))
	for _, pair := range pairs {
		row, err := EvaluateRun(configure(pair))
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating %s", pair)
		}
		log.Printf("%s: dice=%.4f iou=%.4f", pair, row.Dice, row.IoU)
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteResultsCSV writes the result table, creating parent directories as
// needed.
func WriteResultsCSV(rows []ResultRow, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating results directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(resultHeader); err != nil {
		return errors.Wrap(err, "writing header")
	}
	for _, r := range rows {
		record := []string{
			r.Method,
			r.Source,
			r.Target,
			strconv.FormatFloat(r.ConfidenceThreshold, 'f', -1, 64),
			strconv.FormatFloat(r.Dice, 'f', 6, 64),
			strconv.FormatFloat(r.IoU, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, "writing row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flushing results")
}

// ReadResultsCSV loads a result table written by WriteResultsCSV.
func ReadResultsCSV(path string) ([]ResultRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("%s is empty", path)
	}

	rows := make([]ResultRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(resultHeader) {
			return nil, errors.Errorf("row %d has %d fields, want %d", i+1, len(rec), len(resultHeader))
		}
		ct, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d confidence threshold", i+1)
		}
		dice, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d dice", i+1)
		}
		iou, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d iou", i+1)
		}
		rows = append(rows, ResultRow{
			Method: rec[0], Source: rec[1], Target: rec[2],
			ConfidenceThreshold: ct, Dice: dice, IoU: iou,
		})
	}
	return rows, nil
}

// SummarizeByTarget averages the dice score of all runs adapting to each
// target cell type.
func SummarizeByTarget(rows []ResultRow) map[string]float64 {
	totals := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range rows {
		totals[r.Target] += r.Dice
		counts[r.Target]++
	}
	means := make(map[string]float64, len(totals))
	for target, total := range totals {
		means[target] = total / float64(counts[target])
	}
	return means
}

// PlotResults renders the per-target mean dice scores as an SVG line chart.
func PlotResults(rows []ResultRow, path string) error {
	if len(rows) == 0 {
		return errors.New("no results to plot")
	}

	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "creating plot")
	}
	p.Title.Text = "Mean dice per target cell type"
	p.Y.Label.Text = "dice"
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	means := SummarizeByTarget(rows)
	pts := make(plotter.XYs, 0, len(CellTypes))
	labels := make([]string, 0, len(CellTypes))
	for _, target := range CellTypes {
		mean, ok := means[target]
		if !ok {
			continue
		}
		pts = append(pts, struct{ X, Y float64 }{X: float64(len(pts)), Y: mean})
		labels = append(labels, target)
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return errors.Wrap(err, "building line")
	}
	line.Color = plotutil.Color(0)
	points.Shape = plotutil.Shape(0)
	p.Add(line, points)
	p.Legend.Add("mean dice", line)
	p.NominalX(labels...)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating plot directory")
	}
	return errors.Wrapf(p.Save(6*vg.Inch, 4*vg.Inch, path), "saving %s", path)
}

// ResultsPath is where a driver stores its aggregated result table.
func ResultsPath(saveRoot, method string) string {
	return filepath.Join(saveRoot, "results", fmt.Sprintf("%s.csv", method))
}

// PlotPath is where a driver stores its result chart.
func PlotPath(saveRoot, method string) string {
	return filepath.Join(saveRoot, "results", fmt.Sprintf("%s.svg", method))
}
