// Command punet-adamatch adapts Probabilistic U-Net models between cell
// types. The teacher's prior is sampled several times per image and the
// samples are aggregated into pseudo-labels and per-pixel confidence weights,
// optionally keeping only pixels where every sample agrees.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/experiments"
	"github.com/seglab/cellmatch/selftraining"
)

type options struct {
	phase        string
	input        string
	output       string
	saveRoot     string
	ct           float64
	consensus    bool
	priorSamples int
	distAlign    bool
	sources      []string
	targets      []string
	iterations   int
	batchSize    int
	checkImages  int
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("punet-adamatch", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.phase, "phase", "train", `phase to run: "check", "train" or "evaluate" (or c/t/e)`)
	fs.StringVar(&opts.input, "input", "", "root directory of the cell type datasets")
	fs.StringVar(&opts.output, "output", "", "root directory of the source model prediction folders")
	fs.StringVar(&opts.saveRoot, "save-root", "./runs", "directory for checkpoints and results")
	fs.Float64Var(&opts.ct, "confidence-threshold", 0, "pseudo-label confidence threshold, <= 0 disables masking")
	fs.BoolVar(&opts.consensus, "consensus-masking", false, "keep only pixels where every prior sample agrees")
	fs.IntVar(&opts.priorSamples, "prior-samples", selftraining.DefaultPriorSamples, "prior samples per pseudo-label")
	fs.BoolVar(&opts.distAlign, "distribution-alignment", false, "rescale pseudo-labels to the source label distribution")
	var sources, targets string
	fs.StringVar(&sources, "cell-types", "", "comma separated source cell types (default: all)")
	fs.StringVar(&targets, "target-cell-types", "", "comma separated target cell types (default: all)")
	fs.IntVar(&opts.iterations, "iterations", 100000, "training iterations per source/target pair")
	fs.IntVar(&opts.batchSize, "batch-size", 4, "training batch size")
	fs.IntVar(&opts.checkImages, "check-images", 8, "images to draw in the check phase")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.sources = splitList(sources)
	opts.targets = splitList(targets)
	if opts.consensus && opts.ct <= 0 {
		return nil, errors.New("--consensus-masking requires a positive --confidence-threshold")
	}
	if opts.distAlign && opts.output == "" {
		return nil, errors.New("--distribution-alignment requires --output")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("punet-adamatch: %v", err)
	}

	configure := func(pair experiments.TransferPair) experiments.RunConfig {
		cfg := experiments.DefaultPUNetAdaMatchConfig(pair)
		cfg.DataRoot = opts.input
		cfg.SaveRoot = opts.saveRoot
		cfg.PredictionRoot = opts.output
		cfg.ConfidenceThreshold = opts.ct
		cfg.ConsensusMasking = opts.consensus
		cfg.PriorSamples = opts.priorSamples
		cfg.DistributionAlignment = opts.distAlign
		cfg.BatchSize = opts.batchSize
		return cfg
	}

	if err := runPhase(opts, configure); err != nil {
		log.Fatalf("punet-adamatch: %v", err)
	}
}

func runPhase(opts *options, configure func(experiments.TransferPair) experiments.RunConfig) error {
	if opts.input == "" {
		return errors.New("--input is required")
	}
	switch opts.phase {
	case "check", "c":
		cts := union(opts.sources, opts.targets)
		if len(cts) == 0 {
			cts = experiments.CellTypes
		}
		stats, err := experiments.CheckLoader(opts.input, cts[0], opts.checkImages, opts.batchSize)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Fprintln(os.Stdout, experiments.FormatBatchStat(s))
		}
		return nil
	case "train", "t":
		return experiments.TrainAll(opts.sources, opts.targets, opts.iterations, configure)
	case "evaluate", "e":
		rows, err := experiments.EvaluateAll(opts.sources, opts.targets, configure)
		if err != nil {
			return err
		}
		csvPath := experiments.ResultsPath(opts.saveRoot, experiments.MethodPUNetAdaMatch)
		if err := experiments.WriteResultsCSV(rows, csvPath); err != nil {
			return err
		}
		log.Printf("wrote %s", csvPath)
		plotPath := experiments.PlotPath(opts.saveRoot, experiments.MethodPUNetAdaMatch)
		if err := experiments.PlotResults(rows, plotPath); err != nil {
			return err
		}
		log.Printf("wrote %s", plotPath)
		return nil
	default:
		return errors.Errorf("unknown phase %q, expected check, train or evaluate", opts.phase)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
