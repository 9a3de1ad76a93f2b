// Package experiments wires the self-training building blocks into the
// cross-cell-type domain adaptation studies: dataset access, run
// construction, pair enumeration, evaluation, and result reporting.
package experiments

import (
	"strings"

	"github.com/pkg/errors"
)

// CellTypes lists the LIVECell cell lines the experiments cover.
var CellTypes = []string{"A172", "BT474", "BV2", "Huh7", "MCF7", "SHSY5Y", "SkBr3", "SKOV3"}

// ValidateCellTypes checks that every requested name is a known cell type.
func ValidateCellTypes(names []string) error {
	for _, name := range names {
		if !IsKnownCellType(name) {
			return errors.Errorf("unknown cell type %q, expected one of %s",
				name, strings.Join(CellTypes, ", "))
		}
	}
	return nil
}

// IsKnownCellType reports whether name is one of the supported cell lines.
func IsKnownCellType(name string) bool {
	for _, ct := range CellTypes {
		if ct == name {
			return true
		}
	}
	return false
}

// TransferPair is one source-to-target adaptation experiment.
type TransferPair struct {
	Source string
	Target string
}

// String formats the pair the way run directories are named.
func (p TransferPair) String() string {
	return p.Source + "_to_" + p.Target
}

// EnumeratePairs builds all source/target combinations, skipping pairs where
// source and target are the same cell type. Empty slices default to all cell
// types.
func EnumeratePairs(sources, targets []string) ([]TransferPair, error) {
	if len(sources) == 0 {
		sources = CellTypes
	}
	if len(targets) == 0 {
		targets = CellTypes
	}
	if err := ValidateCellTypes(sources); err != nil {
		return nil, err
	}
	if err := ValidateCellTypes(targets); err != nil {
		return nil, err
	}

	var pairs []TransferPair
	for _, src := range sources {
		for _, tgt := range targets {
			if src == tgt {
				continue
			}
			pairs = append(pairs, TransferPair{Source: src, Target: tgt})
		}
	}
	return pairs, nil
}
