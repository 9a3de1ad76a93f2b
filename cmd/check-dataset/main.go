// Command check-dataset verifies that the cell type datasets are laid out
// correctly on disk: it counts the images and labels of every requested cell
// type, decodes one sample per split, and prints a short report.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/seglab/cellmatch/experiments"
)

func main() {
	var (
		input     = flag.String("input", "", "root directory of the cell type datasets")
		cellTypes = flag.String("cell-types", "", "comma separated cell types to check (default: all)")
	)
	flag.Parse()

	if *input == "" {
		log.Fatal("check-dataset: --input is required")
	}

	var names []string
	if *cellTypes != "" {
		for _, p := range strings.Split(*cellTypes, ",") {
			if p = strings.TrimSpace(p); p != "" {
				names = append(names, p)
			}
		}
	}

	reports, err := experiments.CheckDataset(*input, names)
	if err != nil {
		log.Fatalf("check-dataset: %v", err)
	}
	for _, r := range reports {
		fmt.Println(experiments.FormatReport(r))
	}
}
