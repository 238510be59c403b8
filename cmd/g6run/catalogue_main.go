package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/g6run/g6run/internal/metrics"
)

// runCatalogue prints the metric specification table and its hash. CI
// compares the hash against the committed one to catch silent drift.
func runCatalogue(out io.Writer) error {
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tGROUP\tLABELS")
	for _, s := range metrics.Catalogue() {
		labels := strings.Join(s.Labels, ",")
		if labels == "" {
			labels = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Kind, s.Group, labels)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d metrics, spec hash %s\n", len(metrics.Catalogue()), metrics.SpecHash())
	return err
}
