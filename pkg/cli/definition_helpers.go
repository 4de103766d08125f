package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"phenokit/internal/cohort"
	"phenokit/internal/config"
	"phenokit/internal/source"
)

// loadCohort reads and decodes a cohort definition file. YAML and JSON
// files are told apart by extension.
func loadCohort(path string) (*cohort.Cohort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return cohort.DecodeYAML(data)
	default:
		return cohort.Decode(data)
	}
}

// openSource builds the connector named by the configuration.
func openSource(cfg *config.Config) (source.Database, error) {
	var opts []source.SQLOption
	if cfg.TableMapping != "" {
		m, err := source.LoadTableMapping(cfg.TableMapping)
		if err != nil {
			return nil, fmt.Errorf("load table mapping: %w", err)
		}
		opts = append(opts, source.WithTableMapping(m))
	}
	switch cfg.Source {
	case config.SourceSQLite:
		return source.NewSQLite(cfg.DSN, opts...)
	case config.SourceCSV:
		return source.NewCSVDir(cfg.DSN, opts...)
	default:
		return source.NewDuckDB(cfg.DSN, opts...)
	}
}

// printPlan writes the staged execution plan, one stage per block.
func printPlan(w io.Writer, name string, stages []cohort.Stage) {
	fmt.Fprintf(w, "cohort %s\n", name)
	for _, stage := range stages {
		fmt.Fprintf(w, "stage %s\n", stage.Name)
		for i, level := range stage.Levels {
			fmt.Fprintf(w, "  level %d: %s\n", i, strings.Join(level, ", "))
		}
	}
}

func countNodes(stages []cohort.Stage) int {
	n := 0
	for _, stage := range stages {
		for _, level := range stage.Levels {
			n += len(level)
		}
	}
	return n
}
