package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"phenokit/internal/arrowio"
	"phenokit/internal/cohort"
	"phenokit/internal/config"
	"phenokit/internal/table"
)

func newRunCmd() *cobra.Command {
	var (
		file     string
		src      string
		dsn      string
		mapping  string
		outDir   string
		format   string
		workers  int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a cohort definition and write its result tables",
		Long: "Decodes a cohort definition, executes it against the configured source and writes the index,\n" +
			"inclusion, exclusion, characteristic and outcome tables plus an attrition summary to the output directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			// Flags override the environment. Visit walks set flags only.
			cmd.Flags().Visit(func(f *pflag.Flag) {
				switch f.Name {
				case "source":
					cfg.Source = src
				case "dsn":
					cfg.DSN = dsn
				case "mapping":
					cfg.TableMapping = mapping
				case "out":
					cfg.OutDir = outDir
				case "format":
					cfg.Format = format
				case "workers":
					cfg.Workers = workers
				case "log-level":
					cfg.LogLevel = logLevel
				}
			})
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			for _, warning := range cfg.Warnings {
				logger.Warn(warning)
			}

			c, err := loadCohort(file)
			if err != nil {
				return err
			}

			db, err := openSource(cfg)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer db.Close() //nolint:errcheck

			result, err := c.Execute(cmd.Context(), db, cohort.Options{Workers: cfg.Workers, Logger: logger})
			if err != nil {
				return err
			}

			if err := writeResults(cfg.OutDir, cfg.Format, result); err != nil {
				return err
			}
			if err := printAttrition(os.Stdout, result.Attrition); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "\n%d patients in cohort %s, results in %s\n",
				result.Index.NumRows(), c.Name(), cfg.OutDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "cohort definition file (.json, .yaml)")
	cmd.Flags().StringVar(&src, "source", config.SourceDuckDB, "data source kind (duckdb, sqlite, csv)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database path, or the data directory for the csv source")
	cmd.Flags().StringVar(&mapping, "mapping", "", "YAML file mapping domain names to table names")
	cmd.Flags().StringVar(&outDir, "out", "out", "output directory")
	cmd.Flags().StringVar(&format, "format", config.FormatCSV, "artifact format (csv, arrow)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel nodes per stage (0 = one per CPU)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// writeResults writes the five output tables in the requested format plus
// the attrition summary.
func writeResults(dir, format string, result *cohort.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	outputs := []struct {
		name string
		t    *table.Table
	}{
		{"index", result.Index},
		{"inclusions", result.Inclusions},
		{"exclusions", result.Exclusions},
		{"characteristics", result.Characteristics},
		{"outcomes", result.Outcomes},
	}
	for _, out := range outputs {
		var err error
		switch format {
		case config.FormatArrow:
			err = arrowio.WriteIPCFile(filepath.Join(dir, out.name+".arrow"), out.t)
		default:
			err = arrowio.WriteCSVFile(filepath.Join(dir, out.name+".csv"), out.t)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", out.name, err)
		}
	}

	f, err := os.Create(filepath.Join(dir, "attrition.txt"))
	if err != nil {
		return fmt.Errorf("write attrition: %w", err)
	}
	if err := printAttrition(f, result.Attrition); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printAttrition(w io.Writer, steps []cohort.AttritionStep) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tCRITERION\tPATIENTS")
	for _, step := range steps {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", step.Stage, step.Name, step.Count)
	}
	return tw.Flush()
}
