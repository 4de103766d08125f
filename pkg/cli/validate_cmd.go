package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a cohort definition without executing it",
		Long:  "Decodes the definition, runs name and reference validation and builds the execution plan, without touching any data source.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadCohort(file)
			if err != nil {
				return err
			}
			stages, err := c.BuildStages()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "cohort %s is valid: %d stages, %d nodes\n",
				c.Name(), len(stages), countNodes(stages))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "cohort definition file (.json, .yaml)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
