package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func newExplainCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the staged execution plan for a cohort definition",
		Long:  "Shows which dependency levels run in each stage, in the order the engine would execute them.",
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
			printPlan(os.Stdout, c.Name(), stages)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "cohort definition file (.json, .yaml)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
