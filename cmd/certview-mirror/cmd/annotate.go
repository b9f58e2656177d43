package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Import an inventory file and apply MIP annotations against it",
}

var annotateImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the inventory mapping table from a CSV export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open inventory file: %w", err)
		}
		defer f.Close()

		result := a.surface.ImportInventory(cmd.Context(), f)
		fmt.Println(result.Message)
		if !result.Success {
			return fmt.Errorf("import failed")
		}
		return nil
	},
}

var annotateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Enrich mirrored certificates with the imported MIP mapping",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		// Unlike the HTTP control surface (which kicks this off in the
		// background), the CLI blocks until the pass completes so the
		// operator gets a definitive exit code.
		if err := a.worker.Apply(cmd.Context()); err != nil {
			fmt.Println(err.Error())
			return fmt.Errorf("apply failed")
		}
		fmt.Println("annotation apply completed")
		return nil
	},
}

func init() {
	annotateCmd.AddCommand(annotateImportCmd, annotateApplyCmd)
}
