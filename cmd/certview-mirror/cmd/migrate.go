package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// migrateCmd only opens the Store, which runs the goose migration set for
// the configured backend as part of Open, then closes it again.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations for the configured storage backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("migrations applied")
		return nil
	},
}
