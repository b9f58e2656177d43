package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/certview-mirror/internal/certview/model"
)

var syncInterval string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive the sync engine as a one-shot CLI operation",
}

var syncStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Clear the catalog and begin a fresh windowed sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.surface.StartFullSync(cmd.Context(), syncInterval)
		fmt.Println(result.Message)
		if !result.Success {
			return fmt.Errorf("start failed")
		}
		return waitForSweep(a)
	},
}

var syncResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a sweep from the last checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.surface.ResumeSync(cmd.Context(), syncInterval)
		fmt.Println(result.Message)
		if !result.Success {
			return fmt.Errorf("resume failed")
		}
		return waitForSweep(a)
	},
}

// waitForSweep polls engine status until the background sweep launched by
// StartFullSync/ResumeSync leaves the RUNNING state, so the CLI process
// does not close the store out from under it.
func waitForSweep(a *app) error {
	for a.engine.IsRunning() {
		time.Sleep(500 * time.Millisecond)
	}
	state, err := a.surface.Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("sweep finished: %s\n", state.Status)
	if state.Status == model.StatusError {
		return fmt.Errorf("sweep ended in error state")
	}
	return nil
}

var syncStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request cancellation of a sweep run by this process (a sweep in another process, such as serve, is not affected)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.surface.StopSync()
		fmt.Println(result.Message)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.surface.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("status: %s\n", state.Status)
		fmt.Printf("last successful valid-from date: %s\n", state.LastSuccessfulValidFromDate)
		fmt.Printf("total records collected: %d\n", state.TotalRecordsCollected)
		if state.LastSyncTimestamp != nil {
			fmt.Printf("last sync timestamp: %s\n", state.LastSyncTimestamp.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

var syncResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the catalog and sync state (a sweep running in another process is not detected)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result := a.surface.Reset(cmd.Context())
		fmt.Println(result.Message)
		if !result.Success {
			return fmt.Errorf("reset failed")
		}
		return nil
	},
}

var syncExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the mirrored catalog as CSV, in the fixed column order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.surface.ExportSnapshot(cmd.Context())
		if err != nil {
			return err
		}

		w := csv.NewWriter(os.Stdout)
		defer w.Flush()
		if err := w.Write(model.ExportColumns); err != nil {
			return err
		}
		for _, rec := range records {
			if err := w.Write(model.ExportRow(rec)); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncInterval, "interval", "yearly", "window size: daily, monthly, or yearly")
	syncCmd.AddCommand(syncStartCmd, syncResumeCmd, syncStopCmd, syncStatusCmd, syncResetCmd, syncExportCmd)
}
