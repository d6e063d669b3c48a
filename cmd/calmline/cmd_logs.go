package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calmline/calmline/internal/emergency"
)

var logsFlags struct {
	days int
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect or prune the configured emergency log stores",
}

var logsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print both stores as one JSON export",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := offlineLogger(cmd)
		if err != nil {
			return err
		}
		defer logger.Close(cmd.Context())

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(logger.Export(cmd.Context()))
	},
}

var logsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop general entries older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := offlineLogger(cmd)
		if err != nil {
			return err
		}
		defer logger.Close(cmd.Context())

		n := logger.ClearOldLogs(cmd.Context(), logsFlags.days)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
		return nil
	},
}

func init() {
	logsPruneCmd.Flags().IntVar(&logsFlags.days, "days", emergency.DefaultRetentionDays, "Retention window in days")
	logsCmd.AddCommand(logsExportCmd)
	logsCmd.AddCommand(logsPruneCmd)
}

func offlineLogger(cmd *cobra.Command) (*emergency.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildLogger(cmd.Context(), cfg, nil, false)
}
