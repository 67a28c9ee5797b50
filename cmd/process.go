package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cte-pipeline/internal/metrics"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the invoice pipeline for the current inbox",
	Long:  "Runs all five stages once: scans the inbox, extracts CTE line items, generates invoice documents, executes the four flows per PO and prints the execution summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		summary, err := e.Pipeline.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return eris.Wrap(err, "encode summary")
		}

		if summary.OverallStatus == metrics.WorkflowFailed {
			return eris.Errorf("workflow failed: api success rate %.1f%%", summary.Metrics.APISuccessRatePercent)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
