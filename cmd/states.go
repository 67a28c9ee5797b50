package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/state"
)

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Inspect processing state history",
	Long:  "Commands for listing batch processing states and per-PO flow states.",
}

var statesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch processing states",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		batch, _ := cmd.Flags().GetString("batch")
		limit, _ := cmd.Flags().GetInt("limit")

		states, err := st.ListProcessingStates(ctx, state.StateFilter{
			Status:  model.ProcessingStatus(status),
			BatchID: batch,
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "states list")
		}

		if len(states) == 0 {
			fmt.Fprintln(os.Stderr, "No states found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATE ID\tBATCH\tSTATUS\tRETRIES\tUPDATED\tERROR")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				s.StateID, s.BatchID, s.Status, s.RetryCount,
				s.UpdatedAt.Format("2006-01-02 15:04"), truncate(s.LastError, 60))
		}
		return w.Flush()
	},
}

var statesPOsCmd = &cobra.Command{
	Use:   "pos <batch_id>",
	Short: "List purchase order states for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		pos, err := st.ListPOStates(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "states pos")
		}

		if len(pos) == 0 {
			fmt.Fprintln(os.Stderr, "No purchase orders found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PO NUMBER\tSTATUS\tRETRIES\tVERSION\tUPDATED\tERROR")
		for _, p := range pos {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				p.PONumber, p.Status, p.RetryCount, p.Version,
				p.UpdatedAt.Format("2006-01-02 15:04"), truncate(p.LastError, 60))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	statesListCmd.Flags().String("status", "", "filter by status")
	statesListCmd.Flags().String("batch", "", "filter by batch ID")
	statesListCmd.Flags().Int("limit", 50, "max rows")

	statesCmd.AddCommand(statesListCmd)
	statesCmd.AddCommand(statesPOsCmd)
	rootCmd.AddCommand(statesCmd)
}
