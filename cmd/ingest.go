package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cte-pipeline/internal/fetcher"
	"github.com/sells-group/cte-pipeline/internal/ingest"
	"github.com/sells-group/cte-pipeline/internal/state"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load consolidated drops into the hive schema",
	Long:  "Upserts consolidated CTE and minuta JSON drops into hive.cte_data and hive.minuta_data. Requires the postgres store driver.",
}

func initIngestor(cmd *cobra.Command) (*ingest.Ingestor, *state.PostgresStore, error) {
	st, err := initStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	pg, ok := st.(*state.PostgresStore)
	if !ok {
		st.Close()
		return nil, nil, eris.New("ingest requires the postgres store driver")
	}

	ing := ingest.NewIngestor(pg.Pool())
	if err := ing.Migrate(cmd.Context()); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return ing, pg, nil
}

var ingestCTEsCmd = &cobra.Command{
	Use:   "ctes <file.json>",
	Short: "Ingest a consolidated CTE drop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ing, pg, err := initIngestor(cmd)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		file, err := fetcher.LoadConsolidated(args[0])
		if err != nil {
			return err
		}

		n, err := ing.IngestConsolidated(cmd.Context(), file, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %d orders from %s\n", n, args[0])
		return nil
	},
}

var ingestMinutasCmd = &cobra.Command{
	Use:   "minutas <file.json>",
	Short: "Ingest a minutas drop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ing, pg, err := initIngestor(cmd)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		file, err := fetcher.LoadMinutas(args[0])
		if err != nil {
			return err
		}

		n, err := ing.IngestMinutas(cmd.Context(), file, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %d CNPJ groups from %s\n", n, args[0])
		return nil
	},
}

func init() {
	ingestCmd.AddCommand(ingestCTEsCmd)
	ingestCmd.AddCommand(ingestMinutasCmd)
	rootCmd.AddCommand(ingestCmd)
}
