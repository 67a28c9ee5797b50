// Package ingest upserts consolidated CTE and MINUTA drops into the hive
// schema shared with the reporting side.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/db"
	"github.com/sells-group/cte-pipeline/internal/model"
)

const hiveMigration = `
CREATE SCHEMA IF NOT EXISTS hive;

CREATE TABLE IF NOT EXISTS hive.cte_data (
	po_number      TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	po_total_value NUMERIC NOT NULL,
	cte_count      INTEGER NOT NULL,
	start_date     TEXT,
	end_date       TEXT,
	source_file    TEXT,
	batch_id       TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hive.minuta_data (
	cnpj_claro        TEXT PRIMARY KEY,
	empresa_origem    TEXT,
	status            TEXT NOT NULL,
	municipio         TEXT,
	uf                TEXT,
	minuta_count      INTEGER NOT NULL,
	total_value       NUMERIC NOT NULL,
	po_list           TEXT,
	start_date        TEXT,
	end_date          TEXT,
	protocol_number   TEXT,
	requires_regional BOOLEAN NOT NULL DEFAULT false,
	regional_type     TEXT,
	source_file       TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Ingestor writes consolidated drops into the hive tables.
type Ingestor struct {
	pool db.Pool
}

// NewIngestor creates an ingestor on the shared pool.
func NewIngestor(pool db.Pool) *Ingestor {
	return &Ingestor{pool: pool}
}

// Migrate creates the hive schema and tables.
func (i *Ingestor) Migrate(ctx context.Context) error {
	_, err := i.pool.Exec(ctx, hiveMigration)
	return eris.Wrap(err, "ingest: migrate hive schema")
}

// IngestConsolidated upserts every order of a consolidated file into
// hive.cte_data, keyed on po_number. Re-ingesting the same PO updates the
// row in place.
func (i *Ingestor) IngestConsolidated(ctx context.Context, file *model.ConsolidatedFile, sourceFile string) (int64, error) {
	if !file.Valid() {
		return 0, eris.Errorf("ingest: consolidated file %s has no orders", sourceFile)
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(file.Orders))
	for _, order := range file.Orders {
		rows = append(rows, []any{
			order.PONumber,
			order.Status,
			order.POTotalValue,
			len(order.CTEs),
			order.StartDate,
			order.EndDate,
			sourceFile,
			file.BatchInfo.BatchID,
			now,
			now,
		})
	}

	n, err := db.BulkUpsert(ctx, i.pool, db.UpsertConfig{
		Table: "hive.cte_data",
		Columns: []string{
			"po_number", "status", "po_total_value", "cte_count",
			"start_date", "end_date", "source_file", "batch_id",
			"created_at", "last_updated",
		},
		ConflictKeys: []string{"po_number"},
		UpdateCols: []string{
			"status", "po_total_value", "cte_count", "start_date",
			"end_date", "source_file", "batch_id", "last_updated",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: upsert cte_data from %s", sourceFile)
	}

	zap.L().Info("consolidated ctes ingested",
		zap.String("source_file", sourceFile),
		zap.String("batch_id", file.BatchInfo.BatchID),
		zap.Int64("rows", n),
	)
	return n, nil
}

// IngestMinutas upserts every CNPJ group of a minutas file into
// hive.minuta_data, keyed on cnpj_claro.
func (i *Ingestor) IngestMinutas(ctx context.Context, file *model.MinutasFile, sourceFile string) (int64, error) {
	if file == nil || len(file.CNPJGroups) == 0 {
		return 0, eris.Errorf("ingest: minutas file %s has no cnpj groups", sourceFile)
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(file.CNPJGroups))
	for _, g := range file.CNPJGroups {
		rows = append(rows, []any{
			g.CNPJClaro,
			g.EmpresaOrigem,
			g.Status,
			g.Municipio,
			g.UF,
			g.MinutaCount,
			g.TotalValue,
			strings.Join(g.POList, ","),
			g.StartDate,
			g.EndDate,
			g.ProtocolNumber,
			g.RequiresRegional,
			g.RegionalType,
			sourceFile,
			now,
			now,
		})
	}

	n, err := db.BulkUpsert(ctx, i.pool, db.UpsertConfig{
		Table: "hive.minuta_data",
		Columns: []string{
			"cnpj_claro", "empresa_origem", "status", "municipio", "uf",
			"minuta_count", "total_value", "po_list", "start_date", "end_date",
			"protocol_number", "requires_regional", "regional_type",
			"source_file", "created_at", "last_updated",
		},
		ConflictKeys: []string{"cnpj_claro"},
		UpdateCols: []string{
			"empresa_origem", "status", "municipio", "uf", "minuta_count",
			"total_value", "po_list", "start_date", "end_date",
			"protocol_number", "requires_regional", "regional_type",
			"source_file", "last_updated",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: upsert minuta_data from %s", sourceFile)
	}

	zap.L().Info("minutas ingested",
		zap.String("source_file", sourceFile),
		zap.Int64("rows", n),
	)
	return n, nil
}
