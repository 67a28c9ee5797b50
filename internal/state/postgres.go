package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cte-pipeline/internal/db"
	"github.com/sells-group/cte-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, mainly for tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (the hive ingestor shares it).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS processing_states (
	state_id       TEXT PRIMARY KEY,
	email_id       TEXT NOT NULL,
	excel_filename TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS po_states (
	po_number   TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	version     BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_processing_states_batch ON processing_states(batch_id);
CREATE INDEX IF NOT EXISTS idx_processing_states_status ON processing_states(status);
CREATE INDEX IF NOT EXISTS idx_po_states_batch ON po_states(batch_id);
CREATE INDEX IF NOT EXISTS idx_po_states_status ON po_states(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateProcessingState(ctx context.Context, emailID, excelFilename, batchID string) (*model.ProcessingState, error) {
	now := time.Now().UTC()
	stateID := fmt.Sprintf("pf_%s_%d", batchID, now.UnixMilli())

	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_states (state_id, email_id, excel_filename, batch_id, status, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		stateID, emailID, excelFilename, batchID, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert processing state for batch %s", batchID)
	}

	return &model.ProcessingState{
		StateID:       stateID,
		EmailID:       emailID,
		ExcelFilename: excelFilename,
		BatchID:       batchID,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *PostgresStore) UpdateProcessingStatus(ctx context.Context, stateID string, status model.ProcessingStatus, procErr error) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_states SET status = $1, last_error = $2, updated_at = $3 WHERE state_id = $4`,
		string(status), errText(procErr), time.Now().UTC(), stateID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update processing status %s", stateID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("state not found: %s", stateID)
	}
	return nil
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, stateID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE processing_states SET retry_count = retry_count + 1, updated_at = $1
		 WHERE state_id = $2 RETURNING retry_count`,
		time.Now().UTC(), stateID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Errorf("state not found: %s", stateID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: increment retry count %s", stateID)
	}
	return count, nil
}

func (s *PostgresStore) GetProcessingState(ctx context.Context, stateID string) (*model.ProcessingState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT state_id, email_id, excel_filename, batch_id, status, retry_count, last_error, created_at, updated_at
		 FROM processing_states WHERE state_id = $1`,
		stateID,
	)
	return scanPGProcessingState(row, stateID)
}

func (s *PostgresStore) ListProcessingStates(ctx context.Context, filter StateFilter) ([]model.ProcessingState, error) {
	query := `SELECT state_id, email_id, excel_filename, batch_id, status, retry_count, last_error, created_at, updated_at
	          FROM processing_states WHERE 1=1`
	var args []any
	arg := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, arg)
		args = append(args, string(filter.Status))
		arg++
	}
	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, arg)
		args = append(args, filter.BatchID)
		arg++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, arg)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processing states")
	}
	defer rows.Close()

	var states []model.ProcessingState
	for rows.Next() {
		st, err := scanPGProcessingState(rows, "")
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list processing states iterate")
}

func (s *PostgresStore) UpsertPOState(ctx context.Context, batchID, poNumber string) (*model.POState, error) {
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO po_states (po_number, batch_id, status, retry_count, version, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4, $5)
		 ON CONFLICT (po_number) DO NOTHING`,
		poNumber, batchID, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert po state %s", poNumber)
	}
	return s.GetPOState(ctx, poNumber)
}

func (s *PostgresStore) GetPOState(ctx context.Context, poNumber string) (*model.POState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT po_number, batch_id, status, retry_count, last_error, version, created_at, updated_at
		 FROM po_states WHERE po_number = $1`,
		poNumber,
	)
	return scanPGPOState(row, poNumber)
}

func (s *PostgresStore) TransitionPO(ctx context.Context, poNumber string, to model.ProcessingStatus, version int64, procErr error) (*model.POState, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE po_states SET status = $1, last_error = $2, version = version + 1, updated_at = $3
		 WHERE po_number = $4 AND version = $5`,
		string(to), errText(procErr), time.Now().UTC(), poNumber, version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: transition po %s to %s", poNumber, to)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPOState(ctx, poNumber); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return s.GetPOState(ctx, poNumber)
}

func (s *PostgresStore) IncrementPORetry(ctx context.Context, poNumber string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE po_states SET retry_count = retry_count + 1, updated_at = $1
		 WHERE po_number = $2 RETURNING retry_count`,
		time.Now().UTC(), poNumber,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Errorf("state not found: %s", poNumber)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: increment po retry %s", poNumber)
	}
	return count, nil
}

func (s *PostgresStore) ListPOStates(ctx context.Context, batchID string) ([]model.POState, error) {
	query := `SELECT po_number, batch_id, status, retry_count, last_error, version, created_at, updated_at
	          FROM po_states`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = $1`
		args = append(args, batchID)
	}
	query += ` ORDER BY po_number`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list po states")
	}
	defer rows.Close()

	var states []model.POState
	for rows.Next() {
		st, err := scanPGPOState(rows, "")
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list po states iterate")
}

// helpers

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPGProcessingState(row pgScannable, id string) (*model.ProcessingState, error) {
	var st model.ProcessingState
	var lastErr *string

	err := row.Scan(&st.StateID, &st.EmailID, &st.ExcelFilename, &st.BatchID,
		&st.Status, &st.RetryCount, &lastErr, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("state not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan processing state")
	}
	if lastErr != nil {
		st.LastError = *lastErr
	}
	return &st, nil
}

func scanPGPOState(row pgScannable, id string) (*model.POState, error) {
	var st model.POState
	var lastErr *string

	err := row.Scan(&st.PONumber, &st.BatchID, &st.Status, &st.RetryCount,
		&lastErr, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("state not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan po state")
	}
	if lastErr != nil {
		st.LastError = *lastErr
	}
	return &st, nil
}
