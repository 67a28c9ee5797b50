package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cte-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local and
// offline runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS processing_states (
	state_id       TEXT PRIMARY KEY,
	email_id       TEXT NOT NULL,
	excel_filename TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS po_states (
	po_number   TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	version     INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_processing_states_batch ON processing_states(batch_id);
CREATE INDEX IF NOT EXISTS idx_processing_states_status ON processing_states(status);
CREATE INDEX IF NOT EXISTS idx_po_states_batch ON po_states(batch_id);
CREATE INDEX IF NOT EXISTS idx_po_states_status ON po_states(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProcessingState(ctx context.Context, emailID, excelFilename, batchID string) (*model.ProcessingState, error) {
	now := time.Now().UTC()
	stateID := fmt.Sprintf("pf_%s_%d", batchID, now.UnixMilli())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_states (state_id, email_id, excel_filename, batch_id, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		stateID, emailID, excelFilename, batchID, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert processing state for batch %s", batchID)
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

func (s *SQLiteStore) UpdateProcessingStatus(ctx context.Context, stateID string, status model.ProcessingStatus, procErr error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_states SET status = ?, last_error = ?, updated_at = ? WHERE state_id = ?`,
		string(status), errText(procErr), time.Now().UTC(), stateID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update processing status %s", stateID)
	}
	return checkRowsAffected(res, stateID)
}

func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, stateID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE processing_states SET retry_count = retry_count + 1, updated_at = ?
		 WHERE state_id = ? RETURNING retry_count`,
		time.Now().UTC(), stateID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, eris.Errorf("state not found: %s", stateID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: increment retry count %s", stateID)
	}
	return count, nil
}

func (s *SQLiteStore) GetProcessingState(ctx context.Context, stateID string) (*model.ProcessingState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_id, email_id, excel_filename, batch_id, status, retry_count, last_error, created_at, updated_at
		 FROM processing_states WHERE state_id = ?`,
		stateID,
	)
	return scanProcessingState(row, stateID)
}

func (s *SQLiteStore) ListProcessingStates(ctx context.Context, filter StateFilter) ([]model.ProcessingState, error) {
	query := `SELECT state_id, email_id, excel_filename, batch_id, status, retry_count, last_error, created_at, updated_at
	          FROM processing_states WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processing states")
	}
	defer rows.Close()

	var states []model.ProcessingState
	for rows.Next() {
		st, err := scanProcessingState(rows, "")
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list processing states iterate")
}

func (s *SQLiteStore) UpsertPOState(ctx context.Context, batchID, poNumber string) (*model.POState, error) {
	now := time.Now().UTC()

	// First sight creates a PENDING row; a later run with the same po_number
	// leaves the existing row untouched so it resumes from where it stopped.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO po_states (po_number, batch_id, status, retry_count, version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (po_number) DO NOTHING`,
		poNumber, batchID, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert po state %s", poNumber)
	}
	return s.GetPOState(ctx, poNumber)
}

func (s *SQLiteStore) GetPOState(ctx context.Context, poNumber string) (*model.POState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT po_number, batch_id, status, retry_count, last_error, version, created_at, updated_at
		 FROM po_states WHERE po_number = ?`,
		poNumber,
	)
	return scanPOState(row, poNumber)
}

func (s *SQLiteStore) TransitionPO(ctx context.Context, poNumber string, to model.ProcessingStatus, version int64, procErr error) (*model.POState, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE po_states SET status = ?, last_error = ?, version = version + 1, updated_at = ?
		 WHERE po_number = ? AND version = ?`,
		string(to), errText(procErr), time.Now().UTC(), poNumber, version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transition po %s to %s", poNumber, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Either the PO does not exist or another run advanced it first.
		if _, getErr := s.GetPOState(ctx, poNumber); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return s.GetPOState(ctx, poNumber)
}

func (s *SQLiteStore) IncrementPORetry(ctx context.Context, poNumber string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE po_states SET retry_count = retry_count + 1, updated_at = ?
		 WHERE po_number = ? RETURNING retry_count`,
		time.Now().UTC(), poNumber,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, eris.Errorf("state not found: %s", poNumber)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: increment po retry %s", poNumber)
	}
	return count, nil
}

func (s *SQLiteStore) ListPOStates(ctx context.Context, batchID string) ([]model.POState, error) {
	query := `SELECT po_number, batch_id, status, retry_count, last_error, version, created_at, updated_at
	          FROM po_states`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY po_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list po states")
	}
	defer rows.Close()

	var states []model.POState
	for rows.Next() {
		st, err := scanPOState(rows, "")
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list po states iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("state not found: %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProcessingState(row scannable, id string) (*model.ProcessingState, error) {
	var st model.ProcessingState
	var lastErr sql.NullString

	err := row.Scan(&st.StateID, &st.EmailID, &st.ExcelFilename, &st.BatchID,
		&st.Status, &st.RetryCount, &lastErr, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("state not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan processing state")
	}
	st.LastError = lastErr.String
	return &st, nil
}

func scanPOState(row scannable, id string) (*model.POState, error) {
	var st model.POState
	var lastErr sql.NullString

	err := row.Scan(&st.PONumber, &st.BatchID, &st.Status, &st.RetryCount,
		&lastErr, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("state not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan po state")
	}
	st.LastError = lastErr.String
	return &st, nil
}
