package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/grc-extract/internal/model"
)

// SQLiteStore implements AmendmentStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "grc.db"
	}
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS amendments (
	id                 TEXT PRIMARY KEY,
	framework_id       TEXT NOT NULL,
	framework_name     TEXT NOT NULL DEFAULT '',
	amendment_date     TEXT NOT NULL DEFAULT '',
	document_url       TEXT NOT NULL DEFAULT '',
	local_path         TEXT NOT NULL DEFAULT '',
	object_url         TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT 'downloaded',
	cancel_requested   INTEGER NOT NULL DEFAULT 0,
	cancelled          INTEGER NOT NULL DEFAULT 0,
	processed_date     DATETIME,
	processing_error   TEXT NOT NULL DEFAULT '',
	output_file        TEXT NOT NULL DEFAULT '',
	extraction_summary TEXT,
	matching_result    TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_amendments_framework ON amendments(framework_id, amendment_date);
CREATE INDEX IF NOT EXISTS idx_amendments_state ON amendments(state);
`

const sqliteColumns = `id, framework_id, framework_name, amendment_date, document_url, local_path, object_url,
	state, cancel_requested, cancelled, processed_date, processing_error, output_file,
	extraction_summary, matching_result, created_at, updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, a *model.Amendment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.State = model.AmendmentDownloaded
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO amendments (id, framework_id, framework_name, amendment_date, document_url, local_path, object_url, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FrameworkID, a.FrameworkName, a.AmendmentDate, a.DocumentURL, a.LocalPath, a.ObjectURL,
		string(a.State), now, now,
	)
	return eris.Wrap(err, "sqlite: insert amendment")
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Amendment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM amendments WHERE id = ?`, id)
	return scanSQLite(row)
}

func (s *SQLiteStore) ListByFramework(ctx context.Context, frameworkID string) ([]model.Amendment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM amendments WHERE framework_id = ? ORDER BY amendment_date DESC, created_at DESC`,
		frameworkID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list amendments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Amendment
	for rows.Next() {
		a, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list amendments iterate")
}

func (s *SQLiteStore) UpdateState(ctx context.Context, id string, next model.AmendmentState, errMsg string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(a, next); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `UPDATE amendments SET state = ?, processing_error = ?, updated_at = ?`
	args := []any{string(next), errMsg, now}
	switch next {
	case model.AmendmentProcessed:
		query += `, processed_date = ?`
		args = append(args, now)
	case model.AmendmentCancelled:
		query += `, cancelled = 1`
	}
	query += ` WHERE id = ? AND state = ?`
	args = append(args, id, string(a.State))
	if next == model.AmendmentProcessing {
		query += ` AND NOT EXISTS (SELECT 1 FROM amendments WHERE framework_id = ? AND state = 'processing')`
		args = append(args, a.FrameworkID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update amendment state %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if next == model.AmendmentProcessing {
			return errLocked(a.FrameworkID)
		}
		return model.Errorf(model.KindInputRejected, "amendment %s changed state concurrently", id)
	}
	return nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE amendments SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request cancel %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetExtraction(ctx context.Context, id string, summary json.RawMessage, outputFile string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE amendments SET extraction_summary = ?, output_file = ?, updated_at = ? WHERE id = ?`,
		rawOrNil(summary), outputFile, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set extraction %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetMatchingResult(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE amendments SET matching_result = ?, updated_at = ? WHERE id = ?`,
		rawOrNil(result), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set matching result %s", id)
	}
	return checkRowsAffected(res)
}

// helpers

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLite(row scannable) (*model.Amendment, error) {
	var (
		a                  model.Amendment
		state              string
		processed          sql.NullTime
		summary, matchings sql.NullString
	)
	err := row.Scan(&a.ID, &a.FrameworkID, &a.FrameworkName, &a.AmendmentDate, &a.DocumentURL, &a.LocalPath, &a.ObjectURL,
		&state, &a.CancelRequested, &a.Cancelled, &processed, &a.ProcessingError, &a.OutputFile,
		&summary, &matchings, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan amendment")
	}
	a.State = model.AmendmentState(state)
	if processed.Valid {
		t := processed.Time
		a.ProcessedDate = &t
	}
	if summary.Valid {
		a.ExtractionSummary = json.RawMessage(summary.String)
	}
	if matchings.Valid {
		a.MatchingResult = json.RawMessage(matchings.String)
	}
	return &a, nil
}
