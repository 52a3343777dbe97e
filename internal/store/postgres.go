package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grc-extract/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements AmendmentStore using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS amendments (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	framework_id       TEXT NOT NULL,
	framework_name     TEXT NOT NULL DEFAULT '',
	amendment_date     TEXT NOT NULL DEFAULT '',
	document_url       TEXT NOT NULL DEFAULT '',
	local_path         TEXT NOT NULL DEFAULT '',
	object_url         TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT 'downloaded',
	cancel_requested   BOOLEAN NOT NULL DEFAULT false,
	cancelled          BOOLEAN NOT NULL DEFAULT false,
	processed_date     TIMESTAMPTZ,
	processing_error   TEXT NOT NULL DEFAULT '',
	output_file        TEXT NOT NULL DEFAULT '',
	extraction_summary JSONB,
	matching_result    JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_amendments_framework ON amendments(framework_id, amendment_date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_amendments_one_processing ON amendments(framework_id) WHERE state = 'processing';
`

const postgresColumns = `id, framework_id, framework_name, amendment_date, document_url, local_path, object_url,
	state, cancel_requested, cancelled, processed_date, processing_error, output_file,
	extraction_summary, matching_result, created_at, updated_at`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, a *model.Amendment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.State = model.AmendmentDownloaded
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO amendments (id, framework_id, framework_name, amendment_date, document_url, local_path, object_url, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.FrameworkID, a.FrameworkName, a.AmendmentDate, a.DocumentURL, a.LocalPath, a.ObjectURL,
		string(a.State), now, now,
	)
	return eris.Wrap(err, "postgres: insert amendment")
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Amendment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM amendments WHERE id = $1`, id)
	return scanPostgres(row)
}

func (s *PostgresStore) ListByFramework(ctx context.Context, frameworkID string) ([]model.Amendment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM amendments WHERE framework_id = $1 ORDER BY amendment_date DESC, created_at DESC`,
		frameworkID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list amendments")
	}
	defer rows.Close()

	var out []model.Amendment
	for rows.Next() {
		a, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list amendments iterate")
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, next model.AmendmentState, errMsg string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(a, next); err != nil {
		return err
	}

	query := `UPDATE amendments SET state = $1, processing_error = $2, updated_at = now(),
		processed_date = CASE WHEN $1 = 'processed' THEN now() ELSE processed_date END,
		cancelled = cancelled OR $1 = 'cancelled'
		WHERE id = $3 AND state = $4`
	args := []any{string(next), errMsg, id, string(a.State)}
	if next == model.AmendmentProcessing {
		query += ` AND NOT EXISTS (SELECT 1 FROM amendments WHERE framework_id = $5 AND state = 'processing')`
		args = append(args, a.FrameworkID)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errLocked(a.FrameworkID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update amendment state %s", id)
	}
	if tag.RowsAffected() == 0 {
		if next == model.AmendmentProcessing {
			return errLocked(a.FrameworkID)
		}
		return model.Errorf(model.KindInputRejected, "amendment %s changed state concurrently", id)
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE amendments SET cancel_requested = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: request cancel %s", id)
	}
	return checkTag(tag)
}

func (s *PostgresStore) SetExtraction(ctx context.Context, id string, summary json.RawMessage, outputFile string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE amendments SET extraction_summary = $1, output_file = $2, updated_at = now() WHERE id = $3`,
		rawOrNil(summary), outputFile, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set extraction %s", id)
	}
	return checkTag(tag)
}

func (s *PostgresStore) SetMatchingResult(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE amendments SET matching_result = $1, updated_at = now() WHERE id = $2`,
		rawOrNil(result), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set matching result %s", id)
	}
	return checkTag(tag)
}

func checkTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgres(row pgx.Row) (*model.Amendment, error) {
	var (
		a                 model.Amendment
		state             string
		summary, matching []byte
	)
	err := row.Scan(&a.ID, &a.FrameworkID, &a.FrameworkName, &a.AmendmentDate, &a.DocumentURL, &a.LocalPath, &a.ObjectURL,
		&state, &a.CancelRequested, &a.Cancelled, &a.ProcessedDate, &a.ProcessingError, &a.OutputFile,
		&summary, &matching, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan amendment")
	}
	a.State = model.AmendmentState(state)
	if len(summary) > 0 {
		a.ExtractionSummary = summary
	}
	if len(matching) > 0 {
		a.MatchingResult = matching
	}
	return &a, nil
}
