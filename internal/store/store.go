// Package store persists amendment records and enforces their state
// machine.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grc-extract/internal/config"
	"github.com/sells-group/grc-extract/internal/model"
)

// AmendmentStore defines the persistence interface for amendments.
type AmendmentStore interface {
	// Create inserts a new amendment in the downloaded state. ID is
	// generated when empty.
	Create(ctx context.Context, a *model.Amendment) error
	Get(ctx context.Context, id string) (*model.Amendment, error)
	ListByFramework(ctx context.Context, frameworkID string) ([]model.Amendment, error)

	// UpdateState moves the amendment to next. Moving to processing fails
	// with KindResourceLocked while another amendment of the same framework
	// is processing. errMsg is stored as processing_error.
	UpdateState(ctx context.Context, id string, next model.AmendmentState, errMsg string) error
	RequestCancel(ctx context.Context, id string) error
	SetExtraction(ctx context.Context, id string, summary json.RawMessage, outputFile string) error
	SetMatchingResult(ctx context.Context, id string, result json.RawMessage) error

	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when no amendment matches.
var ErrNotFound = model.NewError(model.KindInputRejected, "amendment not found", nil)

// Open builds the store selected by cfg.Driver ("sqlite" or "postgres")
// and runs its migration.
func Open(ctx context.Context, cfg config.StoreConfig) (AmendmentStore, error) {
	var (
		st  AmendmentStore
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres", "postgresql":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func checkTransition(a *model.Amendment, next model.AmendmentState) error {
	if !a.State.CanTransition(next) {
		return model.Errorf(model.KindInputRejected, "amendment %s cannot move from %s to %s", a.ID, a.State, next)
	}
	return nil
}

func errLocked(frameworkID string) error {
	return model.Errorf(model.KindResourceLocked, "another amendment for framework %s is processing", frameworkID)
}

// rawOrNil keeps empty JSON out of the database as NULL.
func rawOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
