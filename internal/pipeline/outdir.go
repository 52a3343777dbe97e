package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/model"
	"github.com/sells-group/grc-extract/internal/resilience"
)

// removeAll is swapped in tests to simulate a locked directory.
var removeAll = os.RemoveAll

// UserDir returns the per-user output directory under base.
func UserDir(base, userKey string) string {
	return filepath.Join(base, "upload_"+userKey)
}

// DefaultDirRetry is the recreate policy for output directories.
func DefaultDirRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = 200 * time.Millisecond
	cfg.MaxBackoff = 2 * time.Second
	cfg.ShouldRetry = func(error) bool { return true }
	return cfg
}

// PrepareOutputDir recreates dir empty. Removal is retried with backoff;
// when the directory stays locked its contents are cleared one by one
// instead. A directory that can be neither removed nor cleared is a
// ResourceLocked error.
func PrepareOutputDir(ctx context.Context, dir string, retry resilience.RetryConfig) error {
	log := zap.L().With(zap.String("dir", dir))

	if _, err := os.Stat(dir); err == nil {
		retry.OnRetry = func(attempt int, err error) {
			log.Warn("pipeline: output directory busy, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
		if err := resilience.Do(ctx, retry, func(context.Context) error { return removeAll(dir) }); err != nil {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "pipeline: prepare output dir")
			}
			log.Warn("pipeline: could not remove output directory, clearing contents", zap.Error(err))
			if cerr := clearContents(dir); cerr != nil {
				return model.NewError(model.KindResourceLocked, "output directory is locked: "+dir, cerr)
			}
		}
	} else if !os.IsNotExist(err) {
		return eris.Wrapf(err, "pipeline: stat %s", dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "pipeline: create %s", dir)
	}
	return nil
}

func clearContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return eris.Wrapf(err, "pipeline: list %s", dir)
	}
	var firstErr error
	for _, e := range entries {
		if err := removeAll(filepath.Join(dir, e.Name())); err != nil && firstErr == nil {
			firstErr = eris.Wrapf(err, "pipeline: remove %s", e.Name())
		}
	}
	return firstErr
}
