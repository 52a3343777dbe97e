// Package objectstore uploads accepted source documents to Google Cloud
// Storage.
package objectstore

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grc-extract/internal/resilience"
)

// Object describes an uploaded file.
type Object struct {
	URL        string `json:"object_url"`
	Key        string `json:"object_key"`
	StoredName string `json:"stored_name"`
}

// Uploader stores a local file under a folder and reports where it went.
type Uploader interface {
	Upload(ctx context.Context, localPath, folder string) (Object, error)
}

type writerFunc func(ctx context.Context, key, contentType string) io.WriteCloser

// GCS uploads to a single bucket.
type GCS struct {
	bucket string
	prefix string
	open   writerFunc
	retry  resilience.RetryConfig
	closer io.Closer
}

// NewGCS creates a storage client with application default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, eris.New("objectstore: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "objectstore: create storage client")
	}
	bh := client.Bucket(bucket)
	g := newGCS(bucket, prefix, func(ctx context.Context, key, contentType string) io.WriteCloser {
		w := bh.Object(key).NewWriter(ctx)
		w.ContentType = contentType
		return w
	})
	g.closer = client
	return g, nil
}

func newGCS(bucket, prefix string, open writerFunc) *GCS {
	retry := resilience.DefaultRetryConfig().WithAttempts(4)
	retry.InitialBackoff = time.Second
	retry.OnRetry = resilience.RetryLogger("objectstore", "upload")
	return &GCS{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		open:   open,
		retry:  retry,
	}
}

// Close releases the storage client.
func (g *GCS) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

// Upload copies localPath to <prefix>/<folder>/<id>_<name>. Failed writes
// are retried with backoff.
func (g *GCS) Upload(ctx context.Context, localPath, folder string) (Object, error) {
	stored := StoredName(filepath.Base(localPath))
	key := path.Join(g.prefix, folder, stored)
	contentType := "application/octet-stream"
	if strings.EqualFold(filepath.Ext(localPath), ".pdf") {
		contentType = "application/pdf"
	}

	retry := g.retry
	retry.ShouldRetry = func(error) bool { return ctx.Err() == nil }
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return g.write(ctx, localPath, key, contentType)
	})
	if err != nil {
		return Object{}, eris.Wrapf(err, "objectstore: upload %s", key)
	}

	obj := Object{
		URL:        "https://storage.googleapis.com/" + g.bucket + "/" + (&url.URL{Path: key}).EscapedPath(),
		Key:        key,
		StoredName: stored,
	}
	zap.L().Info("objectstore: uploaded", zap.String("bucket", g.bucket), zap.String("key", key))
	return obj, nil
}

func (g *GCS) write(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return eris.Wrap(err, "objectstore: open file")
	}
	defer f.Close() //nolint:errcheck

	w := g.open(ctx, key, contentType)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return eris.Wrap(err, "objectstore: copy")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "objectstore: finalize write")
	}
	return nil
}

// StoredName prefixes name with a short random id so repeated uploads of
// the same file never collide.
func StoredName(name string) string {
	return uuid.NewString()[:8] + "_" + strings.ReplaceAll(name, " ", "_")
}
