package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	bytes.Buffer
	closeErr error
	onClose  func(*memWriter)
}

func (w *memWriter) Close() error {
	if w.closeErr != nil {
		return w.closeErr
	}
	w.onClose(w)
	return nil
}

type memBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failures int
}

func (b *memBucket) open(_ context.Context, key, contentType string) io.WriteCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &memWriter{onClose: func(w *memWriter) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.objects[key] = w.Bytes()
		b.types[key] = contentType
	}}
	if b.failures > 0 {
		b.failures--
		w.closeErr = errors.New("503 backend unavailable")
	}
	return w
}

func testStore(b *memBucket, prefix string) *GCS {
	g := newGCS("grc-docs", prefix, b.open)
	g.retry.InitialBackoff = time.Millisecond
	g.retry.MaxBackoff = time.Millisecond
	return g
}

func localPDF(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.7 amendment"), 0o644))
	return p
}

func TestUpload(t *testing.T) {
	b := &memBucket{objects: map[string][]byte{}, types: map[string]string{}}
	g := testStore(b, "/amendments/")

	obj, err := g.Upload(context.Background(), localPDF(t, "PCI DSS v4.pdf"), "pci-dss")
	require.NoError(t, err)

	assert.Regexp(t, `^[0-9a-f]{8}_PCI_DSS_v4\.pdf$`, obj.StoredName)
	assert.Equal(t, "amendments/pci-dss/"+obj.StoredName, obj.Key)
	assert.Equal(t, "https://storage.googleapis.com/grc-docs/"+obj.Key, obj.URL)
	assert.Equal(t, "%PDF-1.7 amendment", string(b.objects[obj.Key]))
	assert.Equal(t, "application/pdf", b.types[obj.Key])
}

func TestUpload_RetriesFailedWrite(t *testing.T) {
	b := &memBucket{objects: map[string][]byte{}, types: map[string]string{}, failures: 2}
	obj, err := testStore(b, "").Upload(context.Background(), localPDF(t, "a.pdf"), "nist")
	require.NoError(t, err)
	assert.Contains(t, b.objects, obj.Key)
}

func TestUpload_GivesUp(t *testing.T) {
	b := &memBucket{objects: map[string][]byte{}, types: map[string]string{}, failures: 10}
	_, err := testStore(b, "").Upload(context.Background(), localPDF(t, "a.pdf"), "nist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objectstore: upload nist/")
	assert.Empty(t, b.objects)
}

func TestUpload_MissingFile(t *testing.T) {
	b := &memBucket{objects: map[string][]byte{}, types: map[string]string{}}
	_, err := testStore(b, "").Upload(context.Background(), filepath.Join(t.TempDir(), "none.pdf"), "x")
	require.Error(t, err)
}

func TestStoredName_Unique(t *testing.T) {
	assert.NotEqual(t, StoredName("a.pdf"), StoredName("a.pdf"))
}

func TestNewGCS_RequiresBucket(t *testing.T) {
	_, err := NewGCS(context.Background(), "", "")
	require.Error(t, err)
}
