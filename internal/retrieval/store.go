// Package retrieval is a persistent chunk store ranked by embedding
// similarity. It degrades to a no-op when the backing store cannot be
// opened, so callers treat it as best-effort.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/grc-extract/internal/config"
	"github.com/sells-group/grc-extract/internal/model"
)

const (
	schemaVersion = "2"
	dbFile        = "chunks.db"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedFunc adapts a function to Embedder.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// Filter narrows retrieval to chunks whose metadata has every key/value.
type Filter map[string]string

// Result is one retrieved chunk.
type Result struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// Stats describes the store.
type Stats struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
	Chunks    int    `json:"chunks"`
	Documents int    `json:"documents"`
}

// Store holds chunks with their embeddings in SQLite.
type Store struct {
	mu        sync.Mutex
	dir       string
	db        *sql.DB
	embedder  Embedder
	size      int
	overlap   int
	topK      int
	available bool
}

// ChunkID is the deterministic id of chunk i of a document.
func ChunkID(docID string, i int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, i)
}

// Open initializes the store under cfg.Path. On failure it deletes the
// directory and tries once more; if that fails too the store is returned
// unavailable and every method becomes a no-op.
func Open(ctx context.Context, cfg config.RetrievalConfig, emb Embedder) *Store {
	s := &Store{
		dir:      cfg.Path,
		embedder: emb,
		size:     cfg.ChunkSize,
		overlap:  cfg.ChunkOverlap,
		topK:     cfg.TopK,
	}
	if s.size <= 0 {
		s.size = DefaultChunkSize
	}
	if s.overlap <= 0 {
		s.overlap = DefaultChunkOverlap
	}
	if s.topK <= 0 {
		s.topK = 3
	}
	log := zap.L().With(zap.String("component", "retrieval"), zap.String("path", cfg.Path))

	if !cfg.Enabled || emb == nil || cfg.Path == "" {
		log.Info("retrieval: disabled")
		return s
	}

	db, err := openDB(ctx, cfg.Path)
	if err != nil {
		log.Warn("retrieval: init failed, recreating store", zap.Error(err))
		if rmErr := os.RemoveAll(cfg.Path); rmErr != nil {
			log.Warn("retrieval: remove store directory", zap.Error(rmErr))
		}
		db, err = openDB(ctx, cfg.Path)
	}
	if err != nil {
		log.Warn("retrieval: store unavailable",
			zap.String("kind", string(model.KindVectorStoreUnavailable)),
			zap.Error(err),
		)
		return s
	}

	s.db = db
	s.available = true
	return s
}

const migration = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	metadata    TEXT NOT NULL,
	embedding   BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
`

func openDB(ctx context.Context, dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "retrieval: create directory")
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: open")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "retrieval: pragma")
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "retrieval: migrate")
	}

	var version string
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case eris.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
			db.Close()
			return nil, eris.Wrap(err, "retrieval: write schema version")
		}
	case err != nil:
		db.Close()
		return nil, eris.Wrap(err, "retrieval: read schema version")
	case version != schemaVersion:
		db.Close()
		return nil, eris.Errorf("retrieval: schema version %s, want %s", version, schemaVersion)
	}
	return db, nil
}

// Available reports whether the store is usable.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Add chunks text, embeds each chunk and replaces any chunks previously
// stored for docID. It returns the number of chunks written.
func (s *Store) Add(ctx context.Context, text, docID string, tags map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return 0, nil
	}

	chunks := Split(text, s.size, s.overlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		v, err := s.embedder.Embed(ctx, c)
		if err != nil {
			return 0, eris.Wrapf(err, "retrieval: embed chunk %d of %s", i, docID)
		}
		vectors[i] = v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "retrieval: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return 0, eris.Wrap(err, "retrieval: delete old chunks")
	}
	for i, c := range chunks {
		meta := map[string]string{
			"chunk_index":  strconv.Itoa(i),
			"total_chunks": strconv.Itoa(len(chunks)),
			"document_id":  docID,
		}
		for k, v := range tags {
			if _, reserved := meta[k]; !reserved {
				meta[k] = v
			}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return 0, eris.Wrap(err, "retrieval: marshal metadata")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, chunk_index, text, metadata, embedding) VALUES (?, ?, ?, ?, ?, ?)`,
			ChunkID(docID, i), docID, i, c, string(metaJSON), encodeVector(vectors[i]),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "retrieval: insert chunk %d", i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "retrieval: commit")
	}
	return len(chunks), nil
}

// Retrieve returns up to k chunks closest to query, ordered by cosine
// distance. k <= 0 uses the configured top-k.
func (s *Store) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = s.topK
	}

	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: embed query")
	}

	q := `SELECT id, text, metadata, embedding FROM chunks`
	var args []any
	if docID, ok := filter["document_id"]; ok {
		q += ` WHERE document_id = ?`
		args = append(args, docID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: query chunks")
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r        Result
			metaJSON string
			blob     []byte
		)
		if err := rows.Scan(&r.ID, &r.Text, &metaJSON, &blob); err != nil {
			return nil, eris.Wrap(err, "retrieval: scan chunk")
		}
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, eris.Wrapf(err, "retrieval: decode metadata %s", r.ID)
		}
		if !matches(r.Metadata, filter) {
			continue
		}
		r.Distance = 1 - Cosine(qv, decodeVector(blob))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "retrieval: iterate chunks")
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// ContextFor joins the texts of the closest chunks for use in a prompt.
// Errors are logged and yield an empty string.
func (s *Store) ContextFor(ctx context.Context, query string, k int, filter Filter) string {
	results, err := s.Retrieve(ctx, query, k, filter)
	if err != nil {
		zap.L().Debug("retrieval: context unavailable", zap.Error(err))
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, strings.TrimSpace(r.Text))
	}
	return strings.Join(parts, "\n---\n")
}

// Stats reports chunk and document counts.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Available: s.available, Path: s.dir}
	if !s.available {
		return st
	}
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT document_id) FROM chunks`)
	if err := row.Scan(&st.Chunks, &st.Documents); err != nil {
		zap.L().Debug("retrieval: stats", zap.Error(err))
	}
	return st
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = false
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func matches(meta map[string]string, filter Filter) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
