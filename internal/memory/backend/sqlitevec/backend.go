// Package sqlitevec provides a SQLite-backed vector store with brute-force
// cosine similarity search. It uses a pure-Go SQLite driver, so no CGO or
// external services are required.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/amity/internal/memory/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	metadata   TEXT,
	embedding  BLOB NOT NULL,
	created_at TEXT NOT NULL
);
`

// Backend implements backend.Backend on a local SQLite file.
type Backend struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) a SQLite vector store at path. Use ":memory:" for
// an ephemeral store in tests.
func New(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The pure-Go driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Index stores documents, replacing any with the same ID.
func (b *Backend) Index(ctx context.Context, docs []*backend.Document) error {
	if len(docs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO documents (id, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document missing id")
		}
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s missing embedding", doc.ID)
		}
		meta, err := encodeMetadata(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", doc.ID, err)
		}
		createdAt := doc.CreatedAt
		if createdAt == "" {
			createdAt = time.Now().UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Content, meta,
			encodeEmbedding(doc.Embedding), createdAt); err != nil {
			return fmt.Errorf("insert %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans all stored documents and ranks them by cosine similarity to
// the query embedding. Scores are normalized to [0, 1].
func (b *Backend) Search(ctx context.Context, embedding []float32, opts *backend.SearchOptions) ([]*backend.Result, error) {
	if opts == nil {
		opts = &backend.SearchOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding, created_at FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var results []*backend.Result
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if !matchesFilters(doc.Metadata, opts.Filters) {
			continue
		}
		score := normalizeScore(cosineSimilarity(embedding, doc.Embedding))
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		results = append(results, &backend.Result{Document: doc, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Get retrieves a document by ID.
func (b *Backend) Get(ctx context.Context, id string) (*backend.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	row := b.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, embedding, created_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes documents by ID.
func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Clear removes all documents whose metadata matches the filters.
func (b *Backend) Clear(ctx context.Context, filters map[string]any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(filters) == 0 {
		res, err := b.db.ExecContext(ctx, `DELETE FROM documents`)
		if err != nil {
			return 0, fmt.Errorf("clear documents: %w", err)
		}
		return res.RowsAffected()
	}

	ids, err := b.matchingIDs(ctx, filters)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// Count returns the number of documents matching the filters.
func (b *Backend) Count(ctx context.Context, filters map[string]any) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(filters) == 0 {
		var n int64
		err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
		return n, err
	}
	ids, err := b.matchingIDs(ctx, filters)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// Compact reclaims storage space.
func (b *Backend) Compact(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

// matchingIDs returns the IDs of documents whose metadata matches the
// filters. Metadata filtering happens in Go because metadata is stored as an
// opaque JSON blob.
func (b *Backend) matchingIDs(ctx context.Context, filters map[string]any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, metadata FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var meta sql.NullString
		if err := rows.Scan(&id, &meta); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		metadata, err := decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		if matchesFilters(metadata, filters) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*backend.Document, error) {
	var (
		doc  backend.Document
		meta sql.NullString
		blob []byte
	)
	if err := row.Scan(&doc.ID, &doc.Content, &meta, &blob, &doc.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	metadata, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata
	doc.Embedding = decodeEmbedding(blob)
	return &doc, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// matchesFilters reports whether metadata satisfies every filter entry.
// Values are compared as strings.
func matchesFilters(metadata, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// encodeEmbedding packs float32 values as little-endian bytes.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding unpacks little-endian bytes into float32 values.
func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineSimilarity returns the raw cosine of the angle between a and b,
// in [-1, 1]. Mismatched or zero-length vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalizeScore maps a cosine similarity from [-1, 1] onto [0, 1].
func normalizeScore(cos float64) float64 {
	return (cos + 1) / 2
}
