// Package memory provides archival memory: documents are embedded on write
// and retrieved by vector similarity on read.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/amity/internal/memory/backend"
	"github.com/haasonsaas/amity/internal/memory/embeddings"
	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/pkg/models"
)

const (
	// DefaultLimit caps search results when the caller passes k <= 0.
	DefaultLimit = 10

	// queryCacheSize bounds the embedding cache for repeated queries.
	queryCacheSize = 256
)

// Entry is a document to archive.
type Entry struct {
	Content  string
	Metadata map[string]any
}

// Manager coordinates the embedding provider and the vector backend.
// Add and Clear are serialized against each other so a clear cannot
// interleave with an in-flight batch write.
type Manager struct {
	backend  backend.Backend
	embedder embeddings.Provider
	logger   *observability.Logger

	mu sync.Mutex

	cacheMu sync.Mutex
	cache   map[string][]float32
}

// NewManager creates a memory manager.
func NewManager(b backend.Backend, e embeddings.Provider, logger *observability.Logger) *Manager {
	return &Manager{
		backend:  b,
		embedder: e,
		logger:   logger,
		cache:    make(map[string][]float32),
	}
}

// Add embeds and stores a single document, returning its ID.
func (m *Manager) Add(ctx context.Context, content string, metadata map[string]any) (string, error) {
	ids, err := m.AddBatch(ctx, []Entry{{Content: content, Metadata: metadata}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddBatch embeds and stores multiple documents in one backend write.
func (m *Manager) AddBatch(ctx context.Context, entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		if e.Content == "" {
			return nil, fmt.Errorf("entry %d has empty content", i)
		}
		texts[i] = e.Content
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	docs := make([]*backend.Document, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		id := uuid.NewString()
		meta := make(map[string]any, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			meta[k] = v
		}
		if _, ok := meta["created_at"]; !ok {
			meta["created_at"] = now
		}
		docs[i] = &backend.Document{
			ID:        id,
			Content:   e.Content,
			Metadata:  meta,
			Embedding: vecs[i],
			CreatedAt: now,
		}
		ids[i] = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Index(ctx, docs); err != nil {
		return nil, fmt.Errorf("index documents: %w", err)
	}
	m.logger.Debug(ctx, "archived documents", "count", len(docs))
	return ids, nil
}

// Search returns the k documents most similar to query, highest score first.
// filter restricts results by metadata equality (e.g. user_id).
func (m *Manager) Search(ctx context.Context, query string, k int, filter map[string]any) ([]models.MemoryDocument, error) {
	return m.search(ctx, query, k, 0, filter)
}

// SearchWithThreshold returns up to k documents scoring at or above
// threshold. It over-fetches to keep k results available after the cutoff.
func (m *Manager) SearchWithThreshold(ctx context.Context, query string, k int, threshold float64, filter map[string]any) ([]models.MemoryDocument, error) {
	if k <= 0 {
		k = DefaultLimit
	}
	docs, err := m.search(ctx, query, k*2, threshold, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) > k {
		docs = docs[:k]
	}
	return docs, nil
}

func (m *Manager) search(ctx context.Context, query string, k int, threshold float64, filter map[string]any) ([]models.MemoryDocument, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if k <= 0 {
		k = DefaultLimit
	}
	vec, err := m.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := m.backend.Search(ctx, vec, &backend.SearchOptions{
		Limit:     k,
		Threshold: threshold,
		Filters:   filter,
	})
	if err != nil {
		return nil, fmt.Errorf("search backend: %w", err)
	}
	docs := make([]models.MemoryDocument, 0, len(results))
	for _, r := range results {
		docs = append(docs, models.MemoryDocument{
			ID:       r.Document.ID,
			Content:  r.Document.Content,
			Metadata: r.Document.Metadata,
			Score:    r.Score,
		})
	}
	return docs, nil
}

// Delete removes a document. It reports whether the document existed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := m.backend.Get(ctx, id); err != nil {
		if err == backend.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if err := m.backend.Delete(ctx, []string{id}); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every document matching filter and returns the count.
func (m *Manager) Clear(ctx context.Context, filter map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.backend.Clear(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("clear backend: %w", err)
	}
	m.logger.Info(ctx, "cleared archived documents", "count", n)
	return n, nil
}

// Count returns the number of stored documents matching filter.
func (m *Manager) Count(ctx context.Context, filter map[string]any) (int64, error) {
	return m.backend.Count(ctx, filter)
}

// Compact reclaims backend storage space.
func (m *Manager) Compact(ctx context.Context) error {
	return m.backend.Compact(ctx)
}

// Close releases backend resources.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// embedQuery embeds a query text, caching results for repeated queries.
func (m *Manager) embedQuery(ctx context.Context, query string) ([]float32, error) {
	m.cacheMu.Lock()
	if vec, ok := m.cache[query]; ok {
		m.cacheMu.Unlock()
		return vec, nil
	}
	m.cacheMu.Unlock()

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	if len(m.cache) >= queryCacheSize {
		// Simple reset; the cache only smooths repeated queries.
		m.cache = make(map[string][]float32)
	}
	m.cache[query] = vec
	m.cacheMu.Unlock()
	return vec, nil
}
