package memory

import (
	"context"
	"io"
	"testing"

	"github.com/haasonsaas/amity/internal/memory/backend/sqlitevec"
	"github.com/haasonsaas/amity/internal/observability"
)

// hashEmbedder produces a deterministic unit vector per text so identical
// texts are identical vectors and different texts diverge.
type hashEmbedder struct {
	calls int
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r%13) + 1
	}
	return vec, nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *hashEmbedder) Name() string   { return "hash" }
func (e *hashEmbedder) Dimension() int { return 8 }

func newManager(t *testing.T) (*Manager, *hashEmbedder) {
	t.Helper()
	store, err := sqlitevec.New(":memory:")
	if err != nil {
		t.Fatalf("sqlitevec.New() error = %v", err)
	}
	embedder := &hashEmbedder{}
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	m := NewManager(store, embedder, logger)
	t.Cleanup(func() { m.Close() })
	return m, embedder
}

func TestAddAndSearch(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	id, err := m.Add(ctx, "the user likes hiking in the mountains", map[string]any{"user_id": "alice"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if id == "" {
		t.Fatal("Add() returned an empty id")
	}

	docs, err := m.Search(ctx, "the user likes hiking in the mountains", 5, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("docs = %+v, want the stored document", docs)
	}
	if docs[0].Score < 0.99 {
		t.Errorf("identical text score = %v, want ~1", docs[0].Score)
	}
	if docs[0].Metadata["user_id"] != "alice" {
		t.Errorf("metadata = %v", docs[0].Metadata)
	}
	if docs[0].CreatedAt() == "unknown" {
		t.Error("created_at not injected into metadata")
	}
}

func TestAddBatchValidation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.AddBatch(ctx, []Entry{{Content: ""}}); err == nil {
		t.Error("AddBatch() with empty content should fail")
	}
	ids, err := m.AddBatch(ctx, nil)
	if err != nil || ids != nil {
		t.Errorf("AddBatch(nil) = %v, %v, want nil, nil", ids, err)
	}
}

func TestSearchWithThresholdCapsAtK(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	entries := make([]Entry, 6)
	for i := range entries {
		entries[i] = Entry{Content: "the user likes hiking in the mountains"}
	}
	if _, err := m.AddBatch(ctx, entries); err != nil {
		t.Fatal(err)
	}

	docs, err := m.SearchWithThreshold(ctx, "the user likes hiking in the mountains", 3, 0.5, nil)
	if err != nil {
		t.Fatalf("SearchWithThreshold() error = %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("docs = %d, want capped at k=3", len(docs))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.Search(context.Background(), "", 5, nil); err == nil {
		t.Error("Search() with an empty query should fail")
	}
}

func TestQueryEmbeddingCache(t *testing.T) {
	m, embedder := newManager(t)
	ctx := context.Background()

	if _, err := m.Add(ctx, "something to find", nil); err != nil {
		t.Fatal(err)
	}
	before := embedder.calls
	for i := 0; i < 3; i++ {
		if _, err := m.Search(ctx, "repeated query", 5, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := embedder.calls - before; got != 1 {
		t.Errorf("embed calls for a repeated query = %d, want 1 (cached)", got)
	}
}

func TestDelete(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	id, err := m.Add(ctx, "ephemeral note", nil)
	if err != nil {
		t.Fatal(err)
	}

	existed, err := m.Delete(ctx, id)
	if err != nil || !existed {
		t.Errorf("Delete() = %v, %v, want true, nil", existed, err)
	}
	existed, err = m.Delete(ctx, id)
	if err != nil || existed {
		t.Errorf("second Delete() = %v, %v, want false, nil", existed, err)
	}
}

func TestClearByFilter(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.Add(ctx, "alice memory", map[string]any{"user_id": "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add(ctx, "bob memory", map[string]any{"user_id": "bob"}); err != nil {
		t.Fatal(err)
	}

	n, err := m.Clear(ctx, map[string]any{"user_id": "alice"})
	if err != nil || n != 1 {
		t.Errorf("Clear() = %d, %v, want 1", n, err)
	}
	remaining, err := m.Count(ctx, nil)
	if err != nil || remaining != 1 {
		t.Errorf("Count() = %d, %v, want 1", remaining, err)
	}
}
