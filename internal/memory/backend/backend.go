// Package backend defines the storage abstraction for archival memory.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a stored memory with its embedding.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
	CreatedAt string
}

// Result is a search hit with its similarity score in [0, 1].
type Result struct {
	Document *Document
	Score    float64
}

// SearchOptions controls similarity search behavior.
type SearchOptions struct {
	// Limit is the maximum number of results (default 10).
	Limit int

	// Threshold drops results scoring below it. Zero means no cutoff.
	Threshold float64

	// Filters restricts results to documents whose metadata matches every
	// key/value pair. Only string values are compared.
	Filters map[string]any
}

// Backend stores and retrieves embedded documents.
type Backend interface {
	// Index stores documents, replacing any with the same ID.
	Index(ctx context.Context, docs []*Document) error

	// Search returns the documents most similar to the query embedding,
	// highest score first.
	Search(ctx context.Context, embedding []float32, opts *SearchOptions) ([]*Result, error)

	// Get retrieves a document by ID.
	Get(ctx context.Context, id string) (*Document, error)

	// Delete removes documents by ID. Missing IDs are not an error.
	Delete(ctx context.Context, ids []string) error

	// Clear removes all documents whose metadata matches the filters and
	// returns the number removed. Empty filters removes everything.
	Clear(ctx context.Context, filters map[string]any) (int64, error)

	// Count returns the number of documents matching the filters.
	Count(ctx context.Context, filters map[string]any) (int64, error)

	// Compact reclaims storage space.
	Compact(ctx context.Context) error

	// Close releases resources.
	Close() error
}
