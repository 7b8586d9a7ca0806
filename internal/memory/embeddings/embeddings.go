// Package embeddings defines the embedding provider abstraction used by the
// archival memory layer.
package embeddings

import "context"

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string

	// Dimension returns the embedding vector size.
	Dimension() int
}

// Config holds common embedding provider configuration.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}
