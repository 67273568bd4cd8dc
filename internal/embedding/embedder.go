// Package embedding provides text embedding generation with multiple
// backend support.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder defines the interface for text embedding providers.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	// More efficient than multiple Embed calls for bulk operations.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	// CRITICAL: Must match the HNSW index dimension in the schema.
	Dimension() int
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server for embeddings.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses the OpenAI embeddings API.
	ProviderOpenAI ProviderType = "openai"
)

// Config holds configuration for creating an Embedder.
type Config struct {
	// Provider specifies which embedding backend to use.
	Provider ProviderType

	// Model is the embedding model name (provider-specific).
	// Ollama: "all-minilm:l6-v2" (384-dim), "nomic-embed-text" (768-dim)
	// OpenAI: "text-embedding-3-small" (1536-dim)
	Model string

	// Dimension is the required output dimension. Vectors of any other
	// dimension are rejected.
	Dimension int

	// Ollama-specific.
	OllamaHost string

	// OpenAI-specific.
	OpenAIAPIKey string
}

// model wraps a langchaingo embedder with dimension validation.
type model struct {
	inner     embeddings.Embedder
	dimension int
	modelName string
	logger    *slog.Logger
}

// New creates an Embedder based on the provided configuration.
func New(cfg Config, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var inner embeddings.Embedder
	var err error

	switch cfg.Provider {
	case ProviderOllama, "":
		llm, ollamaErr := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if ollamaErr != nil {
			return nil, fmt.Errorf("create ollama client: %w", ollamaErr)
		}
		inner, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		llm, openaiErr := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.Model),
		)
		if openaiErr != nil {
			return nil, fmt.Errorf("create openai client: %w", openaiErr)
		}
		inner, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}

	return &model{
		inner:     inner,
		dimension: cfg.Dimension,
		modelName: cfg.Model,
		logger:    logger,
	}, nil
}

func (m *model) Embed(ctx context.Context, text string) ([]float32, error) {
	textLen := len(text)
	m.logger.Debug("embedding text", "model", m.modelName, "text_len", textLen)

	start := time.Now()
	vectors, err := m.inner.EmbedDocuments(ctx, []string{text})
	duration := time.Since(start)

	if err != nil {
		m.logger.Warn("embedding failed", "model", m.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	embedding := vectors[0]
	if m.dimension > 0 && len(embedding) != m.dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(embedding), m.dimension)
	}

	m.logger.Debug("embedding complete", "model", m.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds())
	return embedding, nil
}

func (m *model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := m.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	for i, v := range vectors {
		if m.dimension > 0 && len(v) != m.dimension {
			return nil, fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), m.dimension)
		}
	}

	return vectors, nil
}

func (m *model) Model() string {
	return m.modelName
}

func (m *model) Dimension() int {
	return m.dimension
}
