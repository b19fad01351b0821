package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	chromem "github.com/philippgille/chromem-go"
)

// NewOllamaEmbeddingFunc embeds text with an Ollama embedding model. baseURL is the
// server root (e.g. http://localhost:11434); the /api suffix is added here.
func NewOllamaEmbeddingFunc(model, baseURL string) chromem.EmbeddingFunc {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" && !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	return chromem.NewEmbeddingFuncOllama(model, base)
}

// EmbeddingCache memoises embeddings by text. Retrieval embeds every incoming
// message and stored turns are often re-sent verbatim, so hits are common.
type EmbeddingCache struct {
	cache *ristretto.Cache
	next  chromem.EmbeddingFunc
}

// NewEmbeddingCache wraps next with a cache holding up to maxEntries vectors.
func NewEmbeddingCache(next chromem.EmbeddingFunc, maxEntries int64) (*EmbeddingCache, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &EmbeddingCache{cache: cache, next: next}, nil
}

// Func returns the cached embedding function.
func (c *EmbeddingCache) Func() chromem.EmbeddingFunc {
	return c.Embed
}

// Embed returns the cached vector for text or computes and stores it.
func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := c.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.next(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Close stops the cache's background goroutines.
func (c *EmbeddingCache) Close() {
	c.cache.Close()
}
