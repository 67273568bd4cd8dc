package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/communiday/eventcore-go/internal/cache"
)

// cachedTTL is long because embeddings are pure functions of model + text.
const cachedTTL = 24 * time.Hour

// Cached decorates an Embedder with a two-tier cache keyed by a hash of
// model name and input text.
type Cached struct {
	inner Embedder
	cache *cache.Cache
}

// NewCached wraps an embedder with caching.
func NewCached(inner Embedder, c *cache.Cache) *Cached {
	return &Cached{inner: inner, cache: c}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return "embed:" + hex.EncodeToString(sum[:])
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	opt := cache.Options{TTL: cachedTTL}
	raw, err := c.cache.GetOrLoad(ctx, c.key(text), opt, func(ctx context.Context) (string, error) {
		vec, err := c.inner.Embed(ctx, text)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(vec)
		if err != nil {
			return "", fmt.Errorf("encode embedding: %w", err)
		}
		return string(encoded), nil
	})
	if err != nil {
		return nil, err
	}

	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decode cached embedding: %w", err)
	}
	return vec, nil
}

// EmbedBatch consults the cache per text and only sends misses upstream.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	opt := cache.Options{TTL: cachedTTL}
	for i, text := range texts {
		raw, ok := c.cache.Get(ctx, c.key(text), opt)
		if !ok {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
			continue
		}
		out[i] = vec
	}

	if len(missTexts) > 0 {
		vectors, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range vectors {
			out[missIdx[j]] = vec
			if encoded, err := json.Marshal(vec); err == nil {
				c.cache.Set(ctx, c.key(missTexts[j]), string(encoded), opt)
			}
		}
	}

	return out, nil
}

func (c *Cached) Model() string {
	return c.inner.Model()
}

func (c *Cached) Dimension() int {
	return c.inner.Dimension()
}
