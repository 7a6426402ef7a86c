package embedding

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/grantline/grantline/internal/domain/patent"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// FileCache is a whole-file JSON map from SHA-256 of the text to its vector.
// An unreadable or corrupt file is discarded and rebuilt rather than
// blocking ingest.
type FileCache struct {
	path   string
	logger logging.Logger

	mu      sync.Mutex
	entries map[string][]float32
}

// OpenFileCache loads the cache at path, starting empty when the file is
// missing or unusable.
func OpenFileCache(path string, logger logging.Logger) *FileCache {
	c := &FileCache{
		path:    path,
		logger:  logger.Named("embedding.cache"),
		entries: map[string][]float32{},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c
	}
	if err != nil {
		c.logger.Warn("read embedding cache failed, starting empty",
			logging.String("path", path), logging.Err(err))
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		c.logger.Warn("embedding cache corrupt, starting empty",
			logging.String("path", path), logging.Err(err))
		c.entries = map[string][]float32{}
	}
	return c
}

// Get returns the cached vector for text, if any.
func (c *FileCache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[patent.SHA256Hex(text)]
	return vec, ok
}

// PutAll stores one vector per text and rewrites the cache file.
func (c *FileCache) PutAll(texts []string, vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, text := range texts {
		if i < len(vectors) {
			c.entries[patent.SHA256Hex(text)] = vectors[i]
		}
	}

	data, err := json.Marshal(c.entries)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeEmbeddingCache, "encode embedding cache failed")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeEmbeddingCache, "create cache directory failed")
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeEmbeddingCache, "write embedding cache failed")
	}
	return nil
}

// Len reports how many vectors are cached.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CachedProvider wraps another Embedder with the file cache. Only cache
// misses reach the inner provider; a failed cache write costs a warning,
// not the batch. Cached vectors are width-checked on the way out, so a
// cache file written under a different model is re-embedded instead of
// reaching the database.
type CachedProvider struct {
	inner  patent.Embedder
	cache  *FileCache
	logger logging.Logger
}

// NewCachedProvider decorates inner with cache.
func NewCachedProvider(inner patent.Embedder, cache *FileCache, logger logging.Logger) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache, logger: logger.Named("embedding")}
}

// Embed satisfies patent.Embedder, preserving input order.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := p.cache.Get(text); ok {
			if len(vec) == ExpectedDim {
				vectors[i] = vec
				continue
			}
			// Stale entry from a different model. Re-embed and overwrite.
			p.logger.Warn("cached vector width mismatch, re-embedding",
				logging.Int("cached_dim", len(vec)),
				logging.Int("expected_dim", ExpectedDim))
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	fresh, err := p.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, apperrors.Newf(apperrors.ErrCodeEmbeddingFailed,
			"provider returned %d vectors for %d texts", len(fresh), len(missTexts))
	}
	for j, i := range missIdx {
		vectors[i] = fresh[j]
	}

	if err := p.cache.PutAll(missTexts, fresh); err != nil {
		p.logger.Warn("persist embedding cache failed", logging.Err(err))
	}
	return vectors, nil
}
