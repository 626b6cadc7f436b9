package predictor

import (
	"context"
	"log/slog"
)

// Cache memoizes predicted scores by sequence. *scorecache.Cache satisfies it.
type Cache interface {
	Get(sequence string) (float64, bool)
	Put(sequence string, score float64) error
}

// CachingBackend answers repeated sequences from a cache and forwards the
// rest. A failed prediction is never cached.
type CachingBackend struct {
	backend Backend
	cache   Cache
	logger  *slog.Logger
}

// NewCachingBackend wraps backend with cache.
func NewCachingBackend(backend Backend, cache Cache, logger *slog.Logger) *CachingBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingBackend{backend: backend, cache: cache, logger: logger.With("component", "predictor-cache")}
}

func (b *CachingBackend) Predict(ctx context.Context, device int, sequence string) (float64, error) {
	if v, ok := b.cache.Get(sequence); ok {
		return v, nil
	}
	v, err := b.backend.Predict(ctx, device, sequence)
	if err != nil {
		return 0, err
	}
	if err := b.cache.Put(sequence, v); err != nil {
		b.logger.Warn("cache put failed", "error", err)
	}
	return v, nil
}

func (b *CachingBackend) ReleaseScratch(ctx context.Context, device int) error {
	return b.backend.ReleaseScratch(ctx, device)
}
