package tier

import (
	"context"
	"io"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// Re-export types for convenience.
type Tier = types.Tier

// Re-export constants.
const (
	TierFast   = types.TierFast
	TierMedium = types.TierMedium
	TierSlow   = types.TierSlow
)

// CacheStats summarizes a cache backend.
type CacheStats struct {
	Backend    string `json:"backend"`
	EntryCount int64  `json:"entry_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// CacheStore holds opaque payload blobs for Cached instances, keyed by
// resource name. Every backend (memory, file, blob) implements it.
type CacheStore interface {
	Put(ctx context.Context, name string, r io.Reader) (int64, error)
	Get(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	Stats(ctx context.Context) (CacheStats, error)
	Close() error
}
