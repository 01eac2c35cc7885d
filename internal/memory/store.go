package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// Store implements tier.CacheStore as an in-process LRU of payload blobs.
type Store struct {
	mu         sync.RWMutex
	cfg        config.MemoryCacheConfig
	blobs      map[string][]byte
	order      []string // LRU order, oldest first
	totalBytes int64
	logger     *zap.Logger
}

func NewStore(cfg config.MemoryCacheConfig, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		blobs:  make(map[string][]byte),
		logger: logger,
	}
}

func (s *Store) Put(_ context.Context, name string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading payload for %s: %w", name, err)
	}
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if max := int64(s.cfg.MaxBytes); max > 0 && size > max {
		return 0, fmt.Errorf("payload %s (%d bytes) exceeds memory cache size %d", name, size, max)
	}

	if old, exists := s.blobs[name]; exists {
		s.totalBytes -= int64(len(old))
		s.removeFromOrder(name)
	}

	for s.shouldEvict(size) {
		s.evictOldest()
	}

	s.blobs[name] = data
	s.order = append(s.order, name)
	s.totalBytes += size

	s.logger.Debug("payload cached in memory",
		zap.String("resource", name),
		zap.Int64("size", size),
		zap.Int64("total_bytes", s.totalBytes),
	)

	return size, nil
}

func (s *Store) Get(_ context.Context, name string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s not in memory cache", types.ErrNotFound, name)
	}
	s.removeFromOrder(name)
	s.order = append(s.order, name)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[name]
	if !ok {
		return nil
	}

	s.totalBytes -= int64(len(data))
	delete(s.blobs, name)
	s.removeFromOrder(name)
	return nil
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[name]
	return ok, nil
}

func (s *Store) Stats(_ context.Context) (tier.CacheStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tier.CacheStats{
		Backend:    config.CacheBackendMemory,
		EntryCount: int64(len(s.blobs)),
		TotalBytes: s.totalBytes,
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[string][]byte)
	s.order = nil
	s.totalBytes = 0
	return nil
}

func (s *Store) shouldEvict(incoming int64) bool {
	if len(s.blobs) == 0 {
		return false
	}
	return int64(s.cfg.MaxBytes) > 0 && s.totalBytes+incoming > int64(s.cfg.MaxBytes)
}

func (s *Store) evictOldest() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	if data, ok := s.blobs[oldest]; ok {
		s.totalBytes -= int64(len(data))
		delete(s.blobs, oldest)
		s.logger.Debug("evicted payload from memory cache", zap.String("resource", oldest))
	}
}

func (s *Store) removeFromOrder(name string) {
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
