package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

const blobExt = ".blob"

// Store implements tier.CacheStore using a local directory. Each payload is
// one file named after its resource.
type Store struct {
	mu         sync.RWMutex
	cfg        config.FileCacheConfig
	dataDir    string
	totalBytes int64
	blobCount  int64
	logger     *zap.Logger
}

// NewStore creates the data directory if needed and accounts for any blobs
// left by a previous run.
func NewStore(cfg config.FileCacheConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("file cache: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	s := &Store{
		cfg:     cfg,
		dataDir: cfg.DataDir,
		logger:  logger,
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("scanning data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.totalBytes += info.Size()
		s.blobCount++
	}
	if s.blobCount > 0 {
		s.logger.Info("found cached payloads",
			zap.Int64("count", s.blobCount),
			zap.Int64("bytes", s.totalBytes),
		)
	}
	return nil
}

func (s *Store) blobPath(name string) string {
	return filepath.Join(s.dataDir, name+blobExt)
}

func (s *Store) Put(_ context.Context, name string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.dataDir, name+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing payload file: %w", err)
	}

	var oldSize int64
	if info, err := os.Stat(s.blobPath(name)); err == nil {
		oldSize = info.Size()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if max := int64(s.cfg.MaxBytes); max > 0 && s.totalBytes-oldSize+n > max {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("file cache full: %d of %d bytes used, %d more needed", s.totalBytes, max, n)
	}

	dst := s.blobPath(name)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming payload file: %w", err)
	}

	s.totalBytes += n - oldSize
	if oldSize == 0 {
		s.blobCount++
	}

	s.logger.Debug("payload stored on disk",
		zap.String("resource", name),
		zap.String("path", dst),
		zap.Int64("size", n),
	)

	return n, nil
}

func (s *Store) Get(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.blobPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s not in file cache", types.ErrNotFound, name)
		}
		return nil, 0, fmt.Errorf("opening payload file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	path := s.blobPath(name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing payload file: %w", err)
	}

	s.mu.Lock()
	s.totalBytes -= info.Size()
	s.blobCount--
	s.mu.Unlock()

	return nil
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.blobPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Stats(_ context.Context) (tier.CacheStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tier.CacheStats{
		Backend:    config.CacheBackendFile,
		EntryCount: s.blobCount,
		TotalBytes: s.totalBytes,
	}, nil
}

func (s *Store) Close() error {
	return nil
}
