// Package transfer implements the payload stage of migration jobs.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gftdcojp/model-tiers/internal/lifecycle"
	"github.com/gftdcojp/model-tiers/internal/tier"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

const defaultChunkSize = 4 * 1024 * 1024

// Disk streams resource payloads from their source files or from the cache.
// Tier moves (promote, demote) are accounting-only; a Load reads the whole
// payload and verifies its checksum, and an Unload to cache copies it into
// the cache backend. A resource without a source is cached as a small
// marker entry.
type Disk struct {
	Cache     tier.CacheStore // optional
	ChunkSize int
	Logger    *zap.Logger
}

var (
	_ lifecycle.Transfer  = (*Disk)(nil)
	_ lifecycle.Validator = (*Disk)(nil)
)

// Validate checks that the payload the request will read exists.
func (d *Disk) Validate(ctx context.Context, req lifecycle.TransferRequest) error {
	switch {
	case req.Op == types.OpLoad && req.FromCache:
		if d.Cache == nil {
			return fmt.Errorf("%w: no cache backend", types.ErrRejected)
		}
		ok, err := d.Cache.Exists(ctx, req.Spec.Name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: cached payload for %s", types.ErrNotFound, req.Spec.Name)
		}
	case req.Op == types.OpLoad, req.Op == types.OpUnload && req.ToCache:
		if req.Op == types.OpUnload && d.Cache == nil {
			return fmt.Errorf("%w: no cache backend", types.ErrRejected)
		}
		if req.Spec.Source == "" {
			return nil
		}
		if _, err := os.Stat(req.Spec.Source); err != nil {
			return fmt.Errorf("payload source for %s: %w", req.Spec.Name, err)
		}
	}
	return nil
}

func (d *Disk) Run(ctx context.Context, req lifecycle.TransferRequest, progress func(float64)) error {
	switch req.Op {
	case types.OpLoad:
		return d.load(ctx, req, progress)
	case types.OpUnload:
		if !req.ToCache {
			progress(1)
			return nil
		}
		return d.unloadToCache(ctx, req, progress)
	default:
		progress(1)
		return nil
	}
}

func (d *Disk) load(ctx context.Context, req lifecycle.TransferRequest, progress func(float64)) error {
	var (
		rc   io.ReadCloser
		size = req.Spec.SizeBytes
		err  error
	)
	switch {
	case req.FromCache && req.Spec.Source == "":
		return d.loadMarker(ctx, req, progress)
	case req.FromCache:
		var n int64
		rc, n, err = d.Cache.Get(ctx, req.Spec.Name)
		if err != nil {
			return fmt.Errorf("reading cached payload: %w", err)
		}
		if n > 0 {
			size = n
		}
	case req.Spec.Source != "":
		f, err := os.Open(req.Spec.Source)
		if err != nil {
			return fmt.Errorf("opening payload: %w", err)
		}
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		rc = f
	default:
		progress(1)
		return nil
	}
	defer rc.Close()

	h := sha256.New()
	n, err := d.copy(ctx, h, rc, size, progress)
	if err != nil {
		return fmt.Errorf("reading payload of %s: %w", req.Spec.Name, err)
	}
	if want := strings.ToLower(req.Spec.Checksum); want != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return fmt.Errorf("checksum mismatch for %s: got %s, want %s", req.Spec.Name, got, want)
		}
	}
	d.logger().Debug("payload loaded",
		zap.String("resource", req.Spec.Name),
		zap.Bool("from_cache", req.FromCache),
		zap.Int64("bytes", n),
	)
	return nil
}

func (d *Disk) unloadToCache(ctx context.Context, req lifecycle.TransferRequest, progress func(float64)) error {
	if d.Cache == nil {
		return fmt.Errorf("%w: no cache backend", types.ErrRejected)
	}
	if req.Spec.Source == "" {
		n, err := d.Cache.Put(ctx, req.Spec.Name, strings.NewReader(marker(req.Spec)))
		if err != nil {
			return fmt.Errorf("caching marker of %s: %w", req.Spec.Name, err)
		}
		progress(1)
		d.logger().Debug("marker cached", zap.String("resource", req.Spec.Name), zap.Int64("bytes", n))
		return nil
	}
	f, err := os.Open(req.Spec.Source)
	if err != nil {
		return fmt.Errorf("opening payload: %w", err)
	}
	defer f.Close()

	size := req.Spec.SizeBytes
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := d.copy(ctx, pw, f, size, progress)
		pw.CloseWithError(err)
	}()

	n, err := d.Cache.Put(ctx, req.Spec.Name, pr)
	pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("caching payload of %s: %w", req.Spec.Name, err)
	}
	d.logger().Debug("payload cached",
		zap.String("resource", req.Spec.Name),
		zap.Int64("bytes", n),
	)
	return nil
}

// marker is the cache entry of a resource without a payload source.
func marker(spec types.ResourceSpec) string {
	return fmt.Sprintf("model-tiers marker %s %d\n", spec.Name, spec.SizeBytes)
}

func (d *Disk) loadMarker(ctx context.Context, req lifecycle.TransferRequest, progress func(float64)) error {
	rc, _, err := d.Cache.Get(ctx, req.Spec.Name)
	if err != nil {
		return fmt.Errorf("reading cached marker: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Errorf("reading cached marker of %s: %w", req.Spec.Name, err)
	}
	if string(data) != marker(req.Spec) {
		return fmt.Errorf("cached entry for %s is not a marker for this resource", req.Spec.Name)
	}
	progress(1)
	return nil
}

// copy moves src to dst in chunks, reporting progress against size.
func (d *Disk) copy(ctx context.Context, dst io.Writer, src io.Reader, size int64, progress func(float64)) (int64, error) {
	chunk := d.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	buf := make([]byte, chunk)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if size > 0 {
				progress(min(float64(total)/float64(size), 1))
			}
		}
		if errors.Is(err, io.EOF) {
			progress(1)
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (d *Disk) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
