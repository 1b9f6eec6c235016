package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DeterminateSystems/nix-netboot-serve/nix"
)

// Registrar dumps registration metadata for store paths. *nix.Tool is the
// production implementation.
type Registrar interface {
	DumpRegistration(ctx context.Context, storePath string) ([]byte, error)
}

// Cache is the two-tier (memory, then disk) segment cache. Concurrent
// requests for an uncached path share a single build.
type Cache struct {
	dir      string
	nix      Registrar
	logger   *zap.Logger
	maxBytes int64

	mu    sync.RWMutex
	index map[string]*Segment

	group singleflight.Group
	meta  *MetadataStore
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Dir is the writable directory holding <basename>.cpio.zstd files.
	Dir string

	// Nix dumps registration blobs during builds.
	Nix Registrar

	// MaxBytes is the advisory cache budget; 0 disables the accounting.
	MaxBytes int64

	Logger *zap.Logger
}

// NewCache opens the cache over an existing directory and warms the memory
// index from the metadata database.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.Nix == nil {
		return nil, fmt.Errorf("a registrar is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	meta, err := OpenMetadataStore(cfg.Dir)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		dir:      cfg.Dir,
		nix:      cfg.Nix,
		logger:   logger,
		maxBytes: cfg.MaxBytes,
		index:    make(map[string]*Segment),
		meta:     meta,
	}
	if err := c.warm(); err != nil {
		meta.Close()
		return nil, fmt.Errorf("warming the segment index: %w", err)
	}
	return c, nil
}

// warm primes the memory index from the metadata database, dropping records
// whose cache file has vanished.
func (c *Cache) warm() error {
	var stale []string
	err := c.meta.ForEach(func(base string, rec SegmentRecord) error {
		info, err := os.Stat(c.cacheFile(base))
		if err != nil || info.Size() != rec.Size {
			stale = append(stale, base)
			return nil
		}
		c.index[rec.StorePath] = &Segment{
			StorePath: rec.StorePath,
			CacheFile: c.cacheFile(base),
			Size:      rec.Size,
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, base := range stale {
		if err := c.meta.Delete(base); err != nil {
			return err
		}
	}
	if len(c.index) > 0 || len(stale) > 0 {
		c.logger.Info("warmed segment index",
			zap.Int("segments", len(c.index)),
			zap.Int("stale_records", len(stale)))
	}
	return nil
}

// Acquire returns the segment for a store path, building it if neither the
// memory index nor the cache directory has it. At most one build runs per
// basename at any time; every concurrent caller shares its outcome. Build
// failures are not cached.
func (c *Cache) Acquire(ctx context.Context, storePath string) (*Segment, error) {
	if seg := c.lookup(storePath); seg != nil {
		c.logger.Debug("segment memory hit", zap.String("store_path", storePath))
		return seg, nil
	}

	base, ok := nix.Basename(storePath)
	if !ok {
		return nil, &UncacheableError{Path: storePath}
	}

	// A client disconnect must not abort the build: the result is
	// deterministic and every future request wants it.
	buildCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(base, func() (interface{}, error) {
		if seg := c.lookup(storePath); seg != nil {
			return seg, nil
		}
		if seg, err := newSegment(storePath, c.cacheFile(base)); err == nil {
			c.logger.Debug("segment disk hit", zap.String("store_path", storePath))
			c.insert(seg)
			if err := c.meta.Touch(base, time.Now()); err != nil {
				c.logger.Warn("touching segment metadata", zap.Error(err))
			}
			return seg, nil
		}

		seg, err := c.build(buildCtx, storePath)
		if err != nil {
			c.logger.Warn("archive build failed",
				zap.String("store_path", storePath),
				zap.Error(err))
			return nil, err
		}
		c.insert(seg)
		return seg, nil
	})
	if err != nil {
		return nil, err
	}
	return detach(v.(*Segment)), nil
}

// lookup returns a detached copy from the memory index, or nil.
func (c *Cache) lookup(storePath string) *Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if seg, ok := c.index[storePath]; ok {
		return detach(seg)
	}
	return nil
}

func (c *Cache) insert(seg *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[seg.StorePath] = detach(seg)
}

// detach copies the descriptive fields of a segment; copies never share
// file handles.
func detach(seg *Segment) *Segment {
	return &Segment{
		StorePath: seg.StorePath,
		CacheFile: seg.CacheFile,
		Size:      seg.Size,
	}
}

func (c *Cache) cacheFile(base string) string {
	return filepath.Join(c.dir, base+".cpio.zstd")
}

// Close releases the metadata database.
func (c *Cache) Close() error {
	return c.meta.Close()
}
