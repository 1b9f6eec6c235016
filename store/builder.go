package store

import (
	"context"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/DeterminateSystems/nix-netboot-serve/cpio"
	"github.com/DeterminateSystems/nix-netboot-serve/nix"
)

// compressionLevel is the zstd level segments are written at. Closures are
// built once and served many times, so we lean toward density.
const compressionLevel = 10

// build constructs the compressed archive for one store path and installs
// it in the cache directory under its final name. Partial output lives in a
// temp file in the same directory until the atomic rename; any failure
// removes it.
func (c *Cache) build(ctx context.Context, storePath string) (*Segment, error) {
	base, ok := nix.Basename(storePath)
	if !ok {
		return nil, &UncacheableError{Path: storePath}
	}
	finalFile := c.cacheFile(base)

	c.logger.Info("building archive",
		zap.String("store_path", storePath),
		zap.String("dest", finalFile))

	tmp, err := renameio.TempFile(c.dir, finalFile)
	if err != nil {
		return nil, &ArchiveError{Ctx: "creating a temporary file", Src: storePath, Dest: finalFile, Err: err}
	}
	defer tmp.Cleanup()

	// Single-goroutine encoding keeps rebuilds of an unchanged path
	// byte-identical.
	enc, err := zstd.NewWriter(tmp,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, &ArchiveError{Ctx: "instantiating the zstd encoder", Src: storePath, Dest: finalFile, Err: err}
	}

	if err := cpio.WriteTree(enc, "/", storePath); err != nil {
		enc.Close()
		return nil, &ArchiveError{Ctx: "archiving the store path", Src: storePath, Dest: finalFile, Err: err}
	}

	blob, err := c.nix.DumpRegistration(ctx, storePath)
	if err != nil {
		enc.Close()
		return nil, &RegistrationError{StorePath: storePath, Err: err}
	}
	if err := cpio.WriteRegistration(enc, storePath, blob); err != nil {
		enc.Close()
		return nil, &RegistrationError{StorePath: storePath, Err: err}
	}

	if err := enc.Close(); err != nil {
		return nil, &ArchiveError{Ctx: "finishing the zstd stream", Src: storePath, Dest: finalFile, Err: err}
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return nil, &ArchiveError{Ctx: "persisting the archive", Src: storePath, Dest: finalFile, Err: err}
	}

	seg, err := newSegment(storePath, finalFile)
	if err != nil {
		return nil, &ArchiveError{Ctx: "reopening the persisted archive", Src: storePath, Dest: finalFile, Err: err}
	}

	c.recordBuilt(base, seg)
	return seg, nil
}

// recordBuilt persists the segment's metadata and warns when the cache has
// grown past the advisory byte budget.
func (c *Cache) recordBuilt(base string, seg *Segment) {
	now := time.Now()
	err := c.meta.Put(base, SegmentRecord{
		StorePath:    seg.StorePath,
		Size:         seg.Size,
		BuiltAt:      now,
		LastServedAt: now,
	})
	if err != nil {
		// The archive itself is fine; the index will be reconciled on the
		// next startup.
		c.logger.Warn("recording segment metadata", zap.Error(err))
		return
	}

	if c.maxBytes > 0 {
		total, err := c.meta.TotalSize()
		if err == nil && total > c.maxBytes {
			c.logger.Warn("cpio cache exceeds the configured budget",
				zap.Int64("total_bytes", total),
				zap.Int64("budget_bytes", c.maxBytes))
		}
	}
}
