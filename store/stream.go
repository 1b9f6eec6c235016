package store

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DeterminateSystems/nix-netboot-serve/cpio"
)

// ClosureSource enumerates the transitive closure of a store path. *nix.Tool
// is the production implementation.
type ClosureSource interface {
	ClosureOf(ctx context.Context, storePath string) ([]string, error)
}

// Streamer assembles whole-closure initrd bodies out of cached segments.
type Streamer struct {
	cache  *Cache
	nix    ClosureSource
	logger *zap.Logger
}

func NewStreamer(cache *Cache, nix ClosureSource, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{cache: cache, nix: nix, logger: logger}
}

// Stream returns the exact byte length of the initrd for rootPath's closure
// and a body that yields those bytes: the leader archive, the
// registration-loader archive, then every member's segment sorted by store
// path. Segment files are opened lazily as the body reaches them and closed
// once drained.
func (s *Streamer) Stream(ctx context.Context, rootPath string) (int64, io.ReadCloser, error) {
	paths, err := s.nix.ClosureOf(ctx, rootPath)
	if err != nil {
		return 0, nil, err
	}

	segments := make([]*Segment, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			seg, err := s.cache.Acquire(gctx, p)
			if err != nil {
				return err
			}
			segments[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	// Segment bytes are emitted in store-path order for reproducible
	// output; the loader script keeps the closure (query) order, which is
	// what database import needs.
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].StorePath < segments[j].StorePath
	})

	loader, err := cpio.Loader(paths)
	if err != nil {
		return 0, nil, err
	}
	leader := cpio.Leader()

	total := int64(len(leader)) + int64(len(loader))
	for _, seg := range segments {
		if seg.Size > math.MaxInt64-total {
			// Serving a mis-framed response would corrupt every boot; die
			// instead.
			panic("initrd size computation overflowed")
		}
		total += seg.Size
	}

	s.logger.Info("streaming closure",
		zap.String("root", rootPath),
		zap.Int("paths", len(paths)),
		zap.Int64("bytes", total))

	return total, newClosureBody(leader, loader, segments), nil
}

// closureBody concatenates the leader, the loader, and each segment file.
// At most one underlying reader is open at any moment.
type closureBody struct {
	pending []func() (io.ReadCloser, error)
	cur     io.ReadCloser
	closed  bool
}

func newClosureBody(leader, loader []byte, segments []*Segment) *closureBody {
	pending := make([]func() (io.ReadCloser, error), 0, len(segments)+2)
	for _, chunk := range [][]byte{leader, loader} {
		pending = append(pending, func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(chunk)), nil
		})
	}
	for _, seg := range segments {
		pending = append(pending, seg.Open)
	}
	return &closureBody{pending: pending}
}

func (b *closureBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, fs.ErrClosed
	}
	for {
		if b.cur == nil {
			if len(b.pending) == 0 {
				return 0, io.EOF
			}
			next := b.pending[0]
			b.pending = b.pending[1:]
			rc, err := next()
			if err != nil {
				return 0, err
			}
			b.cur = rc
		}

		n, err := b.cur.Read(p)
		if err == io.EOF {
			closeErr := b.cur.Close()
			b.cur = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close releases whichever reader is currently open. Safe to call after a
// partial drain (client disconnect).
func (b *closureBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.pending = nil
	if b.cur != nil {
		err := b.cur.Close()
		b.cur = nil
		return err
	}
	return nil
}
