package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Segment is one store path's compressed archive in the on-disk cache. The
// cache hands out detached copies; file handles are opened lazily by the
// streaming producer and are never shared between copies.
type Segment struct {
	// StorePath is the source path this segment describes.
	StorePath string

	// CacheFile is the absolute path of the compressed archive.
	CacheFile string

	// Size is the exact on-disk length in bytes.
	Size int64
}

// newSegment stats the cache file and builds a Segment around it. A zero
// size is rejected so a truncated cache file is rebuilt instead of served.
func newSegment(storePath, cacheFile string) (*Segment, error) {
	info, err := os.Stat(cacheFile)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("cached archive %s is empty", cacheFile)
	}
	return &Segment{
		StorePath: storePath,
		CacheFile: cacheFile,
		Size:      info.Size(),
	}, nil
}

// Open returns a buffered reader over the segment's bytes. The caller
// closes it when drained; nothing is held open between requests.
func (s *Segment) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.CacheFile)
	if err != nil {
		return nil, err
	}
	return &segmentReader{
		Reader: bufio.NewReaderSize(f, 64*1024),
		file:   f,
	}, nil
}

type segmentReader struct {
	*bufio.Reader
	file *os.File
}

func (r *segmentReader) Close() error {
	return r.file.Close()
}
