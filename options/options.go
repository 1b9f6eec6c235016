// Package options holds the daemon's command-line option set.
package options

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
)

// Defaults for the optional flags.
const (
	DefaultOpenFiles         = 50000
	DefaultMaxCpioCacheBytes = "5GiB"
	DefaultStoreDir          = "/nix/store"
)

// Options is the validated daemon configuration.
type Options struct {
	// ProfileDir is a directory of profile symlinks offered for booting.
	// Empty disables the profile dispatcher.
	ProfileDir string

	// ConfigDir is a directory of NixOS configuration directories. Empty
	// disables the configuration dispatcher.
	ConfigDir string

	// GCRootDir receives indirect GC-root symlinks for realised paths.
	GCRootDir string

	// CpioCacheDir holds the compressed archive segments.
	CpioCacheDir string

	// StoreDir is the store root that boot names resolve under.
	StoreDir string

	// Listen is the HOST:PORT the HTTP server binds.
	Listen string

	// OpenFiles is the requested RLIMIT_NOFILE soft limit.
	OpenFiles uint64

	// MaxCpioCacheBytes is the advisory cache size budget.
	MaxCpioCacheBytes int64
}

// ParseCacheSize accepts a human-readable byte size ("5GiB", "512MB",
// "1073741824").
func ParseCacheSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cache size %q: %w", s, err)
	}
	return n, nil
}

// Validate checks that required options are present and that every
// configured directory exists.
func (o *Options) Validate() error {
	if o.Listen == "" {
		return fmt.Errorf("--listen is required")
	}
	if o.GCRootDir == "" {
		return fmt.Errorf("--gc-root-dir is required")
	}
	if o.CpioCacheDir == "" {
		return fmt.Errorf("--cpio-cache-dir is required")
	}

	for _, dir := range []string{o.GCRootDir, o.CpioCacheDir, o.ProfileDir, o.ConfigDir} {
		if dir == "" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		if !info.IsDir() {
			return fmt.Errorf("not a directory: %s", dir)
		}
	}
	return nil
}
