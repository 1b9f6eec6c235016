package nix

import "path/filepath"

// Basename returns the final normal component of a store path. The second
// return value is false when the path has no such component (e.g. "/" or
// "."), in which case the path cannot name a cache entry.
func Basename(path string) (string, bool) {
	base := filepath.Base(filepath.Clean(path))
	switch base {
	case "/", ".", "..", "":
		return "", false
	}
	return base, true
}
