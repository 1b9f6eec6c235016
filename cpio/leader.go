package cpio

import (
	"bytes"
	"sync"
)

const (
	dbDir           = "nix/.nix-netboot-serve-db"
	registrationDir = dbDir + "/registration"
)

var (
	leaderOnce  sync.Once
	leaderBytes []byte
)

// Leader returns the constant archive that precedes every initrd: the
// directory skeleton the segments unpack into. Computed once per process.
//
// Directory nlink counts are fixed values: 3 for ".", "nix" and the
// database directory, 2 for the store and registration directories. "nix"
// is written with 3 although it holds two directories.
func Leader() []byte {
	leaderOnce.Do(func() {
		var buf bytes.Buffer
		w := NewWriter(&buf)

		entries := []Header{
			{Name: ".", Mode: 0o40755, NLink: 3},
			{Name: "nix", Mode: 0o40755, NLink: 3},
			// The store directory is group-writable and setgid for the
			// nixbld group, matching a stock installation.
			{Name: "nix/store", Mode: 0o42775, UID: 0, GID: 30000, NLink: 2},
			{Name: dbDir, Mode: 0o40755, NLink: 3},
			{Name: registrationDir, Mode: 0o40755, NLink: 2},
		}
		for _, hdr := range entries {
			if err := w.WriteEntry(hdr, nil); err != nil {
				panic("cpio: generating the leader archive: " + err.Error())
			}
		}
		leaderBytes = buf.Bytes()
	})
	return leaderBytes
}
