package cpio

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/DeterminateSystems/nix-netboot-serve/nix"
)

// Archive entries describing a store path use a fixed identity and
// timestamp so rebuilding an unchanged tree is byte-for-byte reproducible.
const (
	treeUID   = 0
	treeGID   = 1
	treeMtime = 1
)

// WriteTree archives the subtree rooted at subDir, naming every entry
// relative to rootDir with a leading "." (a tree under "/" comes out as
// "./nix/store/..."). The walk visits directory children in filename order,
// so identical filesystem state yields identical bytes. Regular file bodies
// are the file contents, symlink bodies are the literal target, everything
// else is empty. No trailer is written.
func WriteTree(out io.Writer, rootDir, subDir string) error {
	rel, err := filepath.Rel(rootDir, subDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("cpio: %s lies outside archive root %s", subDir, rootDir)
	}

	w := NewWriter(out)
	return filepath.WalkDir(subDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("cpio: walking %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("cpio: stat %s: %w", path, err)
		}
		return writeTreeEntry(w, rootDir, path, info)
	})
}

func writeTreeEntry(w *Writer, rootDir, path string, info fs.FileInfo) error {
	rel, err := filepath.Rel(rootDir, path)
	if err != nil {
		return fmt.Errorf("cpio: naming %s: %w", path, err)
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("cpio: no stat data for %s", path)
	}

	hdr := Header{
		Name:  "./" + rel,
		Inode: uint32(st.Ino),
		Mode:  uint32(st.Mode),
		UID:   treeUID,
		GID:   treeGID,
		NLink: uint32(st.Nlink),
		Mtime: treeMtime,
	}

	switch info.Mode() & fs.ModeType {
	case 0:
		hdr.Size = uint32(st.Size)
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cpio: opening %s: %w", path, err)
		}
		defer f.Close()
		return w.WriteEntry(hdr, f)

	case fs.ModeSymlink:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("cpio: reading link %s: %w", path, err)
		}
		hdr.Size = uint32(len(target))
		return w.WriteEntry(hdr, strings.NewReader(target))

	default:
		return w.WriteEntry(hdr, nil)
	}
}

// WriteRegistration writes one entry carrying a store path's registration
// blob, placed where the boot-time import script expects it.
func WriteRegistration(out io.Writer, storePath string, blob []byte) error {
	base, ok := nix.Basename(storePath)
	if !ok {
		return fmt.Errorf("cpio: %s has no basename to register under", storePath)
	}
	hdr := Header{
		Name:  registrationDir + "/" + base,
		Mode:  0o100500,
		NLink: 1,
		Size:  uint32(len(blob)),
	}
	return NewWriter(out).WriteEntry(hdr, bytes.NewReader(blob))
}
