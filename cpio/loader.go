package cpio

import (
	"bytes"
	"fmt"

	"github.com/DeterminateSystems/nix-netboot-serve/nix"
)

// Loader returns the per-request archive holding the registration-import
// script: one nix-store --load-db line per closure member, in the order
// given. The caller passes the query tool's closure order, which is
// topologically valid for database import.
func Loader(storePaths []string) ([]byte, error) {
	var script bytes.Buffer
	script.WriteString("#!/bin/sh")
	for _, p := range storePaths {
		base, ok := nix.Basename(p)
		if !ok {
			return nil, fmt.Errorf("cpio: %s has no basename to load from", p)
		}
		script.WriteString("\nnix-store --load-db < /" + registrationDir + "/" + base)
	}

	var buf bytes.Buffer
	hdr := Header{
		Name:  dbDir + "/register",
		Mode:  0o100500,
		NLink: 1,
		Size:  uint32(script.Len()),
	}
	if err := NewWriter(&buf).WriteEntry(hdr, &script); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
