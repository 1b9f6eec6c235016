// Package nix wraps the Nix store CLI: closure queries, registration dumps,
// and realising installables under a GC root.
package nix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ToolError reports a store CLI invocation that could not be spawned, exited
// non-zero, or produced output we cannot use.
type ToolError struct {
	Argv   []string
	Stderr []byte
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("running %s: %v", strings.Join(e.Argv, " "), e.Err)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.TrimSpace(string(e.Stderr))
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Tool invokes the nix-store and nix-build binaries.
type Tool struct {
	storeBin string
	buildBin string
	logger   *zap.Logger
}

// NewTool locates the store binaries. The NIX_STORE_BIN and NIX_BUILD_BIN
// environment variables override PATH lookup.
func NewTool(logger *zap.Logger) (*Tool, error) {
	storeBin, err := findBinary("NIX_STORE_BIN", "nix-store")
	if err != nil {
		return nil, err
	}
	buildBin, err := findBinary("NIX_BUILD_BIN", "nix-build")
	if err != nil {
		return nil, err
	}

	return &Tool{
		storeBin: storeBin,
		buildBin: buildBin,
		logger:   logger,
	}, nil
}

func findBinary(envVar, name string) (string, error) {
	if bin := os.Getenv(envVar); bin != "" {
		return bin, nil
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("locating %s: %w", name, err)
	}
	return bin, nil
}

// ClosureOf returns the transitive closure of a store path, including the
// path itself, in the order the query tool reports it. That order is
// topologically valid for registration import and is never re-sorted here.
func (t *Tool) ClosureOf(ctx context.Context, storePath string) ([]string, error) {
	argv := []string{t.storeBin, "--query", "--requisites", storePath}
	stdout, err := t.run(ctx, argv)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) || !filepath.IsAbs(line) {
			return nil, &ToolError{
				Argv: argv,
				Err:  fmt.Errorf("query output %q is not a store path", line),
			}
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// DumpRegistration returns the registration metadata blob for one store
// path. The blob is opaque and embedded verbatim into the archive.
func (t *Tool) DumpRegistration(ctx context.Context, storePath string) ([]byte, error) {
	return t.run(ctx, []string{t.storeBin, "--dump-db", storePath})
}

// RealizePath builds (or substitutes) an installable and deposits an
// indirect GC root symlink named after the caller under gcRootDir. The bool
// reports whether the realisation succeeded; an error is only returned when
// the tool could not run at all.
func (t *Tool) RealizePath(ctx context.Context, name, installable, gcRootDir string) (bool, error) {
	// Two interleaving requests for the same name race on this symlink;
	// the closure can be GC'd out from under the slower one.
	symlink := filepath.Join(gcRootDir, name)

	cmd := exec.CommandContext(ctx, t.storeBin,
		"--realise", installable, "--add-root", symlink, "--indirect")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			t.logger.Warn("realising failed",
				zap.String("installable", installable),
				zap.String("stderr", strings.TrimSpace(stderr.String())))
			return false, nil
		}
		return false, &ToolError{Argv: cmd.Args, Stderr: stderr.Bytes(), Err: err}
	}
	return true, nil
}

// Build runs nix-build on a configuration file, leaving the result symlink
// at outLink. The bool reports whether the build succeeded.
func (t *Tool) Build(ctx context.Context, configPath, outLink string) (bool, error) {
	cmd := exec.CommandContext(ctx, t.buildBin, configPath, "--out-link", outLink)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			t.logger.Warn("nix-build failed",
				zap.String("config", configPath),
				zap.String("stderr", strings.TrimSpace(stderr.String())))
			return false, nil
		}
		return false, &ToolError{Argv: cmd.Args, Stderr: stderr.Bytes(), Err: err}
	}
	return true, nil
}

func (t *Tool) run(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &ToolError{Argv: argv, Stderr: stderr.Bytes(), Err: err}
	}
	return stdout.Bytes(), nil
}
