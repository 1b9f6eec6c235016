package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DeterminateSystems/nix-netboot-serve/options"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeStreamer struct {
	data []byte
	err  error
}

func (f *fakeStreamer) Stream(_ context.Context, _ string) (int64, io.ReadCloser, error) {
	if f.err != nil {
		return 0, nil, f.err
	}
	return int64(len(f.data)), io.NopCloser(bytes.NewReader(f.data)), nil
}

type fakeTool struct {
	buildOK   bool
	realizeOK bool
}

func (f *fakeTool) RealizePath(_ context.Context, _, _, _ string) (bool, error) {
	return f.realizeOK, nil
}

func (f *fakeTool) Build(_ context.Context, _, outLink string) (bool, error) {
	return f.buildOK, nil
}

type testEnv struct {
	srv    *Server
	router *gin.Engine
	opts   *options.Options
}

func newTestEnv(t *testing.T, streamer *fakeStreamer, tool *fakeTool) *testEnv {
	t.Helper()

	opts := &options.Options{
		StoreDir:     t.TempDir(),
		GCRootDir:    t.TempDir(),
		CpioCacheDir: t.TempDir(),
		Listen:       "127.0.0.1:0",
	}
	srv := New(opts, zap.NewNop(), streamer, tool)
	return &testEnv{srv: srv, router: srv.Router(), opts: opts}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRootBanner(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	w := env.get(t, "/")
	if w.Code != http.StatusOK || w.Body.String() != "nix-netboot-serve" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestServeIPXE(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	gen := filepath.Join(env.opts.StoreDir, "abc123-system")
	if err := os.Mkdir(gen, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gen, "kernel-params"), []byte("console=ttyS0 loglevel=4"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/boot/abc123-system/netboot.ipxe")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "#!ipxe\n") {
		t.Errorf("script does not start with #!ipxe:\n%s", body)
	}
	if !strings.Contains(body, "rdinit="+filepath.Join(gen, "init")) {
		t.Errorf("script is missing rdinit:\n%s", body)
	}
	if !strings.Contains(body, "console=ttyS0 loglevel=4") {
		t.Errorf("script is missing the stored kernel parameters:\n%s", body)
	}
	if !strings.Contains(body, "initrd initrd\nboot\n") {
		t.Errorf("script is missing the initrd/boot lines:\n%s", body)
	}
}

func TestServeIPXETuning(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	gen := filepath.Join(env.opts.StoreDir, "abc123-system")
	if err := os.Mkdir(gen, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gen, "kernel-params"), []byte("stored"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/boot/abc123-system/netboot.ipxe?cmdline_prefix_args=pre%3D1&cmdline_suffix_args=post%3D2")
	body := w.Body.String()
	if !strings.Contains(body, "pre=1 stored post=2") {
		t.Errorf("tuning parameters not spliced around stored params:\n%s", body)
	}
}

func TestServeIPXEMissingParams(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	if w := env.get(t, "/boot/nope/netboot.ipxe"); w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestServeKernel(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	gen := filepath.Join(env.opts.StoreDir, "abc123-system")
	if err := os.Mkdir(gen, 0o755); err != nil {
		t.Fatal(err)
	}
	kernel := []byte("ELF pretend-kernel")
	if err := os.WriteFile(filepath.Join(gen, "kernel"), kernel, 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/boot/abc123-system/bzImage")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), kernel) {
		t.Error("kernel bytes mismatch")
	}

	if w := env.get(t, "/boot/missing/bzImage"); w.Code != http.StatusNotFound {
		t.Fatalf("missing kernel: got status %d, want 404", w.Code)
	}
}

func TestServeInitrd(t *testing.T) {
	payload := []byte("leader loader segments")
	env := newTestEnv(t, &fakeStreamer{data: payload}, &fakeTool{})
	if err := os.Mkdir(filepath.Join(env.opts.StoreDir, "abc123-system"), 0o755); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/boot/abc123-system/initrd")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", got, len(payload))
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Error("initrd bytes mismatch")
	}
}

func TestServeInitrdHead(t *testing.T) {
	payload := []byte("leader loader segments")
	env := newTestEnv(t, &fakeStreamer{data: payload}, &fakeTool{})
	if err := os.Mkdir(filepath.Join(env.opts.StoreDir, "abc123-system"), 0o755); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/boot/abc123-system/initrd", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", got, len(payload))
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD yielded %d body bytes", w.Body.Len())
	}
}

func TestServeInitrdMissingStorePath(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{data: []byte("x")}, &fakeTool{})
	if w := env.get(t, "/boot/never-built/initrd"); w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestProfileDispatch(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	env.opts.ProfileDir = t.TempDir()

	gen := filepath.Join(env.opts.StoreDir, "abc123-system")
	if err := os.Mkdir(gen, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(gen, filepath.Join(env.opts.ProfileDir, "router")); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/dispatch/profile/router")
	if w.Code != http.StatusFound {
		t.Fatalf("got status %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/boot/abc123-system/netboot.ipxe" {
		t.Errorf("Location = %q", loc)
	}
}

func TestProfileDispatchForwardsTuning(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	env.opts.ProfileDir = t.TempDir()

	gen := filepath.Join(env.opts.StoreDir, "abc123-system")
	if err := os.Mkdir(gen, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(gen, filepath.Join(env.opts.ProfileDir, "router")); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/dispatch/profile/router?cmdline_prefix_args=quiet")
	if loc := w.Header().Get("Location"); !strings.Contains(loc, "cmdline_prefix_args=quiet") {
		t.Errorf("tuning not forwarded in Location: %q", loc)
	}
}

func TestProfileDispatchDisabled(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	if w := env.get(t, "/dispatch/profile/router"); w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestProfileDispatchDanglingSymlink(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	env.opts.ProfileDir = t.TempDir()
	if err := os.Symlink("/nowhere/at/all", filepath.Join(env.opts.ProfileDir, "router")); err != nil {
		t.Fatal(err)
	}
	if w := env.get(t, "/dispatch/profile/router"); w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestConfigurationDispatchDisabled(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	if w := env.get(t, "/dispatch/configuration/router"); w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", w.Code)
	}
}

func TestConfigurationDispatchBuildFailure(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{buildOK: false})
	env.opts.ConfigDir = t.TempDir()

	confDir := filepath.Join(env.opts.ConfigDir, "router")
	if err := os.Mkdir(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "default.nix"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/dispatch/configuration/router")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want the retry script with 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "chain /dispatch/configuration/router") {
		t.Errorf("retry script missing the chain line:\n%s", body)
	}
}

func TestConfigurationDispatchSuccess(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{buildOK: true})
	env.opts.ConfigDir = t.TempDir()

	confDir := filepath.Join(env.opts.ConfigDir, "router")
	if err := os.Mkdir(confDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "default.nix"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The fake tool does not create the out-link, so stand one up the way
	// a successful build would have.
	gen := filepath.Join(env.opts.StoreDir, "abc123-system")
	if err := os.Mkdir(gen, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(gen, filepath.Join(env.opts.GCRootDir, "router")); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/dispatch/configuration/router")
	if w.Code != http.StatusFound {
		t.Fatalf("got status %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/boot/abc123-system/netboot.ipxe" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, &fakeTool{})
	w := env.get(t, "/")
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("response is missing X-Request-Id")
	}
}
