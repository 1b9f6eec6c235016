// Package server is the HTTP surface: boot scripts, kernels, initrds, and
// the dispatchers that turn friendlier names into store paths.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeterminateSystems/nix-netboot-serve/options"
	"github.com/DeterminateSystems/nix-netboot-serve/store"
)

const requestIDKey = "request_id"

// InitrdStreamer produces whole-closure initrd bodies. *store.Streamer is
// the production implementation.
type InitrdStreamer interface {
	Stream(ctx context.Context, rootPath string) (int64, io.ReadCloser, error)
}

// StoreTool is the slice of the nix CLI the dispatchers need.
type StoreTool interface {
	RealizePath(ctx context.Context, name, installable, gcRootDir string) (bool, error)
	Build(ctx context.Context, configPath, outLink string) (bool, error)
}

// Server wires the core subsystems to the HTTP routes.
type Server struct {
	opts     *options.Options
	logger   *zap.Logger
	streamer InitrdStreamer
	tool     StoreTool
	hydra    *HydraClient
}

func New(opts *options.Options, logger *zap.Logger, streamer InitrdStreamer, tool StoreTool) *Server {
	return &Server{
		opts:     opts,
		logger:   logger,
		streamer: streamer,
		tool:     tool,
		hydra:    NewHydraClient(),
	}
}

// Router builds the gin engine with logging, recovery, and all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestID())
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "nix-netboot-serve")
	})

	r.GET("/boot/:name/netboot.ipxe", s.serveIPXE)
	r.GET("/boot/:name/bzImage", s.serveKernel)
	r.GET("/boot/:name/initrd", s.serveInitrd)
	r.HEAD("/boot/:name/initrd", s.serveInitrd)

	r.GET("/dispatch/profile/:name", s.serveProfile)
	r.GET("/dispatch/configuration/:name", s.serveConfiguration)
	r.GET("/dispatch/hydra/:server/:project/:jobset/:job", s.serveHydra)

	return r
}

// requestID tags every request and response for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// log returns the server logger annotated with the request id.
func (s *Server) log(c *gin.Context) *zap.Logger {
	return s.logger.With(zap.String("request_id", c.GetString(requestIDKey)))
}

// abortWith maps core errors onto HTTP statuses: missing or unnameable
// store paths are the client's problem, everything else is ours.
func (s *Server) abortWith(c *gin.Context, err error) {
	var uncacheable *store.UncacheableError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, os.ErrNotExist),
		errors.As(err, &uncacheable):
		c.String(http.StatusNotFound, "not found")
	default:
		c.String(http.StatusInternalServerError, "internal error")
	}
	c.Abort()
}

// featureDisabled rejects a dispatcher that the operator has not
// configured; from the client's perspective the path does not exist here.
func (s *Server) featureDisabled(c *gin.Context, msg string) {
	c.String(http.StatusNotFound, msg)
	c.Abort()
}
