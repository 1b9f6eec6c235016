package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// serveIPXE renders the boot script for one generation, splicing the
// generation's stored kernel parameters (and any request tuning) onto the
// kernel line.
func (s *Server) serveIPXE(c *gin.Context) {
	name := c.Param("name")
	generation := filepath.Join(s.opts.StoreDir, name)
	paramsFile := filepath.Join(generation, "kernel-params")
	init := filepath.Join(generation, "init")

	s.log(c).Info("sending netboot.ipxe", zap.String("name", name))

	params, err := os.ReadFile(paramsFile)
	if err != nil {
		s.log(c).Warn("failed to load the generation's kernel parameters",
			zap.String("file", paramsFile),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}

	script := fmt.Sprintf(`#!ipxe
echo Booting NixOS closure %s. Note: initrd may stay pre-0%% for a minute or two.


kernel bzImage rdinit=%s %s %s %s
initrd initrd
boot
`,
		name,
		init,
		c.Query("cmdline_prefix_args"),
		string(params),
		c.Query("cmdline_suffix_args"),
	)

	c.String(http.StatusOK, script)
}

// serveKernel streams the generation's kernel image.
func (s *Server) serveKernel(c *gin.Context) {
	kernel := filepath.Join(s.opts.StoreDir, c.Param("name"), "kernel")
	s.log(c).Info("sending kernel", zap.String("kernel", kernel))

	if _, err := os.Stat(kernel); err != nil {
		s.log(c).Warn("failed to serve the kernel",
			zap.String("kernel", kernel),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}
	c.File(kernel)
}

// serveInitrd streams the whole-closure archive with its exact length. HEAD
// answers with the length alone.
func (s *Server) serveInitrd(c *gin.Context) {
	name := c.Param("name")
	storePath := filepath.Join(s.opts.StoreDir, name)
	s.log(c).Info("sending closure", zap.String("store_path", storePath))

	if _, err := os.Stat(storePath); err != nil {
		s.log(c).Warn("store path does not exist", zap.String("store_path", storePath))
		s.abortWith(c, err)
		return
	}

	total, body, err := s.streamer.Stream(c.Request.Context(), storePath)
	if err != nil {
		s.log(c).Warn("error streaming the closure",
			zap.String("store_path", storePath),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}

	if c.Request.Method == http.MethodHead {
		body.Close()
		c.Header("Content-Length", strconv.FormatInt(total, 10))
		c.Status(http.StatusOK)
		return
	}

	defer body.Close()
	c.DataFromReader(http.StatusOK, total, "application/octet-stream", body, nil)
}
