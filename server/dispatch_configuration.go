package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// serveConfiguration builds a NixOS configuration on demand and boots the
// result. A failed build answers with an iPXE menu that retries, so a
// machine stuck in a boot loop keeps polling until the configuration is
// fixed.
func (s *Server) serveConfiguration(c *gin.Context) {
	if s.opts.ConfigDir == "" {
		s.featureDisabled(c, "Configuration booting is not configured on this server.")
		return
	}

	name := c.Param("name")
	config := filepath.Join(s.opts.ConfigDir, name, "default.nix")

	info, err := os.Stat(config)
	if err != nil || info.IsDir() {
		s.log(c).Warn("configuration does not resolve to a file",
			zap.String("name", name),
			zap.String("config", config))
		s.abortWith(c, os.ErrNotExist)
		return
	}

	// Two clients booting the same name race on this out-link; the last
	// build wins, which is acceptable because both asked for the same
	// configuration.
	symlink := filepath.Join(s.opts.GCRootDir, name)

	ok, err := s.tool.Build(c.Request.Context(), config, symlink)
	if err != nil {
		s.log(c).Warn("nix-build failed at some fundamental level",
			zap.String("config", config),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}
	if !ok {
		c.String(http.StatusOK, fmt.Sprintf(`#!ipxe

echo Failed to render the configuration.
echo Will retry in 5s, press enter to retry immediately.

menu Failed to render the configuration. Will retry in 5s, or press enter to retry immediately.
item gonow Retry now
choose --default gonow --timeout 5000 shouldwedoit

chain /dispatch/configuration/%s`, name))
		return
	}

	s.redirectSymlinkToBoot(c, symlink)
}
