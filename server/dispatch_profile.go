package server

import (
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// serveProfile boots a pre-built profile: the profile directory's symlink
// already points at a store path.
func (s *Server) serveProfile(c *gin.Context) {
	if s.opts.ProfileDir == "" {
		s.featureDisabled(c, "Profile booting is not configured on this server.")
		return
	}

	symlink := filepath.Join(s.opts.ProfileDir, c.Param("name"))
	s.redirectSymlinkToBoot(c, symlink)
}
