package server

import (
	"net/http"
	"net/url"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DeterminateSystems/nix-netboot-serve/nix"
)

// tuning extracts the iPXE command-line tuning parameters so dispatchers
// can forward them through the redirect.
func tuning(c *gin.Context) url.Values {
	v := url.Values{}
	for _, key := range []string{"cmdline_prefix_args", "cmdline_suffix_args"} {
		if val, ok := c.GetQuery(key); ok {
			v.Set(key, val)
		}
	}
	return v
}

// redirectSymlinkToBoot resolves a result symlink and redirects to the boot
// script for the store path behind it.
func (s *Server) redirectSymlinkToBoot(c *gin.Context, symlink string) {
	target, err := os.Readlink(symlink)
	if err != nil {
		s.log(c).Warn("reading the dispatch symlink failed",
			zap.String("symlink", symlink),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}

	s.log(c).Debug("resolved symlink",
		zap.String("symlink", symlink),
		zap.String("target", target))
	s.redirectToBootStorePath(c, target)
}

// redirectToBootStorePath sends the client to /boot/<basename>/netboot.ipxe
// for an existing store path.
func (s *Server) redirectToBootStorePath(c *gin.Context, storePath string) {
	if _, err := os.Stat(storePath); err != nil {
		s.log(c).Warn("store path does not exist", zap.String("store_path", storePath))
		s.abortWith(c, err)
		return
	}

	base, ok := nix.Basename(storePath)
	if !ok {
		s.log(c).Error("store path has no final component",
			zap.String("store_path", storePath))
		s.abortWith(c, os.ErrNotExist)
		return
	}

	location := "/boot/" + base + "/netboot.ipxe"
	if params := tuning(c); len(params) > 0 {
		location += "?" + params.Encode()
	}
	c.Redirect(http.StatusFound, location)
}
