package server

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// serveHydra boots the latest successful build of a Hydra job: look up the
// job's "out" output, realise it locally under a GC root, and redirect to
// its boot script.
func (s *Server) serveHydra(c *gin.Context) {
	server := c.Param("server")
	project := c.Param("project")
	jobset := c.Param("jobset")
	jobName := c.Param("job")

	job, err := s.hydra.LatestJob(c.Request.Context(), server, project, jobset, jobName)
	if err != nil {
		s.log(c).Warn("getting the latest job failed",
			zap.String("server", server),
			zap.String("project", project),
			zap.String("jobset", jobset),
			zap.String("job", jobName),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}

	output, ok := job.BuildOutputs["out"]
	if !ok {
		s.log(c).Warn("job has no out output", zap.String("job", jobName))
		s.abortWith(c, os.ErrNotExist)
		return
	}

	rootName := fmt.Sprintf("%s-%s-%s-%s", server, project, jobset, jobName)
	realised, err := s.tool.RealizePath(c.Request.Context(), rootName, output.Path, s.opts.GCRootDir)
	if err != nil {
		s.log(c).Warn("realising the job output failed",
			zap.String("output", output.Path),
			zap.Error(err))
		s.abortWith(c, err)
		return
	}
	if !realised {
		s.log(c).Warn("failed to realise output",
			zap.String("output", output.Path),
			zap.String("job", jobName))
		s.abortWith(c, os.ErrNotExist)
		return
	}

	s.redirectToBootStorePath(c, output.Path)
}
