// Package nofiles raises the open-files soft limit so one large closure's
// worth of cache files and sockets cannot exhaust the default.
package nofiles

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Raise lifts RLIMIT_NOFILE's soft limit to the requested value, capped at
// the hard limit. A soft limit already above the request is left alone.
func Raise(limit uint64, logger *zap.Logger) error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("reading RLIMIT_NOFILE: %w", err)
	}

	if rl.Cur > limit {
		logger.Info("not lowering the open-files limit",
			zap.Uint64("current", rl.Cur),
			zap.Uint64("requested", limit))
		return nil
	}

	target := limit
	if limit > rl.Max {
		logger.Info("capping open-files at the hard limit",
			zap.Uint64("requested", limit),
			zap.Uint64("hard", rl.Max))
		target = rl.Max
	}

	if target == rl.Cur {
		return nil
	}

	logger.Info("raising open-files limit",
		zap.Uint64("soft", target),
		zap.Uint64("hard", rl.Max))
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: target, Max: rl.Max}); err != nil {
		return fmt.Errorf("setting RLIMIT_NOFILE to %d: %w", target, err)
	}
	return nil
}
