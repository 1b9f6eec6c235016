// Command nix-netboot-serve serves netboot payloads (iPXE scripts, kernels,
// and whole-closure initrds) out of the local Nix store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DeterminateSystems/nix-netboot-serve/nix"
	"github.com/DeterminateSystems/nix-netboot-serve/nofiles"
	"github.com/DeterminateSystems/nix-netboot-serve/options"
	"github.com/DeterminateSystems/nix-netboot-serve/server"
	"github.com/DeterminateSystems/nix-netboot-serve/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options.Options{}
	var maxCacheSize string

	cmd := &cobra.Command{
		Use:           "nix-netboot-serve",
		Short:         "Serve up some netboots",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			size, err := options.ParseCacheSize(maxCacheSize)
			if err != nil {
				return err
			}
			opts.MaxCpioCacheBytes = size
			if err := opts.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ProfileDir, "profile-dir", "", "directory of Nix profiles offered for booting")
	flags.StringVar(&opts.ConfigDir, "config-dir", "", "directory of directories of NixOS configurations")
	flags.StringVar(&opts.GCRootDir, "gc-root-dir", "", "directory to put GC roots in (required)")
	flags.StringVar(&opts.CpioCacheDir, "cpio-cache-dir", "", "directory to put cached cpio files in (required)")
	flags.StringVar(&opts.StoreDir, "store-dir", options.DefaultStoreDir, "the Nix store root")
	flags.StringVar(&opts.Listen, "listen", "", "HOST:PORT to listen on (required)")
	flags.Uint64Var(&opts.OpenFiles, "open-files", options.DefaultOpenFiles, "open-files soft limit to request")
	flags.StringVar(&maxCacheSize, "max-cpio-cache-bytes", options.DefaultMaxCpioCacheBytes, "advisory cpio cache size budget")

	return cmd
}

func run(ctx context.Context, opts *options.Options) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initialising the logger: %w", err)
	}
	defer logger.Sync()

	if err := nofiles.Raise(opts.OpenFiles, logger); err != nil {
		return fmt.Errorf("setting the open-files limit: %w", err)
	}

	tool, err := nix.NewTool(logger)
	if err != nil {
		return err
	}

	cache, err := store.NewCache(store.CacheConfig{
		Dir:      opts.CpioCacheDir,
		Nix:      tool,
		MaxBytes: opts.MaxCpioCacheBytes,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("cannot construct the cpio cache: %w", err)
	}
	defer cache.Close()

	streamer := store.NewStreamer(cache, tool, logger)
	srv := server.New(opts, logger, streamer, tool)

	httpServer := &http.Server{
		Addr:    opts.Listen,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown did not drain cleanly", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", opts.Listen))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
