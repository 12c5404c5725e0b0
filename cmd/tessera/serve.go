package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/platform"
	"github.com/aretw0/tessera/pkg/transport/ws"
)

var (
	configFile string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a repository over websockets",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		file, err := locateConfig(configFile)
		if err != nil {
			fatal("Failed to locate config", err)
		}
		cfg, err := loadConfig(file)
		if err != nil {
			fatal("Failed to load config", err)
		}
		if err := cfg.requireSecret(); err != nil {
			fatal("Failed to load config", err)
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []tessera.Option{
			tessera.WithMustExist(true),
			tessera.WithDevSafety(!unsafe),
			tessera.WithSecret([]byte(cfg.Secret)),
			tessera.WithTokenTTL(cfg.TokenTTL),
			tessera.WithAdmin(cfg.Admin.ID, cfg.Admin.Name, nil),
			tessera.WithWatch(cfg.Watch),
			tessera.WithWatcherErrorHandler(func(err error) {
				slog.Warn("repository modified outside tessera", "error", err)
			}),
			tessera.WithIdentity("tessera", tessera.Version),
			tessera.WithLogger(slog.Default()),
		}
		if cfg.Versioning != nil {
			opts = append(opts, tessera.WithVersioning(*cfg.Versioning))
		}
		h, err := tessera.Open(ctx, cfg.Path, opts...)
		if err != nil {
			fatal("Failed to open repository", err)
		}
		defer h.Close(context.WithoutCancel(ctx))

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           ws.NewHandler(h, ws.WithLogger(slog.Default())),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errs := make(chan error, 1)
		go func() { errs <- srv.ListenAndServe() }()
		slog.Info("serving", "listen", cfg.Listen, "path", cfg.Path)

		select {
		case err := <-errs:
			if !errors.Is(err, http.ErrServerClosed) {
				fatal("Server failed", err)
			}
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdown); err != nil {
				slog.Warn("shutdown", "error", err)
			}
		}
	},
}

// locateConfig returns file, or the tessera.yaml of the repository enclosing
// the working directory.
func locateConfig(file string) (string, error) {
	if file != "" {
		return file, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := platform.FindRoot(wd)
	if err != nil {
		return "", err
	}
	file = filepath.Join(root, platform.ConfigFile)
	if _, err := os.Stat(file); err != nil {
		return "", fmt.Errorf("%s has no %s", root, platform.ConfigFile)
	}
	return file, nil
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file (default: tessera.yaml of the enclosing repository)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides the config)")
	serveCmd.Flags().BoolVar(&unsafe, "unsafe", false, "Skip the dev sandbox under go run")
	rootCmd.AddCommand(serveCmd)
}
