package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hupe1980/actionmesh/config"
	"github.com/hupe1980/actionmesh/internal/server"
	"github.com/hupe1980/actionmesh/logging"
	"github.com/hupe1980/actionmesh/observability"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the SSE server",
		Long: `Start the HTTP server streaming runs as server-sent events on
POST /v1/runs. Metrics and health probes are served on metrics.addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}
}

func newLogger(cmd *cobra.Command, cfg config.Log) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewSlogAdapter(logging.New(logging.Config{
		Service: "actionmesh",
		Version: version,
		Level:   level,
		Format:  cfg.Format,
		Output:  cmd.ErrOrStderr(),
	})), nil
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := newLogger(cmd, cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready atomic.Bool
	var obs *observability.Server
	var obsErrCh <-chan error
	opts := []func(o *server.Options){func(o *server.Options) { o.Logger = logger }}
	if cfg.Metrics.Addr != "" {
		obs = observability.NewServer(cfg.Metrics.Addr, ready.Load, func(o *observability.Options) { o.Logger = logger })
		opts = append(opts, func(o *server.Options) { o.Registerer = obs.Registry() })
	}

	app, err := server.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logging.LogError(logger, "closing service", err)
		}
	}()

	if obs != nil {
		obsErrCh, err = obs.Start()
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obs.Stop(shutdownCtx); err != nil {
				logger.Warn("error stopping observability server", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return oops.In("serve").With("addr", cfg.Server.Addr).Wrapf(err, "listening")
	}
	srv := &http.Server{
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ready.Store(true)
	cmd.Printf("actionmesh listening on %s\n", ln.Addr())
	logger.Info("server ready", "addr", ln.Addr().String(), "max_steps", cfg.Engine.MaxSteps)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "cause", context.Cause(ctx))
	case serveErr = <-errCh:
		logging.LogError(logger, "server failed", serveErr)
	case err := <-obsErrCh:
		serveErr = oops.In("serve").Wrapf(err, "observability server failed")
	}

	ready.Store(false)
	app.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down server", "error", err)
	}
	logger.Info("shutdown complete")
	return serveErr
}
