package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/pageclone/config"
	"github.com/hazyhaar/pageclone/httpapi"
	"github.com/hazyhaar/pageclone/shield"
	"github.com/hazyhaar/pageclone/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "pageclone",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := newApp(cfg, db, logger)
	if err != nil {
		return err
	}
	defer a.fetcher.Close()

	// Tasks left mid-flight by a previous process can never finish.
	if n, err := a.store.FailInterrupted(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	} else if n > 0 {
		logger.Warn("failed interrupted tasks", "count", n)
	}
	a.captcha.StartSweeper(ctx, time.Minute)
	a.previews.StartSweeper(ctx, 10*time.Minute)

	var mcpSrv *mcp.Server
	if cfg.MCP {
		mcpSrv = mcp.NewServer(&mcp.Implementation{Name: "pageclone", Version: version}, nil)
		a.svc.RegisterMCP(mcpSrv)
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.NewRouter(a.svc, httpapi.Config{
			RateLimit: shield.RateConfig{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
			MCP:       mcpSrv,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout(cfg.Fetch.Timeout, a.svc.MaxTimeout()),
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen, "origin", a.svc.Origin().String(),
			"captcha_required", a.svc.CaptchaRequired(), "mcp", cfg.MCP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// writeTimeout leaves room for the longest wait:true fetch, which runs inside
// the request: either the configured default or the largest timeoutMs a
// caller may ask for.
func writeTimeout(fetchTimeout, maxRequested time.Duration) time.Duration {
	return max(fetchTimeout, maxRequested) + time.Minute
}
