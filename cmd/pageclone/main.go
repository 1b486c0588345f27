// Command pageclone serves the page-cloning API and runs one-shot clones
// from the command line.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/pageclone/captcha"
	"github.com/hazyhaar/pageclone/clone"
	"github.com/hazyhaar/pageclone/config"
	"github.com/hazyhaar/pageclone/dbopen"
	"github.com/hazyhaar/pageclone/fetch"
	"github.com/hazyhaar/pageclone/guard"
	"github.com/hazyhaar/pageclone/preview"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pageclone",
	Short: "Clone one allow-listed web page into componentized front-end code",
	Long: `pageclone fetches a single allow-listed page, analyzes its structure and
styles, and regenerates it as React, Vue or plain HTML components at a chosen
fidelity. "serve" exposes the HTTP API (and optionally MCP); "clone" runs the
pipeline once and writes the files to disk.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.AddCommand(serveCmd, cloneCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env (when present) then the YAML config. originFallback
// stands in for the allowed origin when none is configured.
func loadConfig(originFallback string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if originFallback != "" && os.Getenv("PAGECLONE_ALLOWED_ORIGIN") == "" {
		os.Setenv("PAGECLONE_ALLOWED_ORIGIN", originFallback)
	}
	return config.Load(configPath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// openDB opens the single database file shared by the task registry, the
// captcha store and the preview store.
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := dbopen.Open(cfg.DBPath("pageclone"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(fetch.Schema),
		dbopen.WithSchema(captcha.Schema),
		dbopen.WithSchema(preview.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// app holds everything built from one config over one database.
type app struct {
	svc      *clone.Service
	store    *fetch.Store
	fetcher  *fetch.Fetcher
	captcha  *captcha.Guard
	previews *preview.Materializer
}

func newApp(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*app, error) {
	origin, err := guard.NewOrigin(cfg.AllowedOrigin)
	if err != nil {
		return nil, err
	}
	store, err := fetch.NewStore(db)
	if err != nil {
		return nil, err
	}
	fetcher, err := fetch.New(store, fetch.Config{
		Origin:         origin,
		Timeout:        cfg.Fetch.Timeout,
		MaxBytes:       cfg.Fetch.MaxBodyBytes,
		MaxStylesheets: cfg.Fetch.MaxStylesheets,
		Concurrency:    cfg.Fetch.Concurrency,
		RatePerSecond:  cfg.Fetch.RatePerSecond,
		UserAgent:      cfg.Fetch.UserAgent,
		BlockPrivate:   cfg.Fetch.BlockPrivate,
		Render: fetch.RenderConfig{
			Enabled: cfg.Fetch.Render.Enabled,
			Remote:  cfg.Fetch.Render.Remote,
			Timeout: cfg.Fetch.Render.Timeout,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	cg, err := captcha.New(db, captcha.Config{
		TTL:        cfg.Captcha.TTL,
		HideAnswer: !*cfg.Captcha.ExposeAnswer,
		Logger:     logger,
	})
	if err != nil {
		fetcher.Close()
		return nil, err
	}
	previews, err := preview.New(db, preview.Config{TTL: cfg.Preview.TTL, Logger: logger})
	if err != nil {
		fetcher.Close()
		return nil, err
	}
	svc, err := clone.New(clone.Config{
		Origin:         origin,
		Fetcher:        fetcher,
		Captcha:        cg,
		Previews:       previews,
		RequireCaptcha: *cfg.Captcha.RequireForFetch,
		Logger:         logger,
	})
	if err != nil {
		fetcher.Close()
		return nil, err
	}
	return &app{svc: svc, store: store, fetcher: fetcher, captcha: cg, previews: previews}, nil
}
