// Package httpapi exposes the clone service over HTTP.
//
// Every JSON response uses the envelope {success, data} or
// {success:false, message}. Status codes come from clone.Classify.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pageclone/clone"
	"github.com/hazyhaar/pageclone/generate"
	"github.com/hazyhaar/pageclone/shield"
)

// Config tunes the router.
type Config struct {
	RateLimit shield.RateConfig
	// MaxBodyBytes caps every request body, whatever its Content-Type.
	// Default: 6 MiB, above the
	// preview payload cap so oversized previews get the specific error.
	MaxBodyBytes int64
	// MCP, when set, is served over streamable HTTP at /mcp.
	MCP *mcp.Server
}

func (c *Config) defaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 6 << 20
	}
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc *clone.Service, cfg Config) http.Handler {
	cfg.defaults()
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(cfg.RateLimit, cfg.MaxBodyBytes) {
		r.Use(mw)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)
	r.Get(generate.PlaceholderImage, h.placeholder)

	r.Route("/api", func(r chi.Router) {
		r.Route("/fetch", func(r chi.Router) {
			r.Post("/start", h.startFetch)
			r.Get("/tasks", h.listTasks)
			r.Get("/tasks/{id}", h.getTask)
			r.Delete("/tasks/{id}", h.cancelTask)
		})
		r.Post("/clone/generate", h.generate)
		r.Post("/clone/preview", h.publishPreview)
		r.Get("/preview/{id}", h.showPreview)
		r.Get("/captcha", h.issueCaptcha)
		r.Post("/captcha/verify", h.verifyCaptcha)
	})

	if cfg.MCP != nil {
		srv := cfg.MCP
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	}
	return r
}
