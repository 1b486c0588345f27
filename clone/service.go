// Package clone orchestrates the page-cloning pipeline. It gates the fetch
// trigger behind the domain guard and the captcha, turns completed tasks into
// generated artifacts and publishes previews. Transports (HTTP, MCP, CLI)
// call a Service and map its errors with Classify.
package clone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hazyhaar/pageclone/analyze"
	"github.com/hazyhaar/pageclone/captcha"
	"github.com/hazyhaar/pageclone/fetch"
	"github.com/hazyhaar/pageclone/generate"
	"github.com/hazyhaar/pageclone/guard"
	"github.com/hazyhaar/pageclone/kit"
	"github.com/hazyhaar/pageclone/preview"
	"github.com/hazyhaar/pageclone/telemetry"
)

// Config wires a Service. Origin, Fetcher and Previews are required; Captcha
// is required when RequireCaptcha is set.
type Config struct {
	Origin   *guard.Origin
	Fetcher  *fetch.Fetcher
	Captcha  *captcha.Guard
	Previews *preview.Materializer

	// RequireCaptcha gates StartFetch behind a solved challenge.
	RequireCaptcha bool
	// MaxTimeout caps the per-fetch timeout a caller may request. Default: 2m.
	MaxTimeout time.Duration
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service is the transport-neutral entry point.
type Service struct {
	cfg       Config
	origin    *guard.Origin
	fetcher   *fetch.Fetcher
	captcha   *captcha.Guard
	previews  *preview.Materializer
	analyzer  *analyze.Analyzer
	generator *generate.Generator
	logger    *slog.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	cfg.defaults()
	switch {
	case cfg.Origin == nil:
		return nil, errors.New("clone: origin is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("clone: fetcher is required")
	case cfg.Previews == nil:
		return nil, errors.New("clone: preview materializer is required")
	case cfg.Captcha == nil && cfg.RequireCaptcha:
		return nil, errors.New("clone: captcha guard is required when captcha is enforced")
	}
	return &Service{
		cfg:       cfg,
		origin:    cfg.Origin,
		fetcher:   cfg.Fetcher,
		captcha:   cfg.Captcha,
		previews:  cfg.Previews,
		analyzer:  analyze.New(cfg.Logger),
		generator: generate.New(cfg.Logger),
		logger:    cfg.Logger,
	}, nil
}

// Origin returns the allowed origin.
func (s *Service) Origin() *guard.Origin { return s.origin }

// CaptchaRequired reports whether StartFetch needs a solved challenge.
func (s *Service) CaptchaRequired() bool { return s.cfg.RequireCaptcha }

// MaxTimeout is the longest per-fetch timeout a caller may request.
func (s *Service) MaxTimeout() time.Duration { return s.cfg.MaxTimeout }

// FetchOptions are the caller-tunable knobs of a fetch.
type FetchOptions struct {
	CaptchaToken  string `json:"captchaToken,omitempty"`
	CaptchaAnswer string `json:"captchaAnswer,omitempty"`
	// Wait runs the fetch inside the request and returns the terminal task.
	Wait      bool   `json:"wait,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	Render    string `json:"render,omitempty"` // auto, never, always
}

// StartFetchRequest is the body of a fetch trigger.
type StartFetchRequest struct {
	URL     string       `json:"url"`
	Options FetchOptions `json:"options"`
}

// StartFetch checks the target against the allowed origin, then the captcha,
// and starts a fetch. Without Wait the pending task is returned at once and
// the fetch continues in the background.
func (s *Service) StartFetch(ctx context.Context, req StartFetchRequest) (*fetch.Task, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return nil, fmt.Errorf("%w: url is required", ErrValidation)
	}
	// Domain first: a foreign URL is rejected without spending a challenge.
	if err := s.origin.Validate(target); err != nil {
		return nil, err
	}
	opts, err := s.runOptions(req.Options)
	if err != nil {
		return nil, err
	}
	if s.cfg.RequireCaptcha {
		if req.Options.CaptchaToken == "" || req.Options.CaptchaAnswer == "" {
			return nil, fmt.Errorf("%w: captcha required", ErrCaptcha)
		}
		if err := s.captcha.Validate(ctx, req.Options.CaptchaToken, req.Options.CaptchaAnswer); err != nil {
			return nil, err
		}
	}

	task, err := s.fetcher.Begin(ctx, target)
	if err != nil {
		return nil, err
	}
	s.logger.Info("clone: fetch started", "task_id", task.ID, "url", task.SourceURL,
		"wait", req.Options.Wait, "transport", kit.GetTransport(ctx))

	if !req.Options.Wait {
		s.fetcher.Go(task, opts...)
		return task, nil
	}
	done, err := s.fetcher.Run(ctx, task, opts...)
	if errors.Is(err, fetch.ErrTerminal) {
		// Cancelled through CancelFetch while we were running.
		return s.fetcher.GetTask(context.WithoutCancel(ctx), task.ID)
	}
	return done, err
}

func (s *Service) runOptions(o FetchOptions) ([]fetch.RunOption, error) {
	var opts []fetch.RunOption
	if o.TimeoutMs < 0 {
		return nil, fmt.Errorf("%w: timeoutMs must not be negative", ErrValidation)
	}
	if o.TimeoutMs > 0 {
		d := time.Duration(o.TimeoutMs) * time.Millisecond
		if d > s.cfg.MaxTimeout {
			return nil, fmt.Errorf("%w: timeoutMs exceeds %d", ErrValidation, s.cfg.MaxTimeout.Milliseconds())
		}
		opts = append(opts, fetch.WithTimeout(d))
	}
	mode, err := ParseRenderMode(o.Render)
	if err != nil {
		return nil, err
	}
	return append(opts, fetch.WithRender(mode)), nil
}

// ParseRenderMode maps the render option to a fetch.RenderMode. Empty means auto.
func ParseRenderMode(s string) (fetch.RenderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return fetch.RenderAuto, nil
	case "never":
		return fetch.RenderNever, nil
	case "always":
		return fetch.RenderAlways, nil
	}
	return 0, fmt.Errorf("%w: unsupported render mode %q (want auto, never or always)", ErrValidation, s)
}

// ListRequest bounds a task listing. Zero means fetch.DefaultListLimit.
type ListRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ListTasks returns the newest tasks, without content, at most req.Limit of
// them. Callers that get a full page should ask for a larger one.
func (s *Service) ListTasks(ctx context.Context, req ListRequest) ([]*fetch.Task, error) {
	if req.Limit < 0 || req.Limit > fetch.MaxListLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, fetch.MaxListLimit)
	}
	return s.fetcher.ListTasks(ctx, req.Limit)
}

// GetTask returns one task with its content.
func (s *Service) GetTask(ctx context.Context, id string) (*fetch.Task, error) {
	return s.fetcher.GetTask(ctx, id)
}

// CancelFetch cancels an in-flight fetch.
func (s *Service) CancelFetch(ctx context.Context, id string) (*fetch.Task, error) {
	return s.fetcher.CancelFetch(ctx, id)
}

// ConfigRequest is the raw generation config as received from a caller.
type ConfigRequest struct {
	Format           string `json:"format"`
	Fidelity         string `json:"fidelity"`
	Componentization string `json:"componentization"`
}

// Parse validates the raw config.
func (c ConfigRequest) Parse() (generate.Config, error) {
	return generate.ParseConfig(c.Format, c.Fidelity, c.Componentization)
}

// GenerateRequest asks for code generated from a completed task.
type GenerateRequest struct {
	TaskID  string        `json:"taskId"`
	Config  ConfigRequest `json:"config"`
	Preview bool          `json:"preview,omitempty"`
}

// GenerateResult is the generated artifact, plus its preview URL when one
// was requested.
type GenerateResult struct {
	GeneratedCode *generate.Artifact `json:"generatedCode"`
	PreviewURL    string             `json:"previewUrl,omitempty"`
}

// Generate analyzes the content of a completed task and generates code.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	cfg, err := req.Config.Parse()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, fmt.Errorf("%w: taskId is required", ErrValidation)
	}
	task, err := s.fetcher.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != fetch.StatusCompleted || task.FetchedContent == nil {
		return nil, fmt.Errorf("%w: task %s is %s, not completed", ErrNotFound, task.ID, task.Status)
	}

	art, err := s.build(ctx, task, cfg)
	if err != nil {
		return nil, err
	}
	res := &GenerateResult{GeneratedCode: art}
	if req.Preview {
		rec, err := s.previews.Publish(ctx, preview.Payload{Artifact: art})
		if err != nil {
			return nil, err
		}
		res.PreviewURL = rec.URL()
	}
	return res, nil
}

func (s *Service) build(ctx context.Context, task *fetch.Task, cfg generate.Config) (*generate.Artifact, error) {
	ctx, span := telemetry.Start(ctx, "clone.build",
		attribute.String("task_id", task.ID),
		attribute.String("format", string(cfg.Format)),
		attribute.String("fidelity", string(cfg.Fidelity)),
		attribute.String("componentization", string(cfg.Componentization)))

	tree, err := s.analyzer.Analyze(ctx, task.FetchedContent)
	if err != nil {
		err = fmt.Errorf("%w: analyze: %w", ErrGeneration, err)
		telemetry.End(span, err)
		return nil, err
	}
	art, err := s.generator.Generate(ctx, tree, cfg)
	if err != nil {
		if !errors.Is(err, generate.ErrInvalidConfig) {
			err = fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		telemetry.End(span, err)
		return nil, err
	}
	telemetry.End(span, nil)

	s.logger.Info("clone: generated", "task_id", task.ID, "format", art.Format,
		"components", len(art.Components), "fingerprint", art.Fingerprint)
	return art, nil
}

// CloneResult is the outcome of a one-shot Clone.
type CloneResult struct {
	Task     *fetch.Task        `json:"task"`
	Artifact *generate.Artifact `json:"artifact"`
}

// Clone fetches targetURL synchronously and generates code from it. It is the
// operator path used by the CLI and skips the captcha.
func (s *Service) Clone(ctx context.Context, targetURL string, cfg generate.Config, opts FetchOptions) (*CloneResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.origin.Validate(targetURL); err != nil {
		return nil, err
	}
	runOpts, err := s.runOptions(opts)
	if err != nil {
		return nil, err
	}
	task, err := s.fetcher.StartFetch(ctx, targetURL, runOpts...)
	if err != nil {
		return nil, err
	}
	if task.Status != fetch.StatusCompleted {
		return &CloneResult{Task: task}, fmt.Errorf("%w: %s (%s)", ErrFetch, task.Error, task.FailReason)
	}
	art, err := s.build(ctx, task, cfg)
	if err != nil {
		return &CloneResult{Task: task}, err
	}
	return &CloneResult{Task: task, Artifact: art}, nil
}

// PreviewResult locates a published preview.
type PreviewResult struct {
	ID         string    `json:"id"`
	PreviewURL string    `json:"previewUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// PublishPreview stores an artifact or raw page data for preview.
func (s *Service) PublishPreview(ctx context.Context, p preview.Payload) (*PreviewResult, error) {
	rec, err := s.previews.Publish(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info("clone: preview published", "preview_id", rec.ID, "kind", rec.Kind)
	return &PreviewResult{ID: rec.ID, PreviewURL: rec.URL(), ExpiresAt: rec.ExpiresAt}, nil
}

// Preview returns a live preview record.
func (s *Service) Preview(ctx context.Context, id string) (*preview.Record, error) {
	return s.previews.Resolve(ctx, id)
}

// Preview output formats.
const (
	PreviewHTML     = "html"
	PreviewJSON     = "json"
	PreviewMarkdown = "md"
)

// RenderPreview renders rec as html or md and returns the body with its
// content type. The json format is the record itself and is left to the
// transport.
func (s *Service) RenderPreview(rec *preview.Record, format string) (body, contentType string, err error) {
	switch format {
	case "", PreviewHTML:
		body, err = s.previews.Render(rec)
		contentType = "text/html; charset=utf-8"
	case PreviewMarkdown:
		body, err = s.previews.RenderMarkdown(rec)
		contentType = "text/markdown; charset=utf-8"
	default:
		return "", "", fmt.Errorf("%w: unsupported preview format %q (want html, json or md)", ErrValidation, format)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: render preview: %w", ErrGeneration, err)
	}
	return body, contentType, nil
}

// IssueCaptcha issues a new challenge.
func (s *Service) IssueCaptcha(ctx context.Context) (*captcha.Challenge, error) {
	if s.captcha == nil {
		return nil, fmt.Errorf("%w: captcha is disabled", ErrNotFound)
	}
	return s.captcha.Issue(ctx)
}

// VerifyRequest is a challenge answer.
type VerifyRequest struct {
	Token  string `json:"token"`
	Answer string `json:"answer"`
}

// VerifyResult reports a successful verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
}

// VerifyCaptcha consumes the challenge. Failures come back as errors.
func (s *Service) VerifyCaptcha(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if s.captcha == nil {
		return nil, fmt.Errorf("%w: captcha is disabled", ErrNotFound)
	}
	if req.Token == "" || req.Answer == "" {
		return nil, fmt.Errorf("%w: token and answer are required", ErrValidation)
	}
	if err := s.captcha.Validate(ctx, req.Token, req.Answer); err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: true}, nil
}
