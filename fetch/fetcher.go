// Package fetch retrieves the allowed page with its same-origin stylesheets
// and records each attempt as a Task.
//
// A fetch never returns its own failure to the caller: network errors,
// timeouts, cancellation, HTTP errors and malformed bodies all land on the
// Task as failed with a FailReason. Only registry failures are returned.
package fetch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/pageclone/fetch/internal/render"
	"github.com/hazyhaar/pageclone/guard"
	"github.com/hazyhaar/pageclone/idgen"
	"github.com/hazyhaar/pageclone/kit"
	"github.com/hazyhaar/pageclone/telemetry"
)

const maxRedirects = 5

// Renderer re-acquires a page through a JavaScript-capable browser.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (doc []byte, finalURL string, err error)
}

// RenderConfig enables the headless browser fallback.
type RenderConfig struct {
	Enabled bool
	Remote  string
	Timeout time.Duration
}

// Config configures the Fetcher.
type Config struct {
	// Origin is the single allowed origin. Required.
	Origin *guard.Origin
	// Timeout bounds one fetch including stylesheets. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps the page and each stylesheet. Default: 10MB.
	MaxBytes int64
	// MaxStylesheets caps how many <link> stylesheets are fetched. Default: 32.
	MaxStylesheets int
	// Concurrency bounds parallel stylesheet requests. Default: 4.
	Concurrency int
	// RatePerSecond limits requests to the origin. Default: 8.
	RatePerSecond float64
	UserAgent     string
	// BlockPrivate refuses to dial private and loopback addresses.
	BlockPrivate bool
	Render       RenderConfig
	// Renderer overrides the browser built from Render.
	Renderer Renderer
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxStylesheets <= 0 {
		c.MaxStylesheets = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 8
	}
	if c.UserAgent == "" {
		c.UserAgent = "pageclone/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RenderMode selects when the browser is used.
type RenderMode int

const (
	// RenderAuto renders only when the static HTML looks like an SPA shell.
	RenderAuto RenderMode = iota
	RenderNever
	RenderAlways
)

type runOptions struct {
	timeout time.Duration
	render  RenderMode
}

// RunOption customises a single fetch.
type RunOption func(*runOptions)

// WithTimeout overrides Config.Timeout for one fetch.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRender sets the render mode for one fetch.
func WithRender(m RenderMode) RunOption { return func(o *runOptions) { o.render = m } }

// Fetcher runs fetches and owns the task registry.
type Fetcher struct {
	store    *Store
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	renderer Renderer
	closer   func() error
	logger   *slog.Logger

	// Background fetches derive from base so Close can cancel them all.
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New builds a Fetcher over store.
func New(store *Store, cfg Config) (*Fetcher, error) {
	if cfg.Origin == nil {
		return nil, errors.New("fetch: Config.Origin is required")
	}
	cfg.defaults()

	f := &Fetcher{
		store:    store,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1),
		renderer: cfg.Renderer,
		logger:   cfg.Logger,
		inflight: make(map[string]context.CancelFunc),
	}
	f.base, f.stop = context.WithCancel(context.Background())

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.BlockPrivate {
			dialer := &net.Dialer{Timeout: 10 * time.Second, Control: dialControl}
			t.DialContext = dialer.DialContext
		}
		transport = t
	}
	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			if err := cfg.Origin.ValidateURL(req.URL); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}

	if f.renderer == nil && cfg.Render.Enabled {
		b := render.New(render.Config{
			Remote:  cfg.Render.Remote,
			Timeout: cfg.Render.Timeout,
			Logger:  cfg.Logger,
		})
		f.renderer = b
		f.closer = b.Close
	}
	return f, nil
}

func dialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("fetch: unexpected dial address %q", address)
	}
	return guard.CheckPublicHost(context.Background(), nil, host)
}

// StartFetch creates a task and runs it to completion before returning.
func (f *Fetcher) StartFetch(ctx context.Context, targetURL string, opts ...RunOption) (*Task, error) {
	t, err := f.Begin(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	return f.Run(ctx, t, opts...)
}

// Begin validates targetURL against the origin and records a pending task.
func (f *Fetcher) Begin(ctx context.Context, targetURL string) (*Task, error) {
	if err := f.cfg.Origin.Validate(targetURL); err != nil {
		return nil, err
	}
	norm, err := guard.Normalize(targetURL)
	if err != nil {
		return nil, err
	}
	t := &Task{ID: idgen.New(), SourceURL: norm, Status: StatusPending}
	if err := f.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	f.logger.Info("fetch: task created", "task_id", t.ID, "url", t.SourceURL)
	return t, nil
}

// Go runs task in the background. The run is detached from any request
// context; it ends on completion, CancelFetch, or Close.
func (f *Fetcher) Go(task *Task, opts ...RunOption) {
	ctx, cancel := context.WithCancel(f.base)
	f.mu.Lock()
	f.inflight[task.ID] = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			delete(f.inflight, task.ID)
			f.mu.Unlock()
			cancel()
		}()
		_, err := f.Run(ctx, task, opts...)
		switch {
		case errors.Is(err, ErrTerminal):
			f.logger.Debug("fetch: task finished before run", "task_id", task.ID)
		case err != nil:
			f.logger.Error("fetch: background run", "task_id", task.ID, "error", err)
		}
	}()
}

// Run performs the retrieval for a pending task and records the outcome.
// The returned task is the terminal state read back from the store.
func (f *Fetcher) Run(ctx context.Context, task *Task, opts ...RunOption) (*Task, error) {
	o := runOptions{timeout: f.cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}
	ctx = kit.WithTaskID(ctx, task.ID)
	// Registry writes must land even after ctx is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	ctx, span := telemetry.Start(ctx, "fetch.run",
		attribute.String("task_id", task.ID), attribute.String("url", task.SourceURL))

	if err := f.store.MarkFetching(storeCtx, task.ID); err != nil {
		telemetry.End(span, err)
		return nil, err
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	content, reason, ferr := f.retrieve(runCtx, task.SourceURL, o.render)
	if ferr != nil {
		// The context's state is more precise than whatever the transport said.
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			reason = ReasonTimeout
		case errors.Is(runCtx.Err(), context.Canceled):
			reason = ReasonCancelled
		}
	}
	cancel()

	var err error
	if ferr != nil {
		f.logger.Warn("fetch: failed", "task_id", task.ID, "url", task.SourceURL,
			"reason", reason, "error", ferr, "duration_ms", time.Since(start).Milliseconds())
		err = f.store.Fail(storeCtx, task.ID, reason, ferr.Error())
		span.SetAttributes(attribute.String("fail_reason", string(reason)))
		telemetry.End(span, ferr)
	} else {
		f.logger.Info("fetch: completed", "task_id", task.ID, "url", content.URL,
			"stylesheets", len(content.Stylesheets), "rendered", content.Rendered,
			"duration_ms", time.Since(start).Milliseconds())
		err = f.store.Complete(storeCtx, task.ID, content)
		telemetry.End(span, nil)
	}
	if err != nil {
		return nil, err
	}
	return f.store.Get(storeCtx, task.ID)
}

// CancelFetch cancels an in-flight fetch. A pending task that never started
// is failed directly. Terminal tasks are returned unchanged.
func (f *Fetcher) CancelFetch(ctx context.Context, id string) (*Task, error) {
	t, err := f.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	f.mu.Lock()
	cancel, running := f.inflight[t.ID]
	f.mu.Unlock()
	if running {
		cancel()
		f.logger.Info("fetch: cancel requested", "task_id", t.ID)
		return t, nil
	}

	err = f.store.Fail(ctx, t.ID, ReasonCancelled, "cancelled before start")
	if err != nil && !errors.Is(err, ErrTerminal) {
		return nil, err
	}
	return f.store.Get(ctx, t.ID)
}

// ListTasks returns up to limit recent tasks without their content. See
// Store.List for the default and the ceiling.
func (f *Fetcher) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	return f.store.List(ctx, limit)
}

// GetTask returns one task with its content. Any UUID spelling resolves to
// the canonical id; ids that are not UUIDs are reported as unknown without a
// lookup.
func (f *Fetcher) GetTask(ctx context.Context, id string) (*Task, error) {
	canon, err := idgen.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return f.store.Get(ctx, canon)
}

// Close cancels background fetches, waits for them and stops the browser.
func (f *Fetcher) Close() error {
	f.stop()
	f.wg.Wait()
	if f.closer != nil {
		return f.closer()
	}
	return nil
}

type fetchError struct {
	reason FailReason
	err    error
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func failf(reason FailReason, format string, args ...any) error {
	return &fetchError{reason: reason, err: fmt.Errorf(format, args...)}
}

func (f *Fetcher) retrieve(ctx context.Context, target string, mode RenderMode) (*Content, FailReason, error) {
	resp, body, err := f.get(ctx, target, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	if err != nil {
		var fe *fetchError
		if errors.As(err, &fe) {
			return nil, fe.reason, err
		}
		return nil, classify(err), err
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(ct); ct != "" && mt != "text/html" && mt != "application/xhtml+xml" {
		return nil, ReasonMalformed, fmt.Errorf("content type %q is not html", ct)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ReasonMalformed, errors.New("empty body")
	}

	c := &Content{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		HTML:        string(body),
	}

	if f.shouldRender(mode, body) {
		doc, final, err := f.renderer.Render(ctx, c.URL)
		switch {
		case ctx.Err() != nil:
			return nil, ReasonCancelled, ctx.Err()
		case err != nil:
			f.logger.Warn("fetch: render failed, keeping static html", "url", c.URL, "error", err)
		case f.cfg.Origin.Validate(final) != nil:
			f.logger.Warn("fetch: render left the allowed origin, keeping static html", "url", final)
		case len(bytes.TrimSpace(doc)) > 0:
			c.HTML, c.URL, c.Rendered = string(doc), final, true
		}
	}

	base, _ := url.Parse(c.URL)
	c.Stylesheets = f.stylesheets(ctx, base, []byte(c.HTML))
	if err := ctx.Err(); err != nil {
		return nil, ReasonCancelled, err
	}

	sum := blake3.Sum256([]byte(c.HTML))
	c.Hash = hex.EncodeToString(sum[:])
	c.FetchedAt = time.Now().UTC()
	return c, ReasonNone, nil
}

func (f *Fetcher) shouldRender(mode RenderMode, body []byte) bool {
	if f.renderer == nil {
		return false
	}
	switch mode {
	case RenderAlways:
		return true
	case RenderNever:
		return false
	}
	return !IsSufficient(body)
}

// get performs one rate-limited GET and reads the body under MaxBytes.
func (f *Fetcher) get(ctx context.Context, target, accept string) (*http.Response, []byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, failf(ReasonMalformed, "new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, guard.ErrRejected) || strings.Contains(err.Error(), "too many redirects") {
			return nil, nil, failf(ReasonHTTP, "%w", err)
		}
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil, failf(ReasonHTTP, "http %d", resp.StatusCode)
	}
	body, err := guard.LimitedReadAll(resp.Body, f.cfg.MaxBytes)
	if errors.Is(err, guard.ErrTooLarge) {
		return resp, nil, failf(ReasonMalformed, "%w", err)
	}
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

func classify(err error) FailReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}

// stylesheets fetches the same-origin <link rel=stylesheet> targets of doc
// concurrently and returns them in document order. Failures are skipped.
func (f *Fetcher) stylesheets(ctx context.Context, pageURL *url.URL, doc []byte) []Stylesheet {
	links := StylesheetLinks(pageURL, doc)
	var urls []string
	for _, u := range links {
		if !guard.SameOrigin(u, pageURL) {
			f.logger.Debug("fetch: skip cross-origin stylesheet", "url", u.String())
			continue
		}
		urls = append(urls, u.String())
		if len(urls) == f.cfg.MaxStylesheets {
			break
		}
	}

	out := make([]*Stylesheet, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			_, body, err := f.get(gctx, u, "text/css,*/*;q=0.1")
			if err != nil {
				f.logger.Warn("fetch: stylesheet skipped", "url", u, "error", err)
				return nil
			}
			out[i] = &Stylesheet{URL: u, CSS: string(body)}
			return nil
		})
	}
	_ = g.Wait()

	sheets := make([]Stylesheet, 0, len(out))
	for _, s := range out {
		if s != nil {
			sheets = append(sheets, *s)
		}
	}
	return sheets
}

// StylesheetLinks returns the absolute, de-duplicated hrefs of every
// <link rel=stylesheet> in doc, in document order. A <base href> is honoured.
func StylesheetLinks(pageURL *url.URL, doc []byte) []*url.URL {
	base := pageURL
	seen := map[string]bool{}
	var out []*url.URL

	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		switch tok.DataAtom {
		case atom.Base:
			if href := attr(tok, "href"); href != "" && base == pageURL {
				if u, err := pageURL.Parse(href); err == nil {
					base = u
				}
			}
		case atom.Link:
			if !hasToken(attr(tok, "rel"), "stylesheet") || hasToken(attr(tok, "rel"), "alternate") {
				continue
			}
			href := strings.TrimSpace(attr(tok, "href"))
			if href == "" {
				continue
			}
			u, err := base.Parse(href)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				continue
			}
			u.Fragment = ""
			if seen[u.String()] {
				continue
			}
			seen[u.String()] = true
			out = append(out, u)
		}
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasToken(list, tok string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == tok {
			return true
		}
	}
	return false
}
