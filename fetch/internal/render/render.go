// Package render re-acquires JavaScript-built pages through headless Chrome
// driven by Rod, with stealth patches applied to every tab.
//
// The browser is launched lazily on the first Render call and reused until
// Close. A remote browser can be used instead by setting Config.Remote.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("render: browser is closed")

// Config configures the headless browser.
type Config struct {
	// Remote is the DevTools WebSocket URL of an existing Chrome.
	// Empty launches a local headless Chrome.
	Remote string
	// Timeout bounds navigation plus settle time. Default: 20s.
	Timeout time.Duration
	// Settle is how long the DOM must stay quiet before it is captured.
	// Default: 500ms.
	Settle time.Duration
	// Block lists resource types not worth downloading for a DOM capture.
	// Default: images, fonts, media.
	Block []string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	if c.Block == nil {
		c.Block = []string{"image", "font", "media"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser renders pages in headless Chrome.
type Browser struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// New returns a Browser. Chrome is not started until the first Render.
func New(cfg Config) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// Render navigates to pageURL, waits for the DOM to settle and returns the
// serialised document together with the URL the tab ended on.
func (b *Browser) Render(ctx context.Context, pageURL string) ([]byte, string, error) {
	br, err := b.get()
	if err != nil {
		return nil, "", err
	}

	page, err := stealth.Page(br)
	if err != nil {
		return nil, "", fmt.Errorf("render: create tab: %w", err)
	}
	defer page.Close()

	if len(b.cfg.Block) > 0 {
		router := blockResources(page, b.cfg.Block)
		defer router.Stop()
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	p := page.Context(ctx)

	if err := p.Navigate(pageURL); err != nil {
		return nil, "", fmt.Errorf("render: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.cfg.Logger.Warn("render: wait load", "url", pageURL, "error", err)
	}
	if err := p.WaitDOMStable(b.cfg.Settle, 0); err != nil {
		b.cfg.Logger.Debug("render: dom not stable", "url", pageURL, "error", err)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, "", fmt.Errorf("render: serialise DOM: %w", err)
	}
	final := pageURL
	if info, err := p.Info(); err == nil && info.URL != "" {
		final = info.URL
	}
	return []byte("<!DOCTYPE html>\n" + res.Value.Str()), final, nil
}

// Close shuts down the browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
	return err
}

func (b *Browser) get() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.Remote
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("render: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("render: launched local chrome")
	} else {
		b.cfg.Logger.Info("render: connecting to remote chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("render: connect: %w", err)
	}
	b.browser = br
	return br, nil
}

func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if block[strings.ToLower(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
