package render

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.Timeout != 20*time.Second || b.cfg.Settle != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", b.cfg)
	}
	if len(b.cfg.Block) != 3 {
		t.Fatalf("block = %v", b.cfg.Block)
	}
}

func TestRender_AfterClose(t *testing.T) {
	// WHAT: a closed Browser refuses to render without launching Chrome.
	// WHY: shutdown must not race a late fetch into starting a new browser.
	b := New(Config{})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _, err := b.Render(context.Background(), "https://example.com")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("render after close = %v, want ErrClosed", err)
	}
}
