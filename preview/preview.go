// Package preview publishes generated artifacts and raw page data at short
// URL-safe ids and renders them back as HTML or markdown. Records expire
// after a TTL; expired and unknown ids are indistinguishable to callers.
package preview

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hazyhaar/pageclone/dbopen"
	"github.com/hazyhaar/pageclone/generate"
	"github.com/hazyhaar/pageclone/idgen"
	"github.com/hazyhaar/pageclone/telemetry"
)

var (
	// ErrNotFound is returned for unknown and expired ids alike.
	ErrNotFound = errors.New("preview: not found")
	// ErrInvalidPayload is returned when a payload cannot be published.
	ErrInvalidPayload = errors.New("preview: invalid payload")
)

// PathPrefix is where previews are served.
const PathPrefix = "/api/preview/"

const idPrefix = "pv_"

// Kind tells what a record holds.
type Kind string

const (
	KindArtifact Kind = "artifact"
	KindPage     Kind = "page"
)

// PageData is a raw page payload.
type PageData struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content,omitempty"` // HTML
	Meta        map[string]string `json:"meta,omitempty"`
}

// Payload carries exactly one of Artifact or Page.
type Payload struct {
	Artifact *generate.Artifact `json:"artifact,omitempty"`
	Page     *PageData          `json:"pageData,omitempty"`
}

// Record is a published preview.
type Record struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	Artifact  *generate.Artifact `json:"artifact,omitempty"`
	Page      *PageData          `json:"pageData,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// URL is the path the record is served at.
func (r *Record) URL() string { return URL(r.ID) }

// URL returns the preview path for id.
func URL(id string) string { return PathPrefix + id }

// Config tunes a Materializer.
type Config struct {
	TTL             time.Duration // default 24h
	MaxPayloadBytes int           // default 5 MiB
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 5 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Materializer stores and renders previews.
type Materializer struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  idgen.Generator
	render *renderer
}

// New creates a Materializer and applies its schema.
func New(db *sql.DB, cfg Config) (*Materializer, error) {
	cfg.defaults()
	if err := ApplySchema(db); err != nil {
		return nil, fmt.Errorf("preview: schema: %w", err)
	}
	return &Materializer{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		newID:  idgen.Preview,
		render: newRenderer(),
	}, nil
}

// Publish stores p and returns the new record.
func (m *Materializer) Publish(ctx context.Context, p Payload) (*Record, error) {
	kind, err := p.validate()
	if err != nil {
		return nil, err
	}
	_, span := telemetry.Start(ctx, "preview.publish", attribute.String("kind", string(kind)))

	var body []byte
	if kind == KindArtifact {
		body, err = json.Marshal(p.Artifact)
	} else {
		body, err = json.Marshal(p.Page)
	}
	if err != nil {
		err = fmt.Errorf("preview: encode: %w", err)
		telemetry.End(span, err)
		return nil, err
	}
	if len(body) > m.cfg.MaxPayloadBytes {
		err = fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPayload, len(body), m.cfg.MaxPayloadBytes)
		telemetry.End(span, err)
		return nil, err
	}

	now := m.now()
	rec := &Record{
		ID:        m.newID(),
		Kind:      kind,
		Artifact:  p.Artifact,
		Page:      p.Page,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	_, err = dbopen.Exec(ctx, m.db,
		`INSERT INTO preview_records (id, kind, payload, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(kind), string(body), now.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		err = fmt.Errorf("preview: insert: %w", err)
		telemetry.End(span, err)
		return nil, err
	}
	m.logger.Info("preview: published", "preview_id", rec.ID, "kind", kind, "bytes", len(body))
	telemetry.End(span, nil)
	return rec, nil
}

func (p Payload) validate() (Kind, error) {
	switch {
	case p.Artifact != nil && p.Page != nil:
		return "", fmt.Errorf("%w: carry either an artifact or page data, not both", ErrInvalidPayload)
	case p.Artifact != nil:
		a := p.Artifact
		if len(a.Components) == 0 || a.Entry == "" {
			return "", fmt.Errorf("%w: artifact has no components", ErrInvalidPayload)
		}
		switch a.Format {
		case generate.FormatReact, generate.FormatVue, generate.FormatHTML:
		default:
			return "", fmt.Errorf("%w: unsupported artifact format %q", ErrInvalidPayload, a.Format)
		}
		if err := a.Check(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if a.Format == generate.FormatHTML {
			if _, _, err := generate.AssembleParts(a); err != nil {
				return "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
		}
		return KindArtifact, nil
	case p.Page != nil:
		if strings.TrimSpace(p.Page.Content) == "" && strings.TrimSpace(p.Page.Title) == "" {
			return "", fmt.Errorf("%w: page data has neither title nor content", ErrInvalidPayload)
		}
		return KindPage, nil
	}
	return "", fmt.Errorf("%w: empty payload", ErrInvalidPayload)
}

// Resolve returns the live record for id.
func (m *Materializer) Resolve(ctx context.Context, id string) (*Record, error) {
	if !idgen.HasShape(id, idPrefix) {
		return nil, ErrNotFound
	}
	var (
		kind, payload        string
		createdAt, expiresAt int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT kind, payload, created_at, expires_at FROM preview_records WHERE id = ? AND expires_at > ?`,
		id, m.now().UnixMilli()).Scan(&kind, &payload, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("preview: resolve: %w", err)
	}

	rec := &Record{
		ID:        id,
		Kind:      Kind(kind),
		CreatedAt: time.UnixMilli(createdAt),
		ExpiresAt: time.UnixMilli(expiresAt),
	}
	switch rec.Kind {
	case KindArtifact:
		err = json.Unmarshal([]byte(payload), &rec.Artifact)
	default:
		err = json.Unmarshal([]byte(payload), &rec.Page)
	}
	if err != nil {
		return nil, fmt.Errorf("preview: decode %s: %w", id, err)
	}
	return rec, nil
}

// Purge deletes expired records.
func (m *Materializer) Purge(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, m.db,
		`DELETE FROM preview_records WHERE expires_at <= ?`, m.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("preview: purge: %w", err)
	}
	return res.RowsAffected()
}

// StartSweeper purges expired records every interval until ctx is done.
func (m *Materializer) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := m.Purge(ctx)
				if err != nil {
					m.logger.Warn("preview: sweeper", "error", err)
				} else if n > 0 {
					m.logger.Debug("preview: sweeper purged", "count", n)
				}
			}
		}
	}()
}

// Render produces the HTML document for rec.
func (m *Materializer) Render(rec *Record) (string, error) {
	return m.render.html(rec)
}

// RenderMarkdown converts the rendered document to markdown.
func (m *Materializer) RenderMarkdown(rec *Record) (string, error) {
	return m.render.markdown(rec)
}
