// Package captcha issues and checks single-use text challenges that gate the
// fetch trigger.
//
// A challenge is consumed by its first validation attempt whatever the
// outcome: Validate takes the row with DELETE ... RETURNING, so two
// concurrent attempts on one token cannot both see it.
package captcha

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/pageclone/dbopen"
	"github.com/hazyhaar/pageclone/idgen"
)

var (
	// ErrInvalidToken is returned for unknown or already consumed tokens.
	ErrInvalidToken = errors.New("captcha: invalid token")
	// ErrExpired is returned when the challenge outlived its TTL.
	ErrExpired = errors.New("captcha: challenge expired")
	// ErrMismatch is returned when the answer is wrong.
	ErrMismatch = errors.New("captcha: answer mismatch")
)

// alphabet leaves out glyphs that read ambiguously in a bitmap font
// (I/1, O/0). 32 symbols, so a byte modulo len is unbiased.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const tokenPrefix = "cap_"

// Challenge is what the caller gets back from Issue.
type Challenge struct {
	Token     string        `json:"token"`
	Image     string        `json:"image"`          // data:image/png;base64,...
	Text      string        `json:"text,omitempty"` // empty when HideAnswer is set
	IssuedAt  time.Time     `json:"issuedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	TTL       time.Duration `json:"-"`
}

// Config controls challenge issuance.
type Config struct {
	// TTL is the challenge lifetime. Default: 5m.
	TTL time.Duration
	// Length is the number of answer characters. Default: 5.
	Length int
	// Cost is the bcrypt cost for the stored answer. Default: bcrypt.DefaultCost.
	Cost int
	// HideAnswer drops Challenge.Text. Off by default so the answer is
	// visible for testing and debugging.
	HideAnswer bool
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Length <= 0 {
		c.Length = 5
	}
	if c.Cost == 0 {
		c.Cost = bcrypt.DefaultCost
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Guard issues and validates challenges against a SQLite table.
type Guard struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	token  idgen.Generator
}

// New applies the schema to db and returns a Guard.
func New(db *sql.DB, cfg Config) (*Guard, error) {
	cfg.defaults()
	if err := ApplySchema(db); err != nil {
		return nil, fmt.Errorf("captcha: apply schema: %w", err)
	}
	return &Guard{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		token:  idgen.Token,
	}, nil
}

// Issue creates, stores and returns a new challenge.
func (g *Guard) Issue(ctx context.Context) (*Challenge, error) {
	answer, err := randomAnswer(g.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("captcha: random answer: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(answer), g.cfg.Cost)
	if err != nil {
		return nil, fmt.Errorf("captcha: hash answer: %w", err)
	}
	img, err := renderDataURL(answer)
	if err != nil {
		return nil, fmt.Errorf("captcha: render: %w", err)
	}

	now := g.now()
	ch := &Challenge{
		Token:     g.token(),
		Image:     img,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.cfg.TTL),
		TTL:       g.cfg.TTL,
	}
	if !g.cfg.HideAnswer {
		ch.Text = answer
	}

	_, err = dbopen.Exec(ctx, g.db,
		`INSERT INTO captcha_challenges (token, answer_hash, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		ch.Token, string(hash), now.UnixMilli(), ch.ExpiresAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("captcha: store: %w", err)
	}
	g.logger.Debug("captcha: issued", "token", ch.Token, "expires_at", ch.ExpiresAt)
	return ch, nil
}

// Validate consumes token and checks answer. Expiry is checked before the
// answer so an expired challenge never reveals whether the answer was right.
func (g *Guard) Validate(ctx context.Context, token, answer string) error {
	if !idgen.HasShape(token, tokenPrefix) {
		return ErrInvalidToken
	}

	var hash string
	var expiresAt int64
	err := dbopen.QueryRow(ctx, g.db, func(row *sql.Row) error {
		return row.Scan(&hash, &expiresAt)
	}, `DELETE FROM captcha_challenges WHERE token = ? RETURNING answer_hash, expires_at`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("captcha: take: %w", err)
	}

	if g.now().UnixMilli() > expiresAt {
		g.logger.Debug("captcha: expired", "token", token)
		return ErrExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalise(answer))) != nil {
		g.logger.Debug("captcha: mismatch", "token", token)
		return ErrMismatch
	}
	return nil
}

// Purge deletes expired challenges and returns how many were removed.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, g.db,
		`DELETE FROM captcha_challenges WHERE expires_at < ?`, g.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("captcha: purge: %w", err)
	}
	return res.RowsAffected()
}

// StartSweeper purges expired challenges every interval until ctx is done.
func (g *Guard) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := g.Purge(ctx)
				if err != nil {
					g.logger.Warn("captcha: sweeper", "error", err)
				} else if n > 0 {
					g.logger.Debug("captcha: sweeper purged", "count", n)
				}
			}
		}
	}()
}

func randomAnswer(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b), nil
}

func normalise(answer string) string {
	return strings.ToUpper(strings.TrimSpace(answer))
}
