package clone

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hazyhaar/pageclone/analyze"
	"github.com/hazyhaar/pageclone/captcha"
	"github.com/hazyhaar/pageclone/fetch"
	"github.com/hazyhaar/pageclone/generate"
	"github.com/hazyhaar/pageclone/guard"
	"github.com/hazyhaar/pageclone/preview"
)

// Service-level error kinds. Leaf packages keep their own sentinels; these
// wrap conditions that only exist at the orchestration layer.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrCaptcha    = errors.New("captcha failed")
	ErrFetch      = errors.New("fetch failed")
	ErrGeneration = errors.New("generation failed")
)

// Kind names an error class for transports.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindCaptcha    Kind = "captcha"
	KindFetch      Kind = "fetch"
	KindGeneration Kind = "generation"
	KindInternal   Kind = "internal"
)

// Classify maps err to its kind, the HTTP status to answer with and a
// message safe to show to the caller. Internal faults get a generic message;
// the detail stays in the logs.
func Classify(err error) (Kind, int, string) {
	switch {
	case err == nil:
		return "", http.StatusOK, ""

	case errors.Is(err, guard.ErrRejected):
		return KindValidation, http.StatusBadRequest, err.Error()
	case errors.Is(err, generate.ErrInvalidConfig),
		errors.Is(err, preview.ErrInvalidPayload),
		errors.Is(err, ErrValidation):
		return KindValidation, http.StatusBadRequest, public(err)

	case errors.Is(err, captcha.ErrInvalidToken):
		return KindCaptcha, http.StatusForbidden, "captcha token is invalid or already used"
	case errors.Is(err, captcha.ErrExpired):
		return KindCaptcha, http.StatusForbidden, "captcha expired"
	case errors.Is(err, captcha.ErrMismatch):
		return KindCaptcha, http.StatusForbidden, "captcha answer is incorrect"
	case errors.Is(err, ErrCaptcha):
		return KindCaptcha, http.StatusForbidden, public(err)

	case errors.Is(err, fetch.ErrNotFound):
		return KindNotFound, http.StatusNotFound, "task not found"
	case errors.Is(err, preview.ErrNotFound):
		return KindNotFound, http.StatusNotFound, "preview not found or expired"
	case errors.Is(err, ErrNotFound):
		return KindNotFound, http.StatusNotFound, public(err)

	case errors.Is(err, ErrFetch):
		return KindFetch, http.StatusUnprocessableEntity, public(err)
	case errors.Is(err, analyze.ErrNoContent),
		errors.Is(err, generate.ErrEmptyTree),
		errors.Is(err, ErrGeneration):
		return KindGeneration, http.StatusUnprocessableEntity, public(err)

	case errors.Is(err, context.DeadlineExceeded):
		return KindInternal, http.StatusGatewayTimeout, "request timed out"
	}
	return KindInternal, http.StatusInternalServerError, "internal error"
}

// public strips the "pkg: " prefixes leaf packages put on their sentinels.
func public(err error) string {
	msg := err.Error()
	for _, p := range []string{"generate: ", "preview: ", "analyze: "} {
		msg = strings.ReplaceAll(msg, p, "")
	}
	return msg
}
