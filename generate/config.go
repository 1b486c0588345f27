package generate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned for any unsupported configuration value.
var ErrInvalidConfig = errors.New("generate: invalid config")

// Format is the target framework.
type Format string

const (
	FormatReact Format = "react"
	FormatVue   Format = "vue"
	FormatHTML  Format = "html"
)

// Fidelity is how much of the page the output preserves.
type Fidelity string

const (
	FidelityLow    Fidelity = "low"
	FidelityMedium Fidelity = "medium"
	FidelityHigh   Fidelity = "high"
)

// Componentization is the strategy for splitting the page into components.
type Componentization string

const (
	ComponentsNone    Componentization = "none"
	ComponentsPartial Componentization = "partial"
	ComponentsFull    Componentization = "full"
)

// Config selects what Generate emits. Every field is required.
type Config struct {
	Format           Format           `json:"format"`
	Fidelity         Fidelity         `json:"fidelity"`
	Componentization Componentization `json:"componentization"`
}

// ParseConfig builds a Config from raw strings. Matching is
// case-insensitive; unknown or empty values fail with ErrInvalidConfig.
func ParseConfig(format, fidelity, componentization string) (Config, error) {
	c := Config{
		Format:           Format(strings.ToLower(strings.TrimSpace(format))),
		Fidelity:         Fidelity(strings.ToLower(strings.TrimSpace(fidelity))),
		Componentization: Componentization(strings.ToLower(strings.TrimSpace(componentization))),
	}
	return c, c.Validate()
}

// Validate checks that every field holds a supported value.
func (c Config) Validate() error {
	switch c.Format {
	case FormatReact, FormatVue, FormatHTML:
	default:
		return fmt.Errorf("%w: unsupported format %q (want react, vue or html)", ErrInvalidConfig, c.Format)
	}
	switch c.Fidelity {
	case FidelityLow, FidelityMedium, FidelityHigh:
	default:
		return fmt.Errorf("%w: unsupported fidelity %q (want low, medium or high)", ErrInvalidConfig, c.Fidelity)
	}
	switch c.Componentization {
	case ComponentsNone, ComponentsPartial, ComponentsFull:
	default:
		return fmt.Errorf("%w: unsupported componentization %q (want none, partial or full)", ErrInvalidConfig, c.Componentization)
	}
	return nil
}

// ext is the source file extension for a format.
func (f Format) ext() string {
	switch f {
	case FormatReact:
		return ".jsx"
	case FormatVue:
		return ".vue"
	}
	return ".html"
}
