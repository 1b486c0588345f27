// Package generate synthesises componentized front-end code from an
// analyzed page. Output depends only on (tree, config): the same inputs
// always yield byte-identical artifacts.
package generate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hazyhaar/pageclone/analyze"
	"github.com/hazyhaar/pageclone/telemetry"
)

// ErrEmptyTree is returned when there is no tree to generate from.
var ErrEmptyTree = errors.New("generate: empty tree")

// Artifact is the generated code for one request.
type Artifact struct {
	Format      Format      `json:"format"`
	Fidelity    Fidelity    `json:"fidelity,omitempty"`
	Entry       string      `json:"entry"`
	Title       string      `json:"title,omitempty"`
	Components  []Component `json:"components"`
	Fingerprint string      `json:"fingerprint"`
}

// Component is one generated unit. Children lists the components it
// references, in first-reference order.
type Component struct {
	Name     string   `json:"name"`
	Source   string   `json:"source"`
	Children []string `json:"children"`
	Style    string   `json:"style,omitempty"`
	Reason   string   `json:"reason"`
}

// Generator emits artifacts.
type Generator struct {
	logger *slog.Logger
}

// New creates a Generator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{logger: logger}
}

// Generate runs a default Generator.
func Generate(tree *analyze.Tree, cfg Config) (*Artifact, error) {
	return New(nil).Generate(context.Background(), tree, cfg)
}

// Generate builds the artifact for tree under cfg.
func (g *Generator) Generate(ctx context.Context, tree *analyze.Tree, cfg Config) (*Artifact, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tree == nil || tree.Root == nil {
		return nil, ErrEmptyTree
	}
	_, span := telemetry.Start(ctx, "generate",
		attribute.String("format", string(cfg.Format)),
		attribute.String("fidelity", string(cfg.Fidelity)),
		attribute.String("componentization", string(cfg.Componentization)))

	e := &emitter{cfg: cfg, root: tree.Root, names: map[*analyze.Node]string{}}
	if u, err := url.Parse(tree.SourceURL); err == nil {
		e.base = u
	}

	comps := plan(e, tree.Root, cfg)
	art := &Artifact{
		Format:     cfg.Format,
		Fidelity:   cfg.Fidelity,
		Entry:      comps[0].name,
		Title:      tree.Title,
		Components: make([]Component, 0, len(comps)),
	}
	for _, c := range comps {
		depth := 0
		switch cfg.Format {
		case FormatReact:
			depth = 2
		case FormatVue:
			depth = 1
		}
		e.render(c, c.node, c.parentStyle, depth)
		art.Components = append(art.Components, Component{
			Name:     c.name,
			Source:   wrap(cfg.Format, c),
			Children: append([]string{}, c.children...),
			Style:    c.css(),
			Reason:   c.reason,
		})
	}

	fp, err := Fingerprint(art)
	if err != nil {
		telemetry.End(span, err)
		return nil, err
	}
	art.Fingerprint = fp

	g.logger.Debug("generate: done", "format", cfg.Format, "fidelity", cfg.Fidelity,
		"componentization", cfg.Componentization, "components", len(art.Components),
		"fingerprint", fp)
	span.SetAttributes(attribute.Int("components", len(art.Components)))
	telemetry.End(span, nil)
	return art, nil
}

// plan names every component root in pre-order and records the style of
// its parent for inheritance-aware CSS.
func plan(e *emitter, root *analyze.Node, cfg Config) []*component {
	reasons := boundaries(root, cfg.Componentization)
	nm := newNamer(reservedNames...)

	var comps []*component
	var walk func(n *analyze.Node, parentStyle map[string]string)
	walk = func(n *analyze.Node, parentStyle map[string]string) {
		if n.IsText() {
			return
		}
		if reason, ok := reasons[n]; ok {
			name := rootName(cfg.Format)
			if n != root {
				name = nm.unique(baseName(n))
			}
			e.names[n] = name
			comps = append(comps, &component{node: n, name: name, reason: reason, parentStyle: parentStyle})
		}
		for _, c := range n.Children {
			walk(c, n.Style)
		}
	}
	walk(root, nil)
	return comps
}

// wrap turns a rendered body into a complete source file for the format.
func wrap(f Format, c *component) string {
	var b strings.Builder
	switch f {
	case FormatReact:
		for _, ch := range c.children {
			fmt.Fprintf(&b, "import %s from './%s';\n", ch, ch)
		}
		if len(c.rules) > 0 {
			fmt.Fprintf(&b, "import './%s.css';\n", c.name)
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "export default function %s() {\n  return (\n", c.name)
		b.WriteString(c.body.String())
		b.WriteString("  );\n}\n")
	case FormatVue:
		b.WriteString("<template>\n")
		b.WriteString(c.body.String())
		b.WriteString("</template>\n")
		if len(c.children) > 0 {
			b.WriteString("\n<script setup>\n")
			for _, ch := range c.children {
				fmt.Fprintf(&b, "import %s from './%s.vue';\n", ch, ch)
			}
			b.WriteString("</script>\n")
		}
		if len(c.rules) > 0 {
			b.WriteString("\n<style>\n")
			b.WriteString(c.css())
			b.WriteString("</style>\n")
		}
	default:
		b.WriteString(c.body.String())
	}
	return b.String()
}

// Fingerprint hashes the artifact's format, entry, component names and
// reference graph with BLAKE3. Source text does not contribute.
func Fingerprint(a *Artifact) (string, error) {
	type node struct {
		Name     string   `json:"name"`
		Children []string `json:"children"`
	}
	canon := struct {
		Format     Format `json:"format"`
		Entry      string `json:"entry"`
		Components []node `json:"components"`
	}{Format: a.Format, Entry: a.Entry, Components: make([]node, len(a.Components))}
	for i, c := range a.Components {
		canon.Components[i] = node{Name: c.Name, Children: c.Children}
		if canon.Components[i].Children == nil {
			canon.Components[i].Children = []string{}
		}
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("generate: fingerprint: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Component returns the named component.
func (a *Artifact) Component(name string) (*Component, bool) {
	for i := range a.Components {
		if a.Components[i].Name == name {
			return &a.Components[i], true
		}
	}
	return nil, false
}
