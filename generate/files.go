package generate

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

var (
	// ErrNotAssemblable is returned when Assemble is asked for a non-html artifact.
	ErrNotAssemblable = errors.New("generate: only html artifacts can be assembled")
	// ErrMalformed is returned for artifacts whose reference graph is not a
	// tree rooted at the entry.
	ErrMalformed = errors.New("generate: malformed artifact")
	// ErrTooLarge is returned when assembled markup exceeds MaxAssembledBytes.
	ErrTooLarge = errors.New("generate: assembled document too large")
)

// MaxAssembledBytes bounds the expanded markup and styles of an html artifact.
const MaxAssembledBytes = 8 << 20

const (
	includePrefix = "<!-- include: "
	includeSuffix = " -->"
)

// File is one output file of an artifact.
type File struct {
	Path    string
	Content string
}

// Files lays the artifact out as source files, one per component plus a
// stylesheet where the format keeps styles separate. HTML artifacts also
// get an assembled index.html.
func (a *Artifact) Files() []File {
	ext := a.Format.ext()
	var out []File
	for _, c := range a.Components {
		out = append(out, File{Path: c.Name + ext, Content: c.Source})
		if c.Style != "" && a.Format != FormatVue {
			out = append(out, File{Path: c.Name + ".css", Content: c.Style})
		}
	}
	if a.Format == FormatHTML {
		if doc, err := Assemble(a); err == nil {
			out = append(out, File{Path: "index.html", Content: doc})
		}
	}
	return out
}

// Assemble inlines every include marker of an html artifact, starting from
// its entry, and wraps the result in a standalone document with the
// collected styles.
func Assemble(a *Artifact) (string, error) {
	body, css, err := AssembleParts(a)
	if err != nil {
		return "", err
	}
	var doc strings.Builder
	doc.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	if a.Title != "" {
		doc.WriteString("<title>" + html.EscapeString(a.Title) + "</title>\n")
	}
	if css != "" {
		doc.WriteString("<style>\n" + css + "</style>\n")
	}
	doc.WriteString("</head>\n<body>\n")
	doc.WriteString(body)
	doc.WriteString("</body>\n</html>\n")
	return doc.String(), nil
}

// AssembleParts returns the expanded markup of an html artifact and the
// concatenated styles of the components it reaches. The CSS is safe to
// embed in a <style> element.
func AssembleParts(a *Artifact) (body, css string, err error) {
	if a.Format != FormatHTML {
		return "", "", ErrNotAssemblable
	}
	if err := a.Check(); err != nil {
		return "", "", err
	}
	byName := make(map[string]*Component, len(a.Components))
	for i := range a.Components {
		byName[a.Components[i].Name] = &a.Components[i]
	}

	var styles strings.Builder
	expanded := make(map[string]string, len(a.Components))
	var expand func(name string) (string, error)
	expand = func(name string) (string, error) {
		if out, ok := expanded[name]; ok {
			return out, nil
		}
		c := byName[name]
		styles.WriteString(c.Style)
		var b strings.Builder
		for _, line := range strings.SplitAfter(c.Source, "\n") {
			inc, ok := includeName(line)
			if !ok {
				b.WriteString(line)
				continue
			}
			child, err := expand(inc)
			if err != nil {
				return "", err
			}
			indent := line[:len(line)-len(strings.TrimLeft(line, " "))]
			for _, cl := range strings.SplitAfter(child, "\n") {
				if cl != "" {
					b.WriteString(indent + cl)
				}
			}
			if b.Len()+styles.Len() > MaxAssembledBytes {
				return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxAssembledBytes)
			}
		}
		expanded[name] = b.String()
		return expanded[name], nil
	}

	body, err = expand(a.Entry)
	if err != nil {
		return "", "", err
	}
	// A "</" inside a value must not close the element early.
	return body, strings.ReplaceAll(styles.String(), "</", "<\\/"), nil
}

// Check verifies the reference graph of a. Names are unique and non-empty,
// every child names a component, no component has two parents, the entry has
// none, and every component is reachable from the entry, so the graph is a
// tree rooted at the entry. Include markers of html components must list
// exactly their children, in order.
func (a *Artifact) Check() error {
	byName := make(map[string]*Component, len(a.Components))
	for i := range a.Components {
		c := &a.Components[i]
		if c.Name == "" {
			return fmt.Errorf("%w: component %d has no name", ErrMalformed, i)
		}
		if _, dup := byName[c.Name]; dup {
			return fmt.Errorf("%w: duplicate component %q", ErrMalformed, c.Name)
		}
		byName[c.Name] = c
	}
	if _, ok := byName[a.Entry]; !ok {
		return fmt.Errorf("%w: entry %q is not a component", ErrMalformed, a.Entry)
	}

	parent := make(map[string]string, len(a.Components))
	for _, c := range a.Components {
		for _, ch := range c.Children {
			if _, ok := byName[ch]; !ok {
				return fmt.Errorf("%w: %q references unknown component %q", ErrMalformed, c.Name, ch)
			}
			if ch == a.Entry {
				return fmt.Errorf("%w: %q references the entry %q", ErrMalformed, c.Name, ch)
			}
			if p, ok := parent[ch]; ok {
				return fmt.Errorf("%w: %q is referenced by both %q and %q", ErrMalformed, ch, p, c.Name)
			}
			parent[ch] = c.Name
		}
		if a.Format == FormatHTML && !slices.Equal(includes(c.Source), c.Children) {
			return fmt.Errorf("%w: includes of %q do not match its children", ErrMalformed, c.Name)
		}
	}

	// One parent each and an unreferenced entry: anything on a cycle is
	// unreachable from the entry.
	reached := 0
	stack := []string{a.Entry}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		reached++
		stack = append(stack, byName[name].Children...)
	}
	if reached != len(a.Components) {
		return fmt.Errorf("%w: %d of %d components are unreachable from %q",
			ErrMalformed, len(a.Components)-reached, len(a.Components), a.Entry)
	}
	return nil
}

// includeName reports the component named by an include marker line.
func includeName(line string) (string, bool) {
	inc, ok := strings.CutPrefix(strings.TrimSpace(line), includePrefix)
	if !ok {
		return "", false
	}
	return strings.CutSuffix(inc, includeSuffix)
}

func includes(src string) []string {
	var out []string
	for _, line := range strings.SplitAfter(src, "\n") {
		if name, ok := includeName(line); ok {
			out = append(out, name)
		}
	}
	return out
}
