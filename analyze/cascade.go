package analyze

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Cascade precedence, lowest to highest. Within a tier declarations are
// ordered by (specificity, source order); the last one applied wins.
const (
	tierAuthor = iota
	tierInline
	tierAuthorImportant
	tierInlineImportant
)

// inherited lists the properties that flow from parent to child when the
// element does not set them.
var inherited = map[string]bool{
	"color":               true,
	"cursor":              true,
	"direction":           true,
	"font":                true,
	"font-family":         true,
	"font-size":           true,
	"font-style":          true,
	"font-variant":        true,
	"font-weight":         true,
	"letter-spacing":      true,
	"line-height":         true,
	"list-style":          true,
	"list-style-image":    true,
	"list-style-position": true,
	"list-style-type":     true,
	"quotes":              true,
	"text-align":          true,
	"text-indent":         true,
	"text-transform":      true,
	"visibility":          true,
	"white-space":         true,
	"word-spacing":        true,
}

// Inherited reports whether prop inherits by default.
func Inherited(prop string) bool { return inherited[prop] }

type candidate struct {
	decl
	tier int
	spec specificity
}

// cascade resolves the style of element n given its parent's resolved style.
// Custom properties (--*) inherit and are substituted into var() references.
func cascade(rules []rule, inline []decl, n *html.Node, parent map[string]string) map[string]string {
	var cands []candidate
	for i := range rules {
		r := &rules[i]
		if !r.sel.match(n) {
			continue
		}
		for _, d := range r.decls {
			t := tierAuthor
			if d.important {
				t = tierAuthorImportant
			}
			cands = append(cands, candidate{decl: d, tier: t, spec: r.sel.spec})
		}
	}
	for _, d := range inline {
		t := tierInline
		if d.important {
			t = tierInlineImportant
		}
		cands = append(cands, candidate{decl: d, tier: t})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.spec != b.spec {
			return a.spec.less(b.spec)
		}
		return a.seq < b.seq
	})

	out := make(map[string]string, len(parent)+len(cands))
	for k, v := range parent {
		if inherited[k] || strings.HasPrefix(k, "--") {
			out[k] = v
		}
	}
	for _, c := range cands {
		switch strings.ToLower(c.value) {
		case "inherit":
			if v, ok := parent[c.prop]; ok {
				out[c.prop] = v
			} else {
				delete(out, c.prop)
			}
		case "initial":
			delete(out, c.prop)
		case "unset":
			if v, ok := parent[c.prop]; ok && inherited[c.prop] {
				out[c.prop] = v
			} else {
				delete(out, c.prop)
			}
		default:
			out[c.prop] = c.value
		}
	}

	for k, v := range out {
		if strings.Contains(v, "var(") {
			if r, ok := substituteVars(v, out, 0); ok {
				out[k] = r
			} else {
				delete(out, k)
			}
		}
	}
	return out
}

const maxVarDepth = 8

// substituteVars replaces var(--name[, fallback]) references. It reports
// false when a reference cannot be resolved and has no fallback.
func substituteVars(v string, env map[string]string, depth int) (string, bool) {
	if depth > maxVarDepth {
		return "", false
	}
	var b strings.Builder
	for {
		i := strings.Index(v, "var(")
		if i < 0 {
			b.WriteString(v)
			return strings.TrimSpace(b.String()), true
		}
		b.WriteString(v[:i])
		end := matchParen(v, i+3)
		if end < 0 {
			return "", false
		}
		inner := v[i+4 : end]
		name, fallback, hasFallback := strings.Cut(inner, ",")
		name = strings.TrimSpace(name)
		val, ok := env[name]
		if ok && !strings.Contains(val, "var(") {
			b.WriteString(val)
		} else if ok {
			r, ok := substituteVars(val, env, depth+1)
			if !ok {
				return "", false
			}
			b.WriteString(r)
		} else if hasFallback {
			r, ok := substituteVars(strings.TrimSpace(fallback), env, depth+1)
			if !ok {
				return "", false
			}
			b.WriteString(r)
		} else {
			return "", false
		}
		v = v[end+1:]
	}
}

// matchParen returns the index of the ')' matching the '(' at open.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
