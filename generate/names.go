package generate

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/hazyhaar/pageclone/analyze"
)

// rootName is the entry component's name for each format.
func rootName(f Format) string {
	if f == FormatHTML {
		return "Page"
	}
	return "App"
}

// reservedNames are never handed out: they are entry names or globals a
// generated module would shadow.
var reservedNames = []string{
	"App", "Page", "Fragment", "Suspense", "Transition", "Component", "Teleport",
	"Array", "Boolean", "Date", "Error", "Event", "Function", "Image", "JSON",
	"Map", "Math", "Node", "Number", "Object", "Option", "Promise", "Proxy",
	"Reflect", "Set", "String", "Symbol", "Text", "Window", "Document", "Element",
}

// namer hands out unique PascalCase names in the order they are requested.
type namer struct {
	used map[string]bool
}

func newNamer(reserved ...string) *namer {
	n := &namer{used: map[string]bool{}}
	for _, r := range reserved {
		n.used[r] = true
	}
	return n
}

func (nm *namer) unique(base string) string {
	name := base
	for i := 2; nm.used[name]; i++ {
		name = base + strconv.Itoa(i)
	}
	nm.used[name] = true
	return name
}

// baseName derives a component name from the node's id, first class, role
// or tag, in that order.
func baseName(n *analyze.Node) string {
	for _, cand := range []string{
		n.Attrs["id"],
		firstField(n.Attrs["class"]),
		n.Attrs["role"],
		n.Tag,
	} {
		if name := pascal(cand); name != "" {
			return name
		}
	}
	return "Section"
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// pascal converts an identifier-ish string ("site-header", "nav_main",
// "heroBanner") to PascalCase. Names that would start with a digit get a
// "C" prefix; strings without letters or digits yield "".
func pascal(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		switch {
		case r > unicode.MaxASCII:
			upper = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if upper {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(r)
			}
			upper = false
		default:
			upper = true
		}
	}
	out := b.String()
	if out != "" && unicode.IsDigit(rune(out[0])) {
		out = "C" + out
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

// kebab converts a PascalCase name to kebab-case for CSS class prefixes.
func kebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
