package generate

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pageclone/analyze"
)

// PlaceholderImage is the src used for images at low fidelity.
const PlaceholderImage = "/placeholder.svg"

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// booleanAttrs are emitted without a value when present.
var booleanAttrs = map[string]bool{
	"allowfullscreen": true, "async": true, "autofocus": true, "autoplay": true,
	"checked": true, "controls": true, "default": true, "defer": true,
	"disabled": true, "hidden": true, "loop": true, "multiple": true,
	"muted": true, "novalidate": true, "open": true, "readonly": true,
	"required": true, "reversed": true, "selected": true,
}

// jsxNames maps HTML attribute names to their React prop names.
var jsxNames = map[string]string{
	"class": "className", "for": "htmlFor", "tabindex": "tabIndex",
	"readonly": "readOnly", "maxlength": "maxLength", "minlength": "minLength",
	"colspan": "colSpan", "rowspan": "rowSpan", "srcset": "srcSet",
	"crossorigin": "crossOrigin", "autocomplete": "autoComplete",
	"autofocus": "autoFocus", "autoplay": "autoPlay", "enctype": "encType",
	"contenteditable": "contentEditable", "accesskey": "accessKey",
	"allowfullscreen": "allowFullScreen", "novalidate": "noValidate",
	"usemap": "useMap", "datetime": "dateTime", "frameborder": "frameBorder",
	"referrerpolicy": "referrerPolicy", "spellcheck": "spellCheck",
	"inputmode": "inputMode", "formaction": "formAction", "srcdoc": "srcDoc",
	"xlink:href": "xlinkHref", "xml:lang": "xmlLang", "xml:space": "xmlSpace",
	"http-equiv": "httpEquiv", "charset": "charSet",
}

// urlAttrs hold URLs that are resolved against the page and scheme-checked.
var urlAttrs = map[string]bool{
	"href": true, "src": true, "action": true, "poster": true,
	"formaction": true, "cite": true, "data": true, "xlink:href": true,
}

// droppedAttrs never reach generated output.
var droppedAttrs = map[string]bool{
	"nonce": true, "integrity": true, "srcdoc": true, "ping": true,
}

var lorem = strings.Fields(`lorem ipsum dolor sit amet consectetur adipiscing
elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua ut enim
ad minim veniam quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea
commodo consequat`)

type attr struct {
	key, val string
	bare     bool
}

type cssRule struct {
	class string
	decls [][2]string
}

// component is a unit being emitted.
type component struct {
	node        *analyze.Node
	name        string
	reason      string
	parentStyle map[string]string

	body     strings.Builder
	children []string
	refs     map[string]bool
	rules    []cssRule
	classSeq int
}

func (c *component) ref(name string) {
	if c.refs == nil {
		c.refs = map[string]bool{}
	}
	if !c.refs[name] {
		c.refs[name] = true
		c.children = append(c.children, name)
	}
}

type emitter struct {
	cfg   Config
	root  *analyze.Node
	base  *url.URL
	names map[*analyze.Node]string
}

func (e *emitter) line(c *component, depth int, s string) {
	c.body.WriteString(strings.Repeat("  ", depth))
	c.body.WriteString(s)
	c.body.WriteByte('\n')
}

// render writes n at depth. Nested component roots become references.
func (e *emitter) render(c *component, n *analyze.Node, parentStyle map[string]string, depth int) {
	if n.IsText() {
		if t := e.text(n.Text); t != "" {
			e.line(c, depth, t)
		}
		return
	}
	if n != c.node {
		if name, ok := e.names[n]; ok {
			c.ref(name)
			e.line(c, depth, e.reference(name))
			return
		}
	}

	tag := n.Tag
	if n == e.root {
		tag = "div"
	}
	attrs := e.attrs(n, tag)
	if e.cfg.Fidelity == FidelityHigh {
		if class := e.styleClass(c, n, parentStyle); class != "" {
			attrs = addClass(attrs, class)
		}
	}
	open := "<" + tag + e.formatAttrs(attrs, tag)

	if voidElements[tag] {
		if e.cfg.Format == FormatHTML {
			e.line(c, depth, open+">")
		} else {
			e.line(c, depth, open+" />")
		}
		return
	}
	closeTag := "</" + tag + ">"
	switch {
	case len(n.Children) == 0:
		e.line(c, depth, open+">"+closeTag)
	case len(n.Children) == 1 && n.Children[0].IsText():
		e.line(c, depth, open+">"+e.text(strings.TrimSpace(n.Children[0].Text))+closeTag)
	default:
		e.line(c, depth, open+">")
		for _, ch := range n.Children {
			e.render(c, ch, n.Style, depth+1)
		}
		e.line(c, depth, closeTag)
	}
}

func (e *emitter) reference(name string) string {
	if e.cfg.Format == FormatHTML {
		return includePrefix + name + includeSuffix
	}
	return "<" + name + " />"
}

// text renders a text run for the target format.
func (e *emitter) text(t string) string {
	if e.cfg.Fidelity == FidelityLow {
		t = placeholder(t)
	}
	if strings.TrimSpace(t) == "" {
		return ""
	}
	switch e.cfg.Format {
	case FormatReact:
		if strings.ContainsAny(t, "{}<>&\n") {
			return "{" + jsString(t) + "}"
		}
		lead, trail := "", ""
		if strings.HasPrefix(t, " ") {
			lead = `{" "}`
		}
		if strings.HasSuffix(t, " ") {
			trail = `{" "}`
		}
		return lead + strings.TrimSpace(t) + trail
	case FormatVue:
		return strings.ReplaceAll(html.EscapeString(strings.TrimSpace(t)), "{{", "&#123;&#123;")
	}
	return html.EscapeString(strings.TrimSpace(t))
}

// placeholder replaces t with lorem ipsum of the same word count, keeping
// edge spaces.
func placeholder(t string) string {
	n := len(strings.Fields(t))
	if n == 0 {
		return t
	}
	words := make([]string, n)
	for i := range words {
		words[i] = lorem[i%len(lorem)]
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	out := strings.Join(words, " ")
	if strings.HasPrefix(t, " ") {
		out = " " + out
	}
	if strings.HasSuffix(t, " ") {
		out += " "
	}
	return out
}

// attrs selects and sanitises the attributes kept at the configured
// fidelity, sorted by name.
func (e *emitter) attrs(n *analyze.Node, tag string) []attr {
	var out []attr
	if e.cfg.Fidelity == FidelityLow {
		switch tag {
		case "a":
			out = append(out, attr{key: "href", val: "#"})
		case "img", "source", "video", "audio", "iframe", "embed":
			if _, ok := n.Attrs["src"]; ok || tag == "img" {
				out = append(out, attr{key: "src", val: PlaceholderImage})
			}
			if tag == "img" {
				out = append(out, attr{key: "alt", val: ""})
			}
		case "input", "button":
			if v := n.Attrs["type"]; v != "" {
				out = append(out, attr{key: "type", val: v})
			}
		case "td", "th":
			for _, k := range []string{"colspan", "rowspan"} {
				if v := n.Attrs[k]; v != "" {
					out = append(out, attr{key: k, val: v})
				}
			}
		}
		sortAttrs(out)
		return out
	}

	for k, v := range n.Attrs {
		lk := strings.ToLower(k)
		if droppedAttrs[lk] || strings.HasPrefix(k, ":") || strings.HasPrefix(k, "@") {
			continue
		}
		if e.cfg.Format == FormatVue && (strings.HasPrefix(lk, "v-") || lk == "is") {
			continue
		}
		if e.cfg.Format == FormatReact && strings.Contains(k, ":") && jsxNames[lk] == "" {
			continue
		}
		if urlAttrs[lk] {
			safe, ok := e.safeURL(lk, v)
			if !ok {
				continue
			}
			v = safe
		}
		out = append(out, attr{key: k, val: v, bare: booleanAttrs[lk] && (v == "" || strings.EqualFold(v, lk))})
	}
	sortAttrs(out)
	return out
}

func sortAttrs(a []attr) {
	sort.Slice(a, func(i, j int) bool { return a[i].key < a[j].key })
}

// safeURL resolves v against the page and rejects script-bearing schemes.
func (e *emitter) safeURL(key, v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "#") {
		return v, true
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "":
		if e.base != nil && e.base.Host != "" {
			return e.base.ResolveReference(u).String(), true
		}
		return v, true
	case "http", "https", "mailto", "tel":
		return v, true
	case "data":
		if key == "src" && strings.HasPrefix(strings.ToLower(v), "data:image/") {
			return v, true
		}
	}
	return "", false
}

func addClass(attrs []attr, class string) []attr {
	for i := range attrs {
		if attrs[i].key == "class" {
			attrs[i].val = strings.TrimSpace(attrs[i].val + " " + class)
			return attrs
		}
	}
	attrs = append(attrs, attr{key: "class", val: class})
	sortAttrs(attrs)
	return attrs
}

func (e *emitter) formatAttrs(attrs []attr, tag string) string {
	var b strings.Builder
	for _, a := range attrs {
		key := a.key
		if e.cfg.Format == FormatReact {
			key = jsxName(a.key, tag)
		}
		b.WriteByte(' ')
		b.WriteString(key)
		if a.bare {
			continue
		}
		if e.cfg.Format == FormatReact && strings.ContainsAny(a.val, "\"\\\n{}") {
			b.WriteString("={" + jsString(a.val) + "}")
			continue
		}
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.val))
		b.WriteByte('"')
	}
	return b.String()
}

// jsxName maps an attribute to its React prop. Form controls get the
// uncontrolled defaultValue and defaultChecked props.
func jsxName(k, tag string) string {
	lk := strings.ToLower(k)
	switch {
	case lk == "value" && (tag == "input" || tag == "textarea" || tag == "select"):
		return "defaultValue"
	case lk == "checked" && tag == "input":
		return "defaultChecked"
	case strings.HasPrefix(lk, "data-"), strings.HasPrefix(lk, "aria-"):
		return lk
	}
	if m, ok := jsxNames[lk]; ok {
		return m
	}
	if strings.Contains(k, "-") {
		// SVG presentation attributes: stroke-width -> strokeWidth.
		parts := strings.Split(k, "-")
		for i := 1; i < len(parts); i++ {
			if parts[i] != "" {
				parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
			}
		}
		return strings.Join(parts, "")
	}
	return k
}

// styleClass records the element's style as a generated class. Inherited
// properties equal to the parent's value are left to inheritance.
func (e *emitter) styleClass(c *component, n *analyze.Node, parentStyle map[string]string) string {
	keys := make([]string, 0, len(n.Style))
	for k, v := range n.Style {
		if analyze.Inherited(k) && parentStyle[k] == v {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	decls := make([][2]string, len(keys))
	for i, k := range keys {
		decls[i] = [2]string{k, n.Style[k]}
	}
	c.classSeq++
	class := kebab(c.name) + "-" + strconv.Itoa(c.classSeq)
	c.rules = append(c.rules, cssRule{class: class, decls: decls})
	return class
}

func (c *component) css() string {
	var b strings.Builder
	for i, r := range c.rules {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("." + r.class + " {\n")
		for _, d := range r.decls {
			b.WriteString("  " + d[0] + ": " + d[1] + ";\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
