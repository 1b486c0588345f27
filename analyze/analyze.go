// Package analyze turns fetched HTML and CSS into a structural tree: pruned
// DOM, resolved styles and layout hints. Analysis never fails on malformed
// markup; the offending fragment is dropped and the rest is kept.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pageclone/fetch"
	"github.com/hazyhaar/pageclone/telemetry"
)

// ErrNoContent is returned when there is nothing to analyze.
var ErrNoContent = errors.New("analyze: no fetched content")

// prunedTags never reach the tree, in any namespace.
var prunedTags = map[string]bool{
	"script": true, "style": true, "link": true, "meta": true, "noscript": true,
	"template": true, "head": true, "title": true, "base": true,
}

// Analyzer converts fetched content into a Tree.
type Analyzer struct {
	logger *slog.Logger
	// beforeConvert runs before each node is converted. Tests use it to
	// inject faults.
	beforeConvert func(*html.Node)
}

// New creates an Analyzer. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger}
}

// Analyze runs a default Analyzer.
func Analyze(content *fetch.Content) (*Tree, error) {
	return New(nil).Analyze(context.Background(), content)
}

// Analyze parses content and builds its structural tree.
func (a *Analyzer) Analyze(ctx context.Context, content *fetch.Content) (*Tree, error) {
	if content == nil || strings.TrimSpace(content.HTML) == "" {
		return nil, ErrNoContent
	}
	_, span := telemetry.Start(ctx, "analyze", attribute.String("url", content.URL))

	doc, err := html.Parse(strings.NewReader(content.HTML))
	if err != nil {
		err = fmt.Errorf("analyze: parse: %w", err)
		telemetry.End(span, err)
		return nil, err
	}

	pageURL, err := url.Parse(content.URL)
	if err != nil {
		pageURL = &url.URL{}
	}

	cv := &converter{
		logger: a.logger,
		hook:   a.beforeConvert,
		sheets: &sheetParser{logger: a.logger},
	}
	tree := &Tree{SourceURL: content.URL}
	cv.collect(doc, pageURL, content.Stylesheets, tree)
	tree.Stats.Rules = len(cv.sheets.rules)

	htmlEl := findElement(doc, atom.Html)
	var rootStyle map[string]string
	if htmlEl != nil {
		tree.Lang = strings.TrimSpace(getAttr(htmlEl, "lang"))
		rootStyle = cascade(cv.sheets.rules, cv.sheets.inline(getAttr(htmlEl, "style")), htmlEl, nil)
	}

	body := findElement(doc, atom.Body)
	if body != nil {
		if nodes := cv.safe(body, rootStyle, false); len(nodes) == 1 && nodes[0].Tag == "body" {
			tree.Root = nodes[0]
		}
	}
	if tree.Root == nil {
		tree.Root = &Node{Tag: "body", Layout: layoutOf("body", "", nil)}
	}

	cv.stats.Rules = tree.Stats.Rules
	cv.stats.RulesSkipped = cv.sheets.skipped
	tree.Stats = cv.stats

	a.logger.Debug("analyze: done", "url", content.URL,
		"elements", tree.Stats.Elements, "pruned", tree.Stats.Pruned,
		"malformed", tree.Stats.Malformed, "recovered", tree.Stats.Recovered,
		"rules", tree.Stats.Rules, "rules_skipped", tree.Stats.RulesSkipped)
	span.SetAttributes(attribute.Int("elements", tree.Stats.Elements))
	telemetry.End(span, nil)
	return tree, nil
}

type converter struct {
	logger *slog.Logger
	hook   func(*html.Node)
	sheets *sheetParser
	stats  Stats
}

// collect gathers metadata and stylesheets in document order.
func (cv *converter) collect(doc *html.Node, pageURL *url.URL, fetched []fetch.Stylesheet, tree *Tree) {
	byURL := make(map[string]string, len(fetched))
	for _, s := range fetched {
		byURL[s.URL] = s.CSS
	}
	base := pageURL
	baseSet := false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Namespace == "" {
			switch n.DataAtom {
			case atom.Base:
				if href := getAttr(n, "href"); href != "" && !baseSet {
					if u, err := pageURL.Parse(href); err == nil {
						base, baseSet = u, true
					}
				}
			case atom.Title:
				if tree.Title == "" {
					tree.Title = collapse(textOf(n))
				}
			case atom.Meta:
				name := strings.ToLower(getAttr(n, "name"))
				if tree.Description == "" && (name == "description" || getAttr(n, "property") == "og:description") {
					tree.Description = strings.TrimSpace(getAttr(n, "content"))
				}
			case atom.Link:
				rel := strings.Fields(strings.ToLower(getAttr(n, "rel")))
				if !contains(rel, "stylesheet") || contains(rel, "alternate") || !mediaApplies(getAttr(n, "media")) {
					break
				}
				u, err := base.Parse(strings.TrimSpace(getAttr(n, "href")))
				if err != nil {
					break
				}
				u.Fragment = ""
				if css, ok := byURL[u.String()]; ok {
					cv.sheets.add(u.String(), css)
				}
			case atom.Style:
				if t := strings.ToLower(getAttr(n, "type")); t != "" && t != "text/css" {
					break
				}
				if mediaApplies(getAttr(n, "media")) {
					cv.sheets.add("<style>", textOf(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
}

func (cv *converter) children(n *html.Node, env map[string]string, pre bool) []*Node {
	var out []*Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, cv.safe(c, env, pre)...)
	}
	return out
}

// safe converts one subtree. A panic drops that subtree only.
func (cv *converter) safe(n *html.Node, env map[string]string, pre bool) (out []*Node) {
	defer func() {
		if r := recover(); r != nil {
			cv.stats.Recovered++
			cv.logger.Warn("analyze: subtree skipped", "tag", n.Data, "panic", fmt.Sprint(r))
			out = nil
		}
	}()
	if cv.hook != nil {
		cv.hook(n)
	}
	return cv.node(n, env, pre)
}

// node converts n. It returns several nodes when n is a malformed element
// whose children are hoisted, and none when n is pruned.
func (cv *converter) node(n *html.Node, env map[string]string, pre bool) []*Node {
	switch n.Type {
	case html.TextNode:
		text := n.Data
		if strings.TrimSpace(text) == "" {
			return nil
		}
		if !pre {
			text = collapseKeepEdges(text)
		}
		cv.stats.TextNodes++
		return []*Node{{Tag: TextTag, Text: text}}
	case html.ElementNode:
	default:
		return nil
	}

	if prunedTags[n.Data] {
		cv.stats.Pruned++
		return nil
	}
	if !validTagName(n.Data) {
		cv.stats.Malformed++
		return cv.children(n, env, pre)
	}
	if _, ok := lookupAttr(n, "hidden"); ok || (n.DataAtom == atom.Input && strings.EqualFold(getAttr(n, "type"), "hidden")) {
		cv.stats.Pruned++
		return nil
	}

	resolved := cascade(cv.sheets.rules, cv.sheets.inline(getAttr(n, "style")), n, env)
	if strings.EqualFold(resolved["display"], "none") {
		cv.stats.Pruned++
		return nil
	}

	el := &Node{Tag: n.Data, Attrs: cv.attrs(n), Style: visible(resolved)}
	el.Layout = layoutOf(n.Data, el.Attrs["role"], resolved)
	if n.DataAtom == atom.Pre || n.DataAtom == atom.Textarea || strings.HasPrefix(resolved["white-space"], "pre") {
		pre = true
	}
	el.Children = cv.children(n, resolved, pre)
	if len(el.Children) == 1 && el.Children[0].IsText() {
		el.Text = strings.TrimSpace(el.Children[0].Text)
	}
	cv.stats.Elements++
	return []*Node{el}
}

// attrs copies the attributes worth keeping. Invalid names, event handlers
// and style (already resolved) are dropped.
func (cv *converter) attrs(n *html.Node) map[string]string {
	var out map[string]string
	for _, a := range n.Attr {
		key := a.Key
		if a.Namespace != "" {
			key = a.Namespace + ":" + a.Key
		}
		if !validAttrName(key) {
			cv.stats.AttrsDropped++
			continue
		}
		lk := strings.ToLower(key)
		if lk == "style" || strings.HasPrefix(lk, "on") {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(n.Attr))
		}
		out[key] = a.Val
	}
	return out
}

// visible drops custom properties, which only matter for var() resolution.
func visible(style map[string]string) map[string]string {
	var out map[string]string
	for k, v := range style {
		if strings.HasPrefix(k, "--") {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(style))
		}
		out[k] = v
	}
	return out
}

func validTagName(name string) bool {
	if name == "" || !isLetter(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '-' && c != '_' && c != '.' {
			return false
		}
	}
	return true
}

func validAttrName(name string) bool {
	if name == "" {
		return false
	}
	if c := name[0]; !isLetter(c) && c != '_' && c != ':' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '-' && c != '_' && c != ':' && c != '.' {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findElement(c, a); f != nil {
			return f
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// collapseKeepEdges collapses whitespace runs to one space, keeping a single
// leading or trailing space where the source had one.
func collapseKeepEdges(s string) string {
	out := collapse(s)
	if isSpace(s[0]) {
		out = " " + out
	}
	if isSpace(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
