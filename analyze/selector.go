package analyze

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/css/scanner"
	"golang.org/x/net/html"
)

var errSelector = errors.New("analyze: invalid selector")

type combinator byte

const (
	descendant combinator = ' '
	child      combinator = '>'
	adjacent   combinator = '+'
	sibling    combinator = '~'
)

type attrSel struct {
	name string
	op   string // "", "=", "~=", "|=", "^=", "$=", "*="
	val  string
}

type compound struct {
	tag     string // "" or "*" matches any element
	id      string
	classes []string
	attrs   []attrSel
	pseudos []string
	// never is set for dynamic or unsupported pseudo-classes and for
	// pseudo-elements: the selector is valid but can never match a node.
	never bool
}

func (c *compound) empty() bool {
	return c.tag == "" && c.id == "" && len(c.classes) == 0 && len(c.attrs) == 0 && len(c.pseudos) == 0 && !c.never
}

// specificity is (ids, classes+attributes+pseudo-classes, types).
type specificity [3]int

func (a specificity) less(b specificity) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// selector is a complex selector. parts are left to right; combs[i] joins
// parts[i] and parts[i+1].
type selector struct {
	raw   string
	parts []compound
	combs []combinator
	spec  specificity
	never bool
}

// supportedPseudo are the structural pseudo-classes evaluated statically.
var supportedPseudo = map[string]bool{
	"root":        true,
	"first-child": true,
	"last-child":  true,
	"only-child":  true,
}

// legacyPseudoElements may be written with a single colon.
var legacyPseudoElements = map[string]bool{
	"before": true, "after": true, "first-line": true, "first-letter": true,
}

// parseSelector tokenises one complex selector with the CSS scanner.
func parseSelector(raw string) (*selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errSelector
	}

	s := &selector{raw: raw}
	var cur compound
	pending := combinator(0)
	sawSpace := false

	flush := func() error {
		if cur.empty() {
			return fmt.Errorf("%w: %q: empty compound", errSelector, raw)
		}
		if len(s.parts) > 0 {
			if pending == 0 {
				pending = descendant
			}
			s.combs = append(s.combs, pending)
		}
		s.parts = append(s.parts, cur)
		cur = compound{}
		pending = 0
		sawSpace = false
		return nil
	}

	sc := scanner.New(raw)
	for {
		tok := next(sc)
		switch tok.Type {
		case scanner.TokenEOF:
			if err := flush(); err != nil {
				return nil, err
			}
			s.finish()
			return s, nil
		case scanner.TokenError:
			return nil, fmt.Errorf("%w: %q: %s", errSelector, raw, tok.Value)
		case scanner.TokenS:
			if !cur.empty() {
				sawSpace = true
			}
			continue
		}

		// A compound ended on whitespace; anything but an explicit
		// combinator starts the next one.
		isComb := tok.Type == scanner.TokenChar && (tok.Value == ">" || tok.Value == "+" || tok.Value == "~")
		if sawSpace && !isComb {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		switch {
		case isComb:
			if !cur.empty() {
				if err := flush(); err != nil {
					return nil, err
				}
			} else if len(s.parts) == 0 || pending != 0 {
				return nil, fmt.Errorf("%w: %q: dangling combinator", errSelector, raw)
			}
			pending = combinator(tok.Value[0])
		case tok.Type == scanner.TokenIdent:
			if cur.tag != "" || !cur.empty() {
				return nil, fmt.Errorf("%w: %q: unexpected %q", errSelector, raw, tok.Value)
			}
			cur.tag = strings.ToLower(tok.Value)
		case tok.Type == scanner.TokenChar && tok.Value == "*":
			if !cur.empty() {
				return nil, fmt.Errorf("%w: %q: misplaced *", errSelector, raw)
			}
			cur.tag = "*"
		case tok.Type == scanner.TokenHash:
			cur.id = tok.Value[1:]
		case tok.Type == scanner.TokenChar && tok.Value == ".":
			id := next(sc)
			if id.Type != scanner.TokenIdent {
				return nil, fmt.Errorf("%w: %q: bad class", errSelector, raw)
			}
			cur.classes = append(cur.classes, id.Value)
		case tok.Type == scanner.TokenChar && tok.Value == "[":
			a, err := parseAttr(sc)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", errSelector, raw, err)
			}
			cur.attrs = append(cur.attrs, a)
		case tok.Type == scanner.TokenChar && tok.Value == ":":
			if err := parsePseudo(sc, &cur); err != nil {
				return nil, fmt.Errorf("%w: %q: %v", errSelector, raw, err)
			}
		default:
			return nil, fmt.Errorf("%w: %q: unexpected %s", errSelector, raw, tok.Value)
		}
	}
}

// next skips comments.
func next(sc *scanner.Scanner) *scanner.Token {
	for {
		t := sc.Next()
		if t.Type != scanner.TokenComment {
			return t
		}
	}
}

func nextNonSpace(sc *scanner.Scanner) *scanner.Token {
	for {
		t := next(sc)
		if t.Type != scanner.TokenS {
			return t
		}
	}
}

func parseAttr(sc *scanner.Scanner) (attrSel, error) {
	var a attrSel
	t := nextNonSpace(sc)
	if t.Type != scanner.TokenIdent {
		return a, errors.New("bad attribute name")
	}
	a.name = strings.ToLower(t.Value)

	t = nextNonSpace(sc)
	switch {
	case t.Type == scanner.TokenChar && t.Value == "]":
		return a, nil
	case t.Type == scanner.TokenChar && t.Value == "=":
		a.op = "="
	case t.Type == scanner.TokenIncludes, t.Type == scanner.TokenDashMatch,
		t.Type == scanner.TokenPrefixMatch, t.Type == scanner.TokenSuffixMatch,
		t.Type == scanner.TokenSubstringMatch:
		a.op = t.Value
	default:
		return a, errors.New("bad attribute operator")
	}

	t = nextNonSpace(sc)
	switch t.Type {
	case scanner.TokenIdent, scanner.TokenNumber:
		a.val = t.Value
	case scanner.TokenString:
		a.val = unquote(t.Value)
	default:
		return a, errors.New("bad attribute value")
	}

	t = nextNonSpace(sc)
	// Case flag: [type="a" i]
	if t.Type == scanner.TokenIdent && (t.Value == "i" || t.Value == "s") {
		t = nextNonSpace(sc)
	}
	if t.Type != scanner.TokenChar || t.Value != "]" {
		return a, errors.New("unterminated attribute selector")
	}
	return a, nil
}

func parsePseudo(sc *scanner.Scanner, cur *compound) error {
	t := next(sc)
	switch {
	case t.Type == scanner.TokenChar && t.Value == ":":
		// ::pseudo-element
		if t = next(sc); t.Type == scanner.TokenFunction {
			if err := skipArgs(sc); err != nil {
				return err
			}
		} else if t.Type != scanner.TokenIdent {
			return errors.New("bad pseudo-element")
		}
		cur.never = true
	case t.Type == scanner.TokenIdent:
		name := strings.ToLower(t.Value)
		switch {
		case supportedPseudo[name]:
			cur.pseudos = append(cur.pseudos, name)
		case legacyPseudoElements[name]:
			cur.never = true
		default:
			cur.never = true
		}
	case t.Type == scanner.TokenFunction:
		// :not(), :nth-child() ... are not evaluated.
		if err := skipArgs(sc); err != nil {
			return err
		}
		cur.never = true
	default:
		return errors.New("bad pseudo-class")
	}
	return nil
}

// skipArgs consumes tokens up to the ')' closing an already-opened function.
func skipArgs(sc *scanner.Scanner) error {
	depth := 1
	for {
		t := next(sc)
		switch {
		case t.Type == scanner.TokenEOF || t.Type == scanner.TokenError:
			return errors.New("unterminated function")
		case t.Type == scanner.TokenFunction:
			depth++
		case t.Type == scanner.TokenChar && t.Value == "(":
			depth++
		case t.Type == scanner.TokenChar && t.Value == ")":
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (s *selector) finish() {
	for _, c := range s.parts {
		if c.never {
			s.never = true
		}
		if c.id != "" {
			s.spec[0]++
		}
		s.spec[1] += len(c.classes) + len(c.attrs) + len(c.pseudos)
		if c.tag != "" && c.tag != "*" {
			s.spec[2]++
		}
	}
}

// match reports whether n is matched by s, evaluating right to left.
func (s *selector) match(n *html.Node) bool {
	if s.never || n.Type != html.ElementNode {
		return false
	}
	return s.matchAt(n, len(s.parts)-1)
}

func (s *selector) matchAt(n *html.Node, i int) bool {
	if !s.parts[i].match(n) {
		return false
	}
	if i == 0 {
		return true
	}
	switch s.combs[i-1] {
	case child:
		p := parentElement(n)
		return p != nil && s.matchAt(p, i-1)
	case descendant:
		for p := parentElement(n); p != nil; p = parentElement(p) {
			if s.matchAt(p, i-1) {
				return true
			}
		}
	case adjacent:
		p := prevElement(n)
		return p != nil && s.matchAt(p, i-1)
	case sibling:
		for p := prevElement(n); p != nil; p = prevElement(p) {
			if s.matchAt(p, i-1) {
				return true
			}
		}
	}
	return false
}

func (c *compound) match(n *html.Node) bool {
	if c.never {
		return false
	}
	if c.tag != "" && c.tag != "*" && c.tag != n.Data {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		if !a.match(n) {
			return false
		}
	}
	for _, p := range c.pseudos {
		switch p {
		case "root":
			if n.Parent == nil || n.Parent.Type != html.DocumentNode {
				return false
			}
		case "first-child":
			if prevElement(n) != nil {
				return false
			}
		case "last-child":
			if nextElement(n) != nil {
				return false
			}
		case "only-child":
			if prevElement(n) != nil || nextElement(n) != nil {
				return false
			}
		}
	}
	return true
}

func (a attrSel) match(n *html.Node) bool {
	v, ok := lookupAttr(n, a.name)
	if !ok {
		return false
	}
	switch a.op {
	case "":
		return true
	case "=":
		return v == a.val
	case "~=":
		return contains(strings.Fields(v), a.val)
	case "|=":
		return v == a.val || strings.HasPrefix(v, a.val+"-")
	case "^=":
		return a.val != "" && strings.HasPrefix(v, a.val)
	case "$=":
		return a.val != "" && strings.HasSuffix(v, a.val)
	case "*=":
		return a.val != "" && strings.Contains(v, a.val)
	}
	return false
}

func parentElement(n *html.Node) *html.Node {
	if p := n.Parent; p != nil && p.Type == html.ElementNode {
		return p
	}
	return nil
}

func prevElement(n *html.Node) *html.Node {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
