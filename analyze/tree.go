package analyze

// TextTag is the Tag of text nodes.
const TextTag = "#text"

// Tree is the structural model of one fetched page.
type Tree struct {
	Root        *Node  `json:"root"` // the <body>
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Lang        string `json:"lang,omitempty"`
	SourceURL   string `json:"sourceUrl"`
	Stats       Stats  `json:"stats"`
}

// Node is an element or a text run. Style holds the resolved value of every
// property that applies to the element, inherited ones included.
type Node struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Style    map[string]string `json:"style,omitempty"`
	Layout   Layout            `json:"layout"`
	Children []*Node           `json:"children,omitempty"`
	Text     string            `json:"text,omitempty"`
}

// Layout annotates how an element participates in layout.
type Layout struct {
	Display  string `json:"display,omitempty"`
	Position string `json:"position,omitempty"`
	Flex     bool   `json:"flex,omitempty"`
	Grid     bool   `json:"grid,omitempty"`
	Landmark bool   `json:"landmark,omitempty"`
}

// Stats counts what the analyzer kept and dropped.
type Stats struct {
	Elements     int `json:"elements"`
	TextNodes    int `json:"textNodes"`
	Pruned       int `json:"pruned"`
	Malformed    int `json:"malformed"`
	AttrsDropped int `json:"attrsDropped"`
	Recovered    int `json:"recovered"`
	Rules        int `json:"rules"`
	RulesSkipped int `json:"rulesSkipped"`
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.Tag == TextTag }

// ElementChildren returns the element children of n in order.
func (n *Node) ElementChildren() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if !c.IsText() {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// landmarkTags are sectioning elements that mark page regions.
var landmarkTags = map[string]bool{
	"header": true, "nav": true, "main": true, "footer": true,
	"aside": true, "section": true, "article": true, "form": true,
}

// landmarkRoles are the ARIA landmark roles.
var landmarkRoles = map[string]bool{
	"banner": true, "navigation": true, "main": true, "contentinfo": true,
	"complementary": true, "region": true, "search": true, "form": true,
}

// IsLandmark reports whether an element with this tag and role is a page
// landmark.
func IsLandmark(tag, role string) bool {
	return landmarkTags[tag] || landmarkRoles[role]
}

// uaDisplay is the user-agent default display for tags that are not inline.
var uaDisplay = map[string]string{
	"address": "block", "article": "block", "aside": "block", "blockquote": "block",
	"body": "block", "details": "block", "dialog": "block", "dd": "block",
	"div": "block", "dl": "block", "dt": "block", "fieldset": "block",
	"figcaption": "block", "figure": "block", "footer": "block", "form": "block",
	"h1": "block", "h2": "block", "h3": "block", "h4": "block", "h5": "block",
	"h6": "block", "header": "block", "hgroup": "block", "hr": "block",
	"html": "block", "legend": "block", "main": "block", "menu": "block",
	"nav": "block", "ol": "block", "p": "block", "pre": "block",
	"search": "block", "section": "block", "summary": "block", "ul": "block",
	"li": "list-item",
	"table": "table", "caption": "table-caption", "thead": "table-header-group",
	"tbody": "table-row-group", "tfoot": "table-footer-group", "tr": "table-row",
	"td": "table-cell", "th": "table-cell", "col": "table-column",
	"colgroup": "table-column-group",
	"button": "inline-block", "input": "inline-block", "select": "inline-block",
	"textarea": "inline-block", "meter": "inline-block", "progress": "inline-block",
}

func layoutOf(tag, role string, style map[string]string) Layout {
	l := Layout{
		Display:  style["display"],
		Position: style["position"],
		Landmark: IsLandmark(tag, role),
	}
	if l.Display == "" {
		if d, ok := uaDisplay[tag]; ok {
			l.Display = d
		} else {
			l.Display = "inline"
		}
	}
	if l.Position == "" {
		l.Position = "static"
	}
	l.Flex = l.Display == "flex" || l.Display == "inline-flex"
	l.Grid = l.Display == "grid" || l.Display == "inline-grid"
	return l
}
