package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// spaMarkers are empty mount points and noscript notices left by
// client-rendered apps.
var spaMarkers = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	`<div id="__nuxt"></div>`,
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// IsSufficient reports whether static HTML carries enough visible text to
// be analysed without a browser. Less than 10% text or under 200 visible
// characters, or a known SPA mount point, means a browser is needed.
func IsSufficient(doc []byte) bool {
	if len(doc) < 256 {
		return false
	}
	lower := bytes.ToLower(doc)
	for _, m := range spaMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return false
		}
	}

	text, markup := textMarkup(doc)
	total := text + markup
	if total == 0 {
		return false
	}
	if float64(text)/float64(total) < 0.10 {
		return false
	}
	return text >= 200
}

// textMarkup counts non-whitespace text bytes outside script/style against
// every other byte of the document.
func textMarkup(doc []byte) (text, markup int) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return text, markup
		case html.TextToken:
			raw := z.Raw()
			if skip > 0 {
				markup += len(raw)
				continue
			}
			n := len(strings.Join(strings.Fields(string(raw)), ""))
			text += n
			markup += len(raw) - n
		case html.StartTagToken:
			markup += len(z.Raw())
			if name, _ := z.TagName(); isRawText(string(name)) {
				skip++
			}
		case html.EndTagToken:
			markup += len(z.Raw())
			if name, _ := z.TagName(); isRawText(string(name)) && skip > 0 {
				skip--
			}
		default:
			markup += len(z.Raw())
		}
	}
}

func isRawText(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript" || tag == "template"
}
