package preview

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"html"
	"html/template"
	"sort"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"github.com/zeebo/blake3"

	"github.com/hazyhaar/pageclone/generate"
)

var docTmpl = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
{{range .Meta}}<meta name="{{.Name}}" content="{{.Content}}">
{{end}}<title>{{.Title}}</title>
{{if .CSS}}<style>
{{.CSS}}</style>
{{end}}</head>
<body>
{{.Body}}
</body>
</html>
`))

var listingTmpl = template.Must(template.New("listing").Parse(`<p>{{.Format}} artifact, entry <a href="#{{.Entry}}">{{.Entry}}</a>, {{len .Components}} components</p>
{{range .Components}}<section id="{{.Name}}">
<h2>{{.Name}}</h2>
{{if .Children}}<p>Uses {{range $i, $c := .Children}}{{if $i}}, {{end}}<a href="#{{$c}}">{{$c}}</a>{{end}}</p>
{{end}}<pre><code class="language-{{$.Lang}}">{{.Source}}</code></pre>
{{if .Style}}<pre><code class="language-css">{{.Style}}</code></pre>
{{end}}</section>
{{end}}`))

type metaTag struct {
	Name, Content string
}

type view struct {
	Title string
	Meta  []metaTag
	CSS   template.CSS
	Body  template.HTML
}

type renderer struct {
	body   *bluemonday.Policy
	strict *bluemonday.Policy
	md     *converter.Converter
}

func newRenderer() *renderer {
	body := bluemonday.UGCPolicy()
	body.AllowStyling()
	body.AllowElements("header", "nav", "main", "footer", "div", "span", "label", "button")
	body.AllowAttrs("id").Globally()
	return &renderer{
		body:   body,
		strict: bluemonday.StrictPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// plain strips markup from s and returns unescaped text for the template
// to escape once.
func (r *renderer) plain(s string) string {
	return strings.TrimSpace(html.UnescapeString(r.strict.Sanitize(s)))
}

func (r *renderer) view(rec *Record) (*view, error) {
	v := &view{}
	switch rec.Kind {
	case KindArtifact:
		a := rec.Artifact
		if a == nil {
			return nil, fmt.Errorf("%w: record %s has no artifact", ErrInvalidPayload, rec.ID)
		}
		v.Title = r.plain(a.Title)
		if v.Title == "" {
			v.Title = "Preview of " + a.Entry
		}
		if a.Format == generate.FormatHTML {
			body, css, err := generate.AssembleParts(a)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
			v.Body = template.HTML(r.body.Sanitize(body))
			v.CSS = template.CSS(css)
			return v, nil
		}
		var buf bytes.Buffer
		lang := "jsx"
		if a.Format == generate.FormatVue {
			lang = "vue"
		}
		err := listingTmpl.Execute(&buf, struct {
			*generate.Artifact
			Lang string
		}{a, lang})
		if err != nil {
			return nil, fmt.Errorf("preview: listing: %w", err)
		}
		v.Body = template.HTML(buf.String())
	case KindPage:
		p := rec.Page
		if p == nil {
			return nil, fmt.Errorf("%w: record %s has no page data", ErrInvalidPayload, rec.ID)
		}
		v.Title = r.plain(p.Title)
		if d := r.plain(p.Description); d != "" {
			v.Meta = append(v.Meta, metaTag{Name: "description", Content: d})
		}
		keys := make([]string, 0, len(p.Meta))
		for k := range p.Meta {
			if !strings.EqualFold(k, "description") && !strings.EqualFold(k, "robots") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			v.Meta = append(v.Meta, metaTag{Name: r.plain(k), Content: r.plain(p.Meta[k])})
		}
		v.Body = template.HTML(r.body.Sanitize(p.Content))
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, rec.Kind)
	}
	return v, nil
}

func (r *renderer) html(rec *Record) (string, error) {
	v, err := r.view(rec)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := docTmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("preview: render: %w", err)
	}
	return buf.String(), nil
}

func (r *renderer) markdown(rec *Record) (string, error) {
	v, err := r.view(rec)
	if err != nil {
		return "", err
	}
	md, err := r.md.ConvertString(string(v.Body))
	if err != nil {
		return "", fmt.Errorf("preview: markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if v.Title != "" {
		md = "# " + v.Title + "\n\n" + md
	}
	return md + "\n", nil
}

// ETag returns a strong validator for a rendered body.
func ETag(body string) string {
	sum := blake3.Sum256([]byte(body))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
