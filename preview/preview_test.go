package preview

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/pageclone/dbopen"
	"github.com/hazyhaar/pageclone/generate"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	m, err := New(dbopen.OpenMemory(t), Config{TTL: time.Hour})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func htmlArtifact() *generate.Artifact {
	a := &generate.Artifact{
		Format: generate.FormatHTML,
		Entry:  "Page",
		Title:  "Acme & Co",
		Components: []generate.Component{
			{Name: "Page", Reason: "root", Children: []string{"Hero"},
				Source: "<div class=\"page-1\">\n  <!-- include: Hero -->\n</div>\n",
				Style:  ".page-1 {\n  color: red;\n}\n"},
			{Name: "Hero", Reason: "landmark", Children: []string{},
				Source: "<section>\n  <h1>Welcome</h1>\n  <script>alert(1)</script>\n</section>\n"},
		},
	}
	a.Fingerprint, _ = generate.Fingerprint(a)
	return a
}

func TestPublishResolve_Artifact(t *testing.T) {
	// WHAT: a published artifact resolves to an identical record.
	m := newTestMaterializer(t)
	ctx := context.Background()

	rec, err := m.Publish(ctx, Payload{Artifact: htmlArtifact()})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.HasPrefix(rec.ID, "pv_") || rec.URL() != "/api/preview/"+rec.ID {
		t.Fatalf("id = %q url = %q", rec.ID, rec.URL())
	}
	if rec.Kind != KindArtifact || !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Fatalf("record = %+v", rec)
	}

	got, err := m.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(got.Artifact, rec.Artifact) {
		t.Fatalf("artifact mismatch:\n%+v\n%+v", got.Artifact, rec.Artifact)
	}
	if got.CreatedAt.UnixMilli() != rec.CreatedAt.UnixMilli() {
		t.Fatalf("createdAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestPublishResolve_Page(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	page := &PageData{Title: "Hello", Description: "d", Content: "<p>body</p>", Meta: map[string]string{"author": "me"}}

	rec, err := m.Publish(ctx, Payload{Page: page})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := m.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Kind != KindPage || !reflect.DeepEqual(got.Page, page) {
		t.Fatalf("got %+v", got.Page)
	}
}

func TestResolve_UnknownAndExpired(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()

	for _, id := range []string{"pv_doesnotexist0000", "nope", "", "pv_../../etc", "PV_ABC"} {
		if _, err := m.Resolve(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) = %v, want ErrNotFound", id, err)
		}
	}

	base := time.Now()
	m.now = func() time.Time { return base }
	rec, err := m.Publish(ctx, Payload{Page: &PageData{Title: "t"}})
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return base.Add(time.Hour + time.Millisecond) }
	if _, err := m.Resolve(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: %v, want ErrNotFound", err)
	}

	n, err := m.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
}

func TestPublish_InvalidPayload(t *testing.T) {
	m := newTestMaterializer(t)
	ctx := context.Background()
	bad := []Payload{
		{},
		{Artifact: htmlArtifact(), Page: &PageData{Title: "x"}},
		{Artifact: &generate.Artifact{Format: generate.FormatReact}},
		{Artifact: &generate.Artifact{Format: "svelte", Entry: "App", Components: []generate.Component{{Name: "App"}}}},
		{Artifact: &generate.Artifact{Format: generate.FormatReact, Entry: "Missing", Components: []generate.Component{{Name: "App"}}}},
		{Page: &PageData{Meta: map[string]string{"a": "b"}}},
	}
	for i, p := range bad {
		if _, err := m.Publish(ctx, p); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("payload %d: %v, want ErrInvalidPayload", i, err)
		}
	}

	m.cfg.MaxPayloadBytes = 64
	big := &PageData{Content: strings.Repeat("x", 100)}
	if _, err := m.Publish(ctx, Payload{Page: big}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("oversized payload: %v", err)
	}
}

func TestPublish_RejectsRepeatedIncludes(t *testing.T) {
	// WHAT: an html artifact including the same child twice per level is refused.
	// WHY: rendering it would double the markup at every level on each GET.
	m := newTestMaterializer(t)
	a := &generate.Artifact{Format: generate.FormatHTML, Entry: "C0"}
	for i := range 20 {
		c := generate.Component{Name: fmt.Sprintf("C%d", i), Source: "<p>leaf</p>\n"}
		if i < 19 {
			next := fmt.Sprintf("C%d", i+1)
			c.Children = []string{next}
			c.Source = "<div>\n<!-- include: " + next + " -->\n<!-- include: " + next + " -->\n</div>\n"
		}
		a.Components = append(a.Components, c)
	}
	_, err := m.Publish(context.Background(), Payload{Artifact: a})
	if !errors.Is(err, ErrInvalidPayload) || !errors.Is(err, generate.ErrMalformed) {
		t.Fatalf("publish = %v, want ErrInvalidPayload wrapping ErrMalformed", err)
	}

	if _, err := m.Render(&Record{ID: "pv_x", Kind: KindArtifact, Artifact: a}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("render = %v, want ErrInvalidPayload", err)
	}
}

func TestRender_HTMLArtifact(t *testing.T) {
	m := newTestMaterializer(t)
	doc, err := m.Render(&Record{ID: "pv_x", Kind: KindArtifact, Artifact: htmlArtifact()})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"<title>Acme &amp; Co</title>", "<h1>Welcome</h1>", ".page-1 {", `class="page-1"`} {
		if !strings.Contains(doc, want) {
			t.Errorf("missing %q in:\n%s", want, doc)
		}
	}
	for _, bad := range []string{"<script", "include:"} {
		if strings.Contains(doc, bad) {
			t.Errorf("rendered document contains %q:\n%s", bad, doc)
		}
	}
}

func TestRender_SourceListing(t *testing.T) {
	m := newTestMaterializer(t)
	a := &generate.Artifact{
		Format: generate.FormatReact,
		Entry:  "App",
		Components: []generate.Component{
			{Name: "App", Children: []string{"Nav"}, Source: "export default function App() {\n  return (<div><Nav /></div>);\n}\n"},
			{Name: "Nav", Source: "export default function Nav() { return <nav />; }\n", Style: ".nav-1 { color: red; }\n"},
		},
	}
	doc, err := m.Render(&Record{ID: "pv_x", Kind: KindArtifact, Artifact: a})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		`<section id="Nav">`,
		`&lt;Nav /&gt;`,
		`class="language-jsx"`,
		`class="language-css"`,
		`<a href="#Nav">Nav</a>`,
		"<title>Preview of App</title>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("missing %q in:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "<Nav />") {
		t.Error("component source rendered unescaped")
	}
}

func TestRender_PageSanitised(t *testing.T) {
	m := newTestMaterializer(t)
	rec := &Record{ID: "pv_x", Kind: KindPage, Page: &PageData{
		Title:       "<b>Launch</b> & more",
		Description: `"quoted"`,
		Content:     `<h2>News</h2><p onclick="x()">Hi <a href="javascript:alert(1)">there</a></p><script>steal()</script><img src="https://example.com/a.png">`,
		Meta:        map[string]string{"author": "Ann <x>", "robots": "index"},
	}}
	doc, err := m.Render(rec)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, bad := range []string{"<script", "onclick", "javascript:", "<b>", `content="index"`} {
		if strings.Contains(doc, bad) {
			t.Errorf("rendered page contains %q:\n%s", bad, doc)
		}
	}
	for _, want := range []string{"<title>Launch &amp; more</title>", "<h2>News</h2>", `name="author"`, `name="description"`, `src="https://example.com/a.png"`} {
		if !strings.Contains(doc, want) {
			t.Errorf("missing %q in:\n%s", want, doc)
		}
	}
}

func TestRenderMarkdown(t *testing.T) {
	m := newTestMaterializer(t)
	md, err := m.RenderMarkdown(&Record{ID: "pv_x", Kind: KindPage, Page: &PageData{
		Title:   "Release notes",
		Content: `<h2>Fixes</h2><ul><li>one</li><li>two</li></ul><p>See <a href="https://example.com/">site</a>.</p>`,
	}})
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}
	for _, want := range []string{"# Release notes", "## Fixes", "- one", "[site](https://example.com/)"} {
		if !strings.Contains(md, want) {
			t.Errorf("missing %q in:\n%s", want, md)
		}
	}
}

func TestETag(t *testing.T) {
	a, b := ETag("<p>x</p>"), ETag("<p>x</p>")
	if a != b || len(a) != 34 || a[0] != '"' {
		t.Fatalf("etag = %q / %q", a, b)
	}
	if ETag("<p>y</p>") == a {
		t.Fatal("different bodies share an etag")
	}
}
