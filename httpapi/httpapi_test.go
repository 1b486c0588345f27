package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/pageclone/captcha"
	"github.com/hazyhaar/pageclone/clone"
	"github.com/hazyhaar/pageclone/dbopen"
	"github.com/hazyhaar/pageclone/fetch"
	"github.com/hazyhaar/pageclone/guard"
	"github.com/hazyhaar/pageclone/preview"
	"github.com/hazyhaar/pageclone/shield"
)

const sitePage = `<!DOCTYPE html>
<html lang="en"><head><title>Acme</title><link rel="stylesheet" href="/s.css"></head>
<body>
<header><nav class="nav"><a href="/">Home</a><a href="/docs">Docs</a></nav></header>
<main>
  <h1>Widgets</h1>
  <ul class="features">
    <li class="feature"><strong>Fast</strong><span>Ships today.</span></li>
    <li class="feature"><strong>Cheap</strong><span>Costs little.</span></li>
    <li class="feature"><strong>Solid</strong><span>Never breaks.</span></li>
  </ul>
</main>
<footer><small>Acme</small></footer>
</body></html>`

type testEnv struct {
	api  *httptest.Server
	site *httptest.Server
	svc  *clone.Service
}

type apiOptions struct {
	maxBody int64
	mcp     bool
}

func newEnv(t *testing.T, o apiOptions) *testEnv {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, sitePage)
	})
	mux.HandleFunc("/s.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, `h1 { color: navy } .feature { display: flex; gap: 4px }`)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	origin, err := guard.NewOrigin(site.URL)
	if err != nil {
		t.Fatal(err)
	}
	db := dbopen.OpenMemory(t)
	store, err := fetch.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	fetcher, err := fetch.New(store, fetch.Config{Origin: origin, RatePerSecond: 1000})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fetcher.Close() })
	cg, err := captcha.New(db, captcha.Config{Cost: bcrypt.MinCost})
	if err != nil {
		t.Fatal(err)
	}
	previews, err := preview.New(db, preview.Config{})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := clone.New(clone.Config{
		Origin:         origin,
		Fetcher:        fetcher,
		Captcha:        cg,
		Previews:       previews,
		RequireCaptcha: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		RateLimit:    shield.RateConfig{PerSecond: 1000, Burst: 1000},
		MaxBodyBytes: o.maxBody,
	}
	if o.mcp {
		cfg.MCP = mcp.NewServer(&mcp.Implementation{Name: "pageclone-test", Version: "0.1.0"}, nil)
		svc.RegisterMCP(cfg.MCP)
	}
	api := httptest.NewServer(NewRouter(svc, cfg))
	t.Cleanup(api.Close)
	return &testEnv{api: api, site: site, svc: svc}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

// challenge fetches a captcha through the API and returns token and answer.
func (e *testEnv) challenge(t *testing.T) (string, string) {
	t.Helper()
	code, res := e.do(t, http.MethodGet, "/api/captcha", nil)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("captcha: %d %+v", code, res)
	}
	ch := decode[struct {
		Token string `json:"token"`
		Image string `json:"image"`
		Text  string `json:"text"`
	}](t, res.Data)
	if !strings.HasPrefix(ch.Image, "data:image/png;base64,") {
		t.Fatalf("image = %.40q", ch.Image)
	}
	return ch.Token, ch.Text
}

func (e *testEnv) fetchPage(t *testing.T) fetch.Task {
	t.Helper()
	token, answer := e.challenge(t)
	code, res := e.do(t, http.MethodPost, "/api/fetch/start", map[string]any{
		"url":     e.site.URL + "/",
		"options": map[string]any{"captchaToken": token, "captchaAnswer": answer, "wait": true},
	})
	if code != http.StatusOK {
		t.Fatalf("fetch start: %d %+v", code, res)
	}
	task := decode[fetch.Task](t, res.Data)
	if task.Status != fetch.StatusCompleted {
		t.Fatalf("task %s: %s", task.Status, task.Error)
	}
	return task
}

func TestFetchStart_RejectsForeignOrigin(t *testing.T) {
	// WHAT: A URL off the allowed origin is refused with 400 and the guard message.
	// WHY: The service must never fetch anything but its one page.
	e := newEnv(t, apiOptions{})
	code, res := e.do(t, http.MethodPost, "/api/fetch/start", map[string]any{
		"url": "https://evil.example.com/page",
	})
	if code != http.StatusBadRequest || res.Success {
		t.Fatalf("got %d %+v", code, res)
	}
	if !strings.HasPrefix(res.Message, "only the allowed origin may be fetched") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestGenerate_ReactHighPartial(t *testing.T) {
	// WHAT: Fetch, then generate react/high/partial, then view its preview.
	// WHY: This is the main user journey across every component.
	e := newEnv(t, apiOptions{})
	task := e.fetchPage(t)

	code, res := e.do(t, http.MethodPost, "/api/clone/generate", map[string]any{
		"taskId":  task.ID,
		"config":  map[string]any{"format": "react", "fidelity": "high", "componentization": "partial"},
		"preview": true,
	})
	if code != http.StatusOK || !res.Success {
		t.Fatalf("generate: %d %+v", code, res)
	}
	out := decode[struct {
		GeneratedCode struct {
			Format      string `json:"format"`
			Entry       string `json:"entry"`
			Fingerprint string `json:"fingerprint"`
			Components  []struct {
				Name   string `json:"name"`
				Source string `json:"source"`
				Style  string `json:"style"`
			} `json:"components"`
		} `json:"generatedCode"`
		PreviewURL string `json:"previewUrl"`
	}](t, res.Data)
	gc := out.GeneratedCode
	if gc.Format != "react" || gc.Entry != "App" || gc.Fingerprint == "" {
		t.Fatalf("artifact header = %+v", gc)
	}
	var feature, styled bool
	for _, c := range gc.Components {
		if c.Name == "Feature" {
			feature = true
		}
		if c.Style != "" {
			styled = true
		}
		if !strings.Contains(c.Source, "export default function "+c.Name) {
			t.Errorf("%s: not a react component:\n%s", c.Name, c.Source)
		}
	}
	if !feature || !styled {
		t.Fatalf("feature=%v styled=%v", feature, styled)
	}

	resp, err := http.Get(e.api.URL + out.PreviewURL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("preview: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "Feature") {
		t.Fatalf("preview body lacks the component listing:\n%s", body)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	req, _ := http.NewRequest(http.MethodGet, e.api.URL+out.PreviewURL, nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional get: %d", resp.StatusCode)
	}

	resp, err = http.Head(e.api.URL + out.PreviewURL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("ETag") != etag {
		t.Fatalf("head: %d etag %q, want 200 %q", resp.StatusCode, resp.Header.Get("ETag"), etag)
	}

	code, res = e.do(t, http.MethodGet, out.PreviewURL+"?format=json", nil)
	if code != http.StatusOK {
		t.Fatalf("json preview: %d", code)
	}
	rec := decode[preview.Record](t, res.Data)
	if rec.Kind != preview.KindArtifact || rec.Artifact.Fingerprint != gc.Fingerprint {
		t.Fatalf("record = %+v", rec)
	}
}

func TestCaptcha_IssueAndVerifyOnce(t *testing.T) {
	// WHAT: A challenge verifies once; the second attempt is refused with 403.
	// WHY: Tokens are single use whatever the outcome.
	e := newEnv(t, apiOptions{})
	token, answer := e.challenge(t)

	code, res := e.do(t, http.MethodPost, "/api/captcha/verify", map[string]string{"token": token, "answer": answer})
	if code != http.StatusOK {
		t.Fatalf("first verify: %d %+v", code, res)
	}
	if v := decode[clone.VerifyResult](t, res.Data); !v.Valid {
		t.Fatal("valid = false")
	}

	code, res = e.do(t, http.MethodPost, "/api/captcha/verify", map[string]string{"token": token, "answer": answer})
	if code != http.StatusForbidden || res.Success {
		t.Fatalf("second verify: %d %+v", code, res)
	}
	if strings.Contains(res.Message, answer) {
		t.Fatal("answer leaked in error")
	}
}

func TestFetchStart_CaptchaFailures(t *testing.T) {
	e := newEnv(t, apiOptions{})
	url := e.site.URL + "/"

	code, res := e.do(t, http.MethodPost, "/api/fetch/start", map[string]any{"url": url})
	if code != http.StatusForbidden || !strings.Contains(res.Message, "captcha required") {
		t.Fatalf("no captcha: %d %+v", code, res)
	}
	token, _ := e.challenge(t)
	code, _ = e.do(t, http.MethodPost, "/api/fetch/start", map[string]any{
		"url":     url,
		"options": map[string]any{"captchaToken": token, "captchaAnswer": "WRONG"},
	})
	if code != http.StatusForbidden {
		t.Fatalf("wrong answer: %d", code)
	}
}

func TestFetchStart_Accepted(t *testing.T) {
	e := newEnv(t, apiOptions{})
	token, answer := e.challenge(t)
	code, res := e.do(t, http.MethodPost, "/api/fetch/start", map[string]any{
		"url":     e.site.URL + "/",
		"options": map[string]any{"captchaToken": token, "captchaAnswer": answer},
	})
	if code != http.StatusAccepted {
		t.Fatalf("got %d %+v", code, res)
	}
	task := decode[fetch.Task](t, res.Data)
	if task.ID == "" || task.Status != fetch.StatusPending {
		t.Fatalf("task = %+v", task)
	}

	code, res = e.do(t, http.MethodGet, "/api/fetch/tasks", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if list := decode[[]fetch.Task](t, res.Data); len(list) != 1 || list[0].ID != task.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestTasks_ListLimit(t *testing.T) {
	// WHAT: ?limit= bounds the listing and bad values answer 400.
	// WHY: The list is capped, so callers need to size the page themselves.
	e := newEnv(t, apiOptions{})
	for range 2 {
		token, answer := e.challenge(t)
		code, res := e.do(t, http.MethodPost, "/api/fetch/start", map[string]any{
			"url":     e.site.URL + "/",
			"options": map[string]any{"captchaToken": token, "captchaAnswer": answer},
		})
		if code != http.StatusAccepted {
			t.Fatalf("start: %d %+v", code, res)
		}
	}

	code, res := e.do(t, http.MethodGet, "/api/fetch/tasks?limit=1", nil)
	if code != http.StatusOK {
		t.Fatalf("limit=1: %d %+v", code, res)
	}
	if list := decode[[]fetch.Task](t, res.Data); len(list) != 1 {
		t.Fatalf("limit=1 returned %d tasks", len(list))
	}
	for _, q := range []string{"abc", "0", "-3", fmt.Sprint(fetch.MaxListLimit + 1)} {
		code, res := e.do(t, http.MethodGet, "/api/fetch/tasks?limit="+q, nil)
		if code != http.StatusBadRequest || res.Success {
			t.Errorf("limit=%s: %d %+v", q, code, res)
		}
	}
}

func TestTasks_NotFound(t *testing.T) {
	e := newEnv(t, apiOptions{})
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		code, res := e.do(t, method, "/api/fetch/tasks/0192b6a0-0000-7000-8000-000000000000", nil)
		if code != http.StatusNotFound || res.Success {
			t.Errorf("%s: %d %+v", method, code, res)
		}
	}
}

func TestGenerate_Errors(t *testing.T) {
	e := newEnv(t, apiOptions{})
	task := e.fetchPage(t)

	code, _ := e.do(t, http.MethodPost, "/api/clone/generate", map[string]any{
		"taskId": "unknown",
		"config": map[string]any{"format": "react", "fidelity": "high", "componentization": "partial"},
	})
	if code != http.StatusNotFound {
		t.Errorf("unknown task: %d", code)
	}
	code, res := e.do(t, http.MethodPost, "/api/clone/generate", map[string]any{
		"taskId": task.ID,
		"config": map[string]any{"format": "angular", "fidelity": "high", "componentization": "partial"},
	})
	if code != http.StatusBadRequest || !strings.Contains(res.Message, "angular") {
		t.Errorf("invalid config: %d %+v", code, res)
	}

	req, _ := http.NewRequest(http.MethodPost, e.api.URL+"/api/clone/generate", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: %d", resp.StatusCode)
	}
}

func TestPreview_PageData(t *testing.T) {
	e := newEnv(t, apiOptions{})
	code, res := e.do(t, http.MethodPost, "/api/clone/preview", map[string]any{
		"pageData": map[string]any{"title": "Draft", "content": "<h2>Hi</h2><p>There</p>"},
	})
	if code != http.StatusOK {
		t.Fatalf("publish: %d %+v", code, res)
	}
	pr := decode[clone.PreviewResult](t, res.Data)
	if !strings.HasPrefix(pr.PreviewURL, "/api/preview/pv_") {
		t.Fatalf("previewUrl = %q", pr.PreviewURL)
	}

	resp, err := http.Get(e.api.URL + pr.PreviewURL + "?format=md")
	if err != nil {
		t.Fatal(err)
	}
	md, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/markdown") || !strings.Contains(string(md), "## Hi") {
		t.Fatalf("markdown: %s\n%s", resp.Header.Get("Content-Type"), md)
	}

	code, _ = e.do(t, http.MethodGet, "/api/preview/pv_unknown000000000", nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown preview: %d", code)
	}
	code, _ = e.do(t, http.MethodPost, "/api/clone/preview", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("empty payload: %d", code)
	}
}

func TestPreview_RejectsRepeatedIncludes(t *testing.T) {
	// WHAT: a small artifact whose includes double at every level is refused at publish.
	// WHY: a 2 KB payload would otherwise render megabytes on each preview GET.
	e := newEnv(t, apiOptions{})
	var comps []map[string]any
	for i := range 20 {
		c := map[string]any{"name": fmt.Sprintf("C%d", i), "source": "<p>leaf</p>\n"}
		if i < 19 {
			next := fmt.Sprintf("C%d", i+1)
			c["children"] = []string{next}
			c["source"] = "<div>\n  <!-- include: " + next + " -->\n  <!-- include: " + next + " -->\n</div>\n"
		}
		comps = append(comps, c)
	}
	code, res := e.do(t, http.MethodPost, "/api/clone/preview", map[string]any{
		"artifact": map[string]any{"format": "html", "entry": "C0", "components": comps},
	})
	if code != http.StatusBadRequest || !strings.Contains(res.Message, "malformed artifact") {
		t.Fatalf("publish: %d %+v", code, res)
	}
}

func TestBodyLimit(t *testing.T) {
	e := newEnv(t, apiOptions{maxBody: 64})
	code, res := e.do(t, http.MethodPost, "/api/clone/preview", map[string]any{
		"pageData": map[string]any{"title": strings.Repeat("x", 200)},
	})
	if code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got %d %+v", code, res)
	}

	// The cap does not depend on the declared Content-Type.
	body := `{"pageData":{"title":"` + strings.Repeat("x", 200) + `"}}`
	for _, ct := range []string{"", "text/plain"} {
		req, err := http.NewRequest(http.MethodPost, e.api.URL+"/api/clone/preview", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("content-type %q: got %d, want 413", ct, resp.StatusCode)
		}
	}
}

func TestHealthAndPlaceholder(t *testing.T) {
	e := newEnv(t, apiOptions{})
	code, res := e.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("health: %d", code)
	}

	resp, err := http.Get(e.api.URL + "/placeholder.svg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/svg+xml" {
		t.Fatalf("placeholder: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	code, res = e.do(t, http.MethodGet, "/api/nope", nil)
	if code != http.StatusNotFound || res.Success {
		t.Fatalf("unknown route: %d", code)
	}
}

func TestMCPEndpoint(t *testing.T) {
	e := newEnv(t, apiOptions{mcp: true})
	ctx := context.Background()

	client := mcp.NewClient(&mcp.Implementation{Name: "http-client", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:             e.api.URL + "/mcp",
		DisableStandaloneSSE: true,
	}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "pageclone_issue_captcha", Arguments: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("tool result = %+v", res)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if !strings.Contains(text, `"token":"cap_`) {
		t.Fatalf("text = %s", text)
	}
}

func TestNoMCPByDefault(t *testing.T) {
	e := newEnv(t, apiOptions{})
	code, _ := e.do(t, http.MethodPost, "/mcp", map[string]any{})
	if code != http.StatusNotFound {
		t.Fatalf("got %d", code)
	}
}
