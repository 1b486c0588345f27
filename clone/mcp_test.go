package clone

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pageclone/captcha"
	"github.com/hazyhaar/pageclone/fetch"
)

var testImpl = &mcp.Implementation{Name: "pageclone-test", Version: "0.1.0"}

func mcpSession(t *testing.T, requireCaptcha bool) (*fixture, *mcp.ClientSession) {
	t.Helper()
	f := newFixture(t, requireCaptcha)

	srv := mcp.NewServer(testImpl, nil)
	f.svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return f, session
}

func callRaw(t *testing.T, session *mcp.ClientSession, name string, args any) (*mcp.CallToolResult, string) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return result, tc.Text
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result, text := callRaw(t, session, name, args)
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %s", name, text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("CallTool(%s): decode %q: %v", name, text, err)
	}
}

func TestMCP_ListTools(t *testing.T) {
	_, session := mcpSession(t, true)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"pageclone_start_fetch":     false,
		"pageclone_list_tasks":      false,
		"pageclone_get_task":        false,
		"pageclone_cancel_fetch":    false,
		"pageclone_generate":        false,
		"pageclone_publish_preview": false,
		"pageclone_issue_captcha":   false,
		"pageclone_verify_captcha":  false,
	}
	for _, tool := range res.Tools {
		want[tool.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestMCP_FetchGenerateFlow(t *testing.T) {
	// WHAT: The MCP tools drive captcha, fetch and generation end to end.
	// WHY: Agents use the same gate as browsers; nothing bypasses the captcha.
	f, session := mcpSession(t, true)

	var ch captcha.Challenge
	callTool(t, session, "pageclone_issue_captcha", map[string]any{}, &ch)
	if ch.Token == "" || ch.Text == "" {
		t.Fatalf("challenge = %+v", ch)
	}

	var task fetch.Task
	callTool(t, session, "pageclone_start_fetch", map[string]any{
		"url": f.site.URL + "/",
		"options": map[string]any{
			"captchaToken":  ch.Token,
			"captchaAnswer": ch.Text,
			"wait":          true,
		},
	}, &task)
	if task.Status != fetch.StatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.Error)
	}

	var res GenerateResult
	callTool(t, session, "pageclone_generate", map[string]any{
		"taskId":  task.ID,
		"config":  map[string]any{"format": "vue", "fidelity": "medium", "componentization": "full"},
		"preview": true,
	}, &res)
	if res.GeneratedCode == nil || res.GeneratedCode.Entry != "App" {
		t.Fatalf("result = %+v", res)
	}
	if res.PreviewURL == "" {
		t.Fatal("no preview url")
	}

	var tasks []fetch.Task
	callTool(t, session, "pageclone_list_tasks", map[string]any{}, &tasks)
	if len(tasks) != 1 || tasks[0].FetchedContent != nil {
		t.Fatalf("list = %+v", tasks)
	}

	var got fetch.Task
	callTool(t, session, "pageclone_get_task", map[string]any{"id": task.ID}, &got)
	if got.FetchedContent == nil || len(got.FetchedContent.Stylesheets) != 1 {
		t.Fatalf("get_task content = %+v", got.FetchedContent)
	}
}

func TestMCP_ErrorsArePublic(t *testing.T) {
	f, session := mcpSession(t, true)

	result, text := callRaw(t, session, "pageclone_start_fetch", map[string]any{"url": "https://elsewhere.example/"})
	if !result.IsError {
		t.Fatalf("foreign url accepted: %s", text)
	}
	if !strings.Contains(text, "only the allowed origin may be fetched") {
		t.Fatalf("error text = %q", text)
	}

	result, text = callRaw(t, session, "pageclone_start_fetch", map[string]any{"url": f.site.URL + "/"})
	if !result.IsError || !strings.HasPrefix(text, string(KindCaptcha)) {
		t.Fatalf("missing captcha: %v %q", result.IsError, text)
	}

	result, text = callRaw(t, session, "pageclone_get_task", map[string]any{"id": "missing"})
	if !result.IsError || text != "not_found: task not found" {
		t.Fatalf("unknown task: %v %q", result.IsError, text)
	}
}
