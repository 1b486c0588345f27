package clone

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pageclone/fetch"
	"github.com/hazyhaar/pageclone/kit"
	"github.com/hazyhaar/pageclone/preview"
)

// RegisterMCP registers the pageclone tools on an MCP server. They mirror the
// HTTP API and go through the same captcha gate.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerStartFetchTool(srv)
	s.registerListTasksTool(srv)
	s.registerGetTaskTool(srv)
	s.registerCancelFetchTool(srv)
	s.registerGenerateTool(srv)
	s.registerPublishPreviewTool(srv)
	s.registerIssueCaptchaTool(srv)
	s.registerVerifyCaptchaTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// publicErrors replaces endpoint errors with their classified public message
// so store faults never reach MCP clients verbatim.
func publicErrors(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			kind, _, msg := Classify(err)
			return nil, fmt.Errorf("%s: %s", kind, msg)
		}
		return resp, nil
	}
}

func (s *Service) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	endpoint = kit.Chain(publicErrors, kit.Logging(s.logger, tool.Name))(endpoint)
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

var taskIDSchema = map[string]any{"type": "string", "description": "Fetch task ID"}

// --- fetch ---

func (s *Service) registerStartFetchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_start_fetch",
		Description: "Fetch the allowed page and record it as a task. Requires a solved captcha when the gate is enabled.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL on the allowed origin"},
			"options": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"captchaToken":  map[string]any{"type": "string"},
					"captchaAnswer": map[string]any{"type": "string"},
					"wait":          map[string]any{"type": "boolean", "description": "Return the terminal task instead of the pending one"},
					"timeoutMs":     map[string]any{"type": "integer"},
					"render":        map[string]any{"type": "string", "enum": []any{"auto", "never", "always"}},
				},
			},
		}, []string{"url"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.StartFetch(ctx, *req.(*StartFetchRequest))
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[StartFetchRequest])
}

type emptyRequest struct{}

func (s *Service) registerListTasksTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_list_tasks",
		Description: "List recent fetch tasks, newest first, without their content.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     fetch.MaxListLimit,
				"description": fmt.Sprintf("Most tasks to return (default %d)", fetch.DefaultListLimit),
			},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.ListTasks(ctx, *req.(*ListRequest))
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[ListRequest])
}

type taskRequest struct {
	ID string `json:"id"`
}

func (s *Service) registerGetTaskTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_get_task",
		Description: "Get one fetch task including the fetched HTML and stylesheets.",
		InputSchema: inputSchema(map[string]any{"id": taskIDSchema}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.GetTask(ctx, req.(*taskRequest).ID)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[taskRequest])
}

func (s *Service) registerCancelFetchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_cancel_fetch",
		Description: "Cancel an in-flight fetch. Terminal tasks are returned unchanged.",
		InputSchema: inputSchema(map[string]any{"id": taskIDSchema}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.CancelFetch(ctx, req.(*taskRequest).ID)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[taskRequest])
}

// --- generate ---

func (s *Service) registerGenerateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_generate",
		Description: "Generate componentized front-end code from a completed fetch task.",
		InputSchema: inputSchema(map[string]any{
			"taskId": taskIDSchema,
			"config": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format":           map[string]any{"type": "string", "enum": []any{"react", "vue", "html"}},
					"fidelity":         map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
					"componentization": map[string]any{"type": "string", "enum": []any{"none", "partial", "full"}},
				},
				"required": []string{"format", "fidelity", "componentization"},
			},
			"preview": map[string]any{"type": "boolean", "description": "Also publish a preview and return its URL"},
		}, []string{"taskId", "config"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Generate(ctx, *req.(*GenerateRequest))
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[GenerateRequest])
}

// --- preview ---

func (s *Service) registerPublishPreviewTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_publish_preview",
		Description: "Publish a generated artifact or raw page data and return its preview URL.",
		InputSchema: inputSchema(map[string]any{
			"artifact": map[string]any{"type": "object", "description": "Generated artifact as returned by pageclone_generate"},
			"pageData": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"content":     map[string]any{"type": "string", "description": "HTML body"},
					"meta":        map[string]any{"type": "object"},
				},
			},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.PublishPreview(ctx, *req.(*preview.Payload))
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[preview.Payload])
}

// --- captcha ---

func (s *Service) registerIssueCaptchaTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_issue_captcha",
		Description: "Issue a single-use captcha challenge for pageclone_start_fetch.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.IssueCaptcha(ctx)
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[emptyRequest])
}

func (s *Service) registerVerifyCaptchaTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pageclone_verify_captcha",
		Description: "Check a captcha answer. The challenge is consumed either way.",
		InputSchema: inputSchema(map[string]any{
			"token":  map[string]any{"type": "string"},
			"answer": map[string]any{"type": "string"},
		}, []string{"token", "answer"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.VerifyCaptcha(ctx, *req.(*VerifyRequest))
	}
	s.addTool(srv, tool, endpoint, kit.DecodeArgs[VerifyRequest])
}
