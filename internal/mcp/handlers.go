package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/browser-inspector/internal/artifacts"
	"github.com/kuitang/browser-inspector/internal/browserlog"
	"github.com/kuitang/browser-inspector/internal/errs"
	"github.com/kuitang/browser-inspector/internal/logutil"
	"github.com/kuitang/browser-inspector/internal/obs"
	"github.com/kuitang/browser-inspector/internal/tools"
)

const argLogMaxChars = 200

// Runner executes one inspection.
type Runner interface {
	Run(ctx context.Context, req tools.Request) (*tools.Result, error)
}

// Handler implements MCP tool call handling.
type Handler struct {
	runner        Runner
	screenshotDir string
	now           func() time.Time
}

// NewHandler creates a handler. screenshotDir is the configured
// SCREENSHOT_PATH and may be empty.
func NewHandler(runner Runner, screenshotDir string) *Handler {
	return &Handler{runner: runner, screenshotDir: screenshotDir, now: time.Now}
}

// toolArgs is the union of every tool's arguments. url is an alias for
// targetPage.
type toolArgs struct {
	TargetPage   string   `json:"targetPage"`
	URL          string   `json:"url"`
	Selectors    []string `json:"selectors"`
	OutputPath   string   `json:"outputPath"`
	RandomString string   `json:"randomString"`
}

func (a toolArgs) target() string {
	if strings.TrimSpace(a.TargetPage) != "" {
		return a.TargetPage
	}
	return a.URL
}

// decodeToolArgs strictly decodes raw JSON arguments. Missing or null
// arguments decode as an empty object.
func decodeToolArgs(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid tool arguments", err)
	}
	return nil
}

// createToolHandler returns a tool handler function for the given tool name.
func (h *Handler) createToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		corr := obs.Correlation{RequestID: obs.CorrelationFromContext(ctx).RequestID}
		if corr.RequestID == "" {
			corr.RequestID = obs.NewRequestID()
		}
		if req != nil && req.Session != nil {
			corr.MCPSessionID = req.Session.ID()
		}
		ctx = obs.WithCorrelation(ctx, corr)

		var raw json.RawMessage
		if req != nil && req.Params != nil {
			raw = req.Params.Arguments
		}
		return h.HandleToolCall(ctx, name, raw)
	}
}

// HandleToolCall routes a tool call to the runner and renders its result.
// Failures are returned as error-flagged results, never as Go errors, so
// the client always sees the message.
func (h *Handler) HandleToolCall(ctx context.Context, name string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	log := obs.From(ctx).With("pkg", "mcp", "tool", name)
	log.Debug("tool_call_received", "args", argsForLog(raw))

	action, ok := toolActions[name]
	if !ok {
		return newToolResultError("Unknown tool: " + name), nil
	}

	var args toolArgs
	if err := decodeToolArgs(raw, &args); err != nil {
		return newToolResultError("Error: " + err.Error()), nil
	}

	req := tools.Request{
		Action:     action,
		TargetPage: args.target(),
		Selectors:  args.Selectors,
	}
	if action == tools.ActionCapture {
		local := artifacts.Local{Dir: artifacts.ResolveDir(args.OutputPath, h.screenshotDir)}
		req.ScreenshotPath = local.CapturePath(h.now())
	}

	res, err := h.runner.Run(ctx, req)
	if err != nil {
		return newToolResultError("Error: " + err.Error()), nil
	}
	return renderResult(res), nil
}

// renderResult formats a successful run as tool output text.
func renderResult(res *tools.Result) *mcp.CallToolResult {
	var text string
	switch res.Action {
	case tools.ActionCapture:
		text = fmt.Sprintf("Screenshot taken and saved to %s. Logs:\n%s", res.ScreenshotPath, consoleLines(res.Console))
		if res.ScreenshotURL != "" {
			text += "\nUploaded to " + res.ScreenshotURL
		}
	case tools.ActionExtractElements:
		blocks := make([]string, 0, len(res.Selectors))
		for _, sel := range res.Selectors {
			lines := []string{"Selector: " + sel}
			for _, t := range res.Extracted[sel] {
				lines = append(lines, "  - "+t)
			}
			blocks = append(blocks, strings.Join(lines, "\n"))
		}
		text = strings.Join(blocks, "\n\n")
	case tools.ActionConsoleLogs:
		text = orNone(consoleLines(res.Console), "No console logs.")
	case tools.ActionConsoleErrors:
		text = orNone(consoleLines(res.Console), "No console errors.")
	case tools.ActionNetworkLogs:
		lines := make([]string, len(res.Network))
		for i, e := range res.Network {
			lines[i] = browserlog.FormatNetwork(e)
		}
		text = strings.Join(lines, "\n")
	case tools.ActionNetworkErrors:
		text = orNone(strings.Join(res.NetworkErrors, "\n"), "No network errors.")
	}

	result := newToolResultText(text)
	if res.Login != nil && !res.Login.Verified() {
		note := "Login may have failed (still on /login at " + res.Login.URL + ")."
		if res.Login.DiagnosticScreenshot != "" {
			note += " Diagnostic screenshot: " + res.Login.DiagnosticScreenshot
		}
		result.Content = append(result.Content, &mcp.TextContent{Text: note})
	}
	return result
}

func consoleLines(entries []browserlog.ConsoleEntry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = browserlog.FormatConsole(e)
	}
	return strings.Join(lines, "\n")
}

func orNone(text, none string) string {
	if text == "" {
		return none
	}
	return text
}

func argsForLog(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return logutil.TruncateForLog(string(raw), argLogMaxChars)
	}
	return logutil.RedactArgsForLog(m, argLogMaxChars)
}

// newToolResultText creates a successful tool result with text content.
func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// newToolResultError creates a tool result indicating an error.
func newToolResultError(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: message},
		},
		IsError: true,
	}
}
