package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/browser-inspector/internal/artifacts"
	"github.com/kuitang/browser-inspector/internal/config"
	"github.com/kuitang/browser-inspector/internal/errs"
	"github.com/kuitang/browser-inspector/internal/inspector"
	"github.com/kuitang/browser-inspector/internal/inspector/inspectortest"
	"github.com/kuitang/browser-inspector/internal/tools"
)

const (
	homeURL     = "http://app.test/"
	loginURL    = "http://app.test/login"
	productsURL = "http://app.test/products"
	loginHTML   = `<form><input id="email"><input id="password"><button type="submit">Go</button></form>`
)

var fixedNow = time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.UTC)

func testSites() map[string]inspectortest.Site {
	return map[string]inspectortest.Site{
		homeURL: {
			HTML: "<h1>Home</h1>",
			Console: []inspector.ConsoleEvent{
				{Type: "log", Text: "booted"},
				{Type: "error", Text: "boom"},
			},
			Finished: []inspectortest.Request{
				{URL: "http://app.test/app.js", Method: "GET", Status: inspectortest.Status(200)},
			},
			Failed: []inspector.RequestFailure{{URL: "http://cdn.test/x.css", Method: "GET", Reason: "net::ERR_NAME_NOT_RESOLVED"}},
		},
		loginURL:    {HTML: loginHTML},
		productsURL: {HTML: `<h2 class="name"> Lamp </h2><h2 class="name">Desk</h2>`},
	}
}

type testEnv struct {
	handler *Handler
	driver  *inspectortest.Driver
	cfg     *config.Config
}

func newTestEnv(t *testing.T, uploader artifacts.Uploader) *testEnv {
	t.Helper()
	driver := inspectortest.NewDriver(testSites())
	cfg := &config.Config{
		Engine:        config.EnginePlaywright,
		Headless:      true,
		SettleDelay:   30 * time.Millisecond,
		LoginTimeout:  20 * time.Millisecond,
		DiagnosticDir: t.TempDir(),
	}
	h := NewHandler(tools.NewRunner(cfg, driver, uploader), "")
	h.now = func() time.Time { return fixedNow }
	return &testEnv{handler: h, driver: driver, cfg: cfg}
}

func toolResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "unexpected content type: %T", result.Content[0])
	return text.Text
}

func call(t *testing.T, h *Handler, name string, args any) *mcp.CallToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	result, err := h.HandleToolCall(context.Background(), name, raw)
	require.NoError(t, err)
	return result
}

func testDecodeToolArgs_UnknownFieldsRejected(t *rapid.T) {
	field := rapid.StringMatching(`[a-z]{3,12}`).
		Filter(func(s string) bool {
			switch s {
			case "targetpage", "url", "selectors", "outputpath", "randomstring":
				return false
			}
			return true
		}).
		Draw(t, "field")
	raw, _ := json.Marshal(map[string]any{"targetPage": homeURL, field: "unexpected"})

	var decoded toolArgs
	err := decodeToolArgs(raw, &decoded)
	if err == nil {
		t.Fatalf("expected error for unknown field %q", field)
	}
	if got := errs.CodeOf(err); got != errs.InvalidArgument {
		t.Fatalf("unexpected error code: got=%q want=%q", got, errs.InvalidArgument)
	}
}

func TestDecodeToolArgs_UnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testDecodeToolArgs_UnknownFieldsRejected)
}

func TestDecodeToolArgs_EmptyAndNullBehaveAsEmptyObject(t *testing.T) {
	t.Parallel()
	for _, raw := range []json.RawMessage{nil, json.RawMessage(""), json.RawMessage("null"), json.RawMessage("  {} ")} {
		var decoded toolArgs
		require.NoError(t, decodeToolArgs(raw, &decoded), "raw=%q", raw)
		require.Equal(t, toolArgs{}, decoded)
	}
}

func TestDecodeToolArgs_WrongTypeIsInvalidArgument(t *testing.T) {
	t.Parallel()
	var decoded toolArgs
	err := decodeToolArgs(json.RawMessage(`{"selectors":"h1"}`), &decoded)
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestToolArgs_URLIsAliasForTargetPage(t *testing.T) {
	t.Parallel()
	require.Equal(t, homeURL, toolArgs{URL: homeURL}.target())
	require.Equal(t, productsURL, toolArgs{TargetPage: productsURL, URL: homeURL}.target())
	require.Equal(t, homeURL, toolArgs{TargetPage: "  ", URL: homeURL}.target())
}

func TestHandleToolCall_UnknownTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	result := call(t, env.handler, "delete_everything", map[string]any{"targetPage": homeURL})
	require.True(t, result.IsError)
	require.Equal(t, "Unknown tool: delete_everything", toolResultText(t, result))
	require.Zero(t, env.driver.Launches())
}

func TestHandleToolCall_ConsoleLogs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	result := call(t, env.handler, ToolGetConsoleLogs, map[string]any{"targetPage": homeURL, "randomString": "x"})
	require.False(t, result.IsError)
	require.Equal(t, "[log] booted\n[error] boom", toolResultText(t, result))
	require.Len(t, result.Content, 1)
}

func TestHandleToolCall_ConsoleErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	result := call(t, env.handler, ToolGetConsoleErrors, map[string]any{"url": homeURL})
	require.False(t, result.IsError)
	require.Equal(t, "[error] boom", toolResultText(t, result))
}

func TestHandleToolCall_EmptyLogsUseFallbackText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	cases := map[string]string{
		ToolGetConsoleLogs:   "No console logs.",
		ToolGetConsoleErrors: "No console errors.",
		ToolGetNetworkErrors: "No network errors.",
		ToolGetNetworkLogs:   "",
	}
	for name, want := range cases {
		result := call(t, env.handler, name, map[string]any{"targetPage": loginURL})
		require.False(t, result.IsError, name)
		require.Equal(t, want, toolResultText(t, result), name)
	}
}

func TestHandleToolCall_NetworkLogsAndErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	result := call(t, env.handler, ToolGetNetworkLogs, map[string]any{"targetPage": homeURL})
	require.Equal(t, "GET 200 http://app.test/app.js", toolResultText(t, result))

	result = call(t, env.handler, ToolGetNetworkErrors, map[string]any{"targetPage": homeURL})
	require.Equal(t, "GET http://cdn.test/x.css failed: net::ERR_NAME_NOT_RESOLVED", toolResultText(t, result))
}

func TestHandleToolCall_ExtractElements(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	result := call(t, env.handler, ToolExtractElements, map[string]any{
		"targetPage": productsURL,
		"selectors":  []string{"h2.name", "#missing", "h2.name"},
	})
	require.False(t, result.IsError, toolResultText(t, result))
	require.Equal(t, "Selector: h2.name\n  - Lamp\n  - Desk\n\nSelector: #missing", toolResultText(t, result))
}

func TestHandleToolCall_ExtractRequiresSelectors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	result := call(t, env.handler, ToolExtractElements, map[string]any{"targetPage": productsURL, "selectors": []string{}})
	require.True(t, result.IsError)
	require.Equal(t, "Error: selectors must be a non-empty list", toolResultText(t, result))
	require.Zero(t, env.driver.Launches())
}

func TestHandleToolCall_CaptureSavesUnderOutputPath(t *testing.T) {
	t.Parallel()
	uploader, _ := artifacts.TestUploader(t, "shots")
	env := newTestEnv(t, uploader)
	dir := filepath.Join(t.TempDir(), "nested", "shots")

	result := call(t, env.handler, ToolCaptureWithLogs, map[string]any{"targetPage": homeURL, "outputPath": dir})
	require.False(t, result.IsError, toolResultText(t, result))

	wantPath := filepath.Join(dir, "login_capture_2024-03-09T14-05-06.789Z.png")
	require.FileExists(t, wantPath)
	text := toolResultText(t, result)
	require.True(t, strings.HasPrefix(text, "Screenshot taken and saved to "+wantPath+". Logs:\n[log] booted\n[error] boom"), text)
	require.Contains(t, text, "\nUploaded to ")
	require.True(t, strings.HasSuffix(text, "/screenshots/login_capture_2024-03-09T14-05-06.789Z.png"), text)
}

func TestHandleToolCall_CaptureFallsBackToConfiguredDir(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	dir := t.TempDir()
	env.handler.screenshotDir = dir

	result := call(t, env.handler, ToolCaptureWithLogs, map[string]any{"targetPage": homeURL})
	require.False(t, result.IsError, toolResultText(t, result))
	require.Equal(t, []string{filepath.Join(dir, artifacts.CaptureFileName(fixedNow))}, env.driver.Screenshots())
	require.NotContains(t, toolResultText(t, result), "Uploaded to")
}

func TestHandleToolCall_UnverifiedLoginAddsNote(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.cfg.Login = config.Login{Enabled: true, URL: loginURL, Username: "alice", Password: "wrong"}

	result := call(t, env.handler, ToolGetConsoleErrors, map[string]any{"targetPage": homeURL})
	require.False(t, result.IsError)
	require.Len(t, result.Content, 2)
	note, ok := result.Content[1].(*mcp.TextContent)
	require.True(t, ok)
	require.Contains(t, note.Text, "still on /login at "+loginURL)
	require.Contains(t, note.Text, "Diagnostic screenshot: "+filepath.Join(env.cfg.DiagnosticDir, inspector.DiagnosticScreenshotName))
}

func TestHandleToolCall_ExtractFailsWhenStillOnLoginPage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.cfg.Login = config.Login{Enabled: true, URL: loginURL, Username: "alice", Password: "wrong"}

	result := call(t, env.handler, ToolExtractElements, map[string]any{"targetPage": loginURL, "selectors": []string{"h1"}})
	require.True(t, result.IsError)
	require.True(t, strings.HasPrefix(toolResultText(t, result), "Error: "), toolResultText(t, result))
	require.Equal(t, env.driver.Launches(), env.driver.Closes())
}

func TestHandleToolCall_ExtractOnLoginURLWithoutLoginConfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	result := call(t, env.handler, ToolExtractElements, map[string]any{"targetPage": loginURL, "selectors": []string{"button"}})
	require.False(t, result.IsError, toolResultText(t, result))
	require.Contains(t, toolResultText(t, result), "Go")

	var desc string
	for _, tool := range ToolDefinitions() {
		if tool.Name == ToolExtractElements {
			desc = tool.Description
		}
	}
	require.Contains(t, desc, "When login is configured")
}

func TestHandleToolCall_MissingLoginVars(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.cfg.Login = config.Login{Enabled: true}

	result := call(t, env.handler, ToolGetConsoleLogs, map[string]any{"targetPage": homeURL})
	require.True(t, result.IsError)
	require.Contains(t, toolResultText(t, result), "Error: Missing login environment variables: ")
	require.Zero(t, env.driver.Launches())
}

func TestHandleToolCall_EngineFailureIsToolError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.driver.LaunchErr = errors.New("chromium missing")

	result := call(t, env.handler, ToolGetConsoleLogs, map[string]any{"targetPage": homeURL})
	require.True(t, result.IsError)
	require.Contains(t, toolResultText(t, result), "chromium missing")
}

func TestHandleToolCall_MissingTargetPage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	result, err := env.handler.HandleToolCall(context.Background(), ToolGetNetworkLogs, nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Equal(t, "Error: targetPage is required", toolResultText(t, result))
}

func TestHandleToolCall_RejectedCaptureLeavesOutputPathAlone(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	dir := filepath.Join(t.TempDir(), "never", "made")

	result := call(t, env.handler, ToolCaptureWithLogs, map[string]any{"outputPath": dir})
	require.True(t, result.IsError)
	require.Equal(t, "Error: targetPage is required", toolResultText(t, result))
	require.NoDirExists(t, dir)
	require.Zero(t, env.driver.Launches())

	env.cfg.Login = config.Login{Enabled: true}
	result = call(t, env.handler, ToolCaptureWithLogs, map[string]any{"targetPage": homeURL, "outputPath": dir})
	require.True(t, result.IsError)
	require.NoDirExists(t, dir)
}

func TestArgsForLog_RedactsAndTolerates(t *testing.T) {
	t.Parallel()
	m, ok := argsForLog(json.RawMessage(`{"targetPage":"http://x","password":"hunter2"}`)).(map[string]any)
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", m["password"])
	require.Equal(t, "http://x", m["targetPage"])

	require.Equal(t, map[string]any{}, argsForLog(nil))
	require.Equal(t, "not json", argsForLog(json.RawMessage("not json")))
}
