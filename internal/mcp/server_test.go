package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/browser-inspector/internal/config"
	"github.com/kuitang/browser-inspector/internal/inspector/inspectortest"
	"github.com/kuitang/browser-inspector/internal/ratelimit"
	"github.com/kuitang/browser-inspector/internal/tools"
)

func newTestServer(t *testing.T) (*Server, *inspectortest.Driver) {
	t.Helper()
	driver := inspectortest.NewDriver(testSites())
	cfg := &config.Config{
		Engine:        config.EnginePlaywright,
		Headless:      true,
		LoginTimeout:  20 * time.Millisecond,
		DiagnosticDir: t.TempDir(),
	}
	return NewServer(tools.NewRunner(cfg, driver, nil), t.TempDir()), driver
}

func connectInMemory(t *testing.T, server *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ss, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestServer_ListsEveryTool(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	cs := connectInMemory(t, server)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	require.Equal(t, []string{
		ToolExtractElements,
		ToolGetConsoleErrors,
		ToolGetConsoleLogs,
		ToolCaptureWithLogs,
		ToolGetNetworkErrors,
		ToolGetNetworkLogs,
	}, names)
}

func TestServer_CallToolOverSession(t *testing.T) {
	t.Parallel()
	server, driver := newTestServer(t)
	cs := connectInMemory(t, server)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolGetConsoleErrors,
		Arguments: map[string]any{"targetPage": homeURL},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "[error] boom", toolResultText(t, res))
	require.Equal(t, 1, driver.Closes())
}

func TestServer_URLAliasAcceptedOverSession(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	cs := connectInMemory(t, server)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolGetNetworkErrors,
		Arguments: map[string]any{"url": homeURL},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, toolResultText(t, res))
	require.Contains(t, toolResultText(t, res), "failed: net::ERR_NAME_NOT_RESOLVED")
}

func TestServer_UnknownToolIsErrorResult(t *testing.T) {
	t.Parallel()
	server, driver := newTestServer(t)
	cs := connectInMemory(t, server)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "delete_everything",
		Arguments: map[string]any{"targetPage": homeURL},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "Unknown tool: delete_everything", toolResultText(t, res))
	require.Zero(t, driver.Launches())

	// Known tools still reach their handlers.
	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolGetConsoleLogs,
		Arguments: map[string]any{"targetPage": homeURL},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestServer_ToolFailureIsErrorResult(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	cs := connectInMemory(t, server)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolGetConsoleLogs,
		Arguments: map[string]any{"targetPage": "http://unreachable.test/"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(toolResultText(t, res), "Error: "))
}

func TestServeHTTP_RecoversPanicWith500(t *testing.T) {
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("simulated panic")
		}),
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()

	server.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d body=%q", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "Internal server error") {
		t.Fatalf("expected internal error body, got %q", resp.Body.String())
	}
}

func TestServeHTTP_NoWriteFromDelegateReturns500(t *testing.T) {
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()

	server.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d body=%q", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "MCP handler returned without writing response") {
		t.Fatalf("expected no-response fallback body, got %q", resp.Body.String())
	}
}

func TestServeHTTP_OptionsPreflight(t *testing.T) {
	t.Parallel()
	server := &Server{
		httpHandler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("delegate should not be called for OPTIONS")
		}),
	}
	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	require.Equal(t, http.StatusNoContent, resp.Code)
	require.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header().Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
}

func TestServeHTTP_ListToolsOverStreamableHTTP(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Contains(t, resp.Body.String(), ServerName)
}

func TestRoutes_HealthzAndMetricsBypassAuth(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	routes := server.Routes(HTTPOptions{AuthToken: "s3cret"})

	resp := httptest.NewRecorder()
	routes.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "ok", resp.Body.String())
	require.NotEmpty(t, resp.Header().Get("X-Request-Id"))

	resp = httptest.NewRecorder()
	routes.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestRoutes_MCPRequiresBearerToken(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	routes := server.Routes(HTTPOptions{AuthToken: "s3cret"})

	newReq := func(auth string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return req
	}

	for _, auth := range []string{"", "Bearer wrong", "Basic s3cret", "s3cret"} {
		resp := httptest.NewRecorder()
		routes.ServeHTTP(resp, newReq(auth))
		require.Equal(t, http.StatusUnauthorized, resp.Code, "auth=%q", auth)
		require.Contains(t, resp.Header().Get("WWW-Authenticate"), "Bearer")
		require.Contains(t, resp.Body.String(), `"jsonrpc":"2.0"`)
	}

	// A valid token reaches the endpoint, which rejects GET.
	resp := httptest.NewRecorder()
	routes.ServeHTTP(resp, newReq("bearer s3cret"))
	require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestRoutes_RateLimitsPerSession(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	limiter := ratelimit.NewRateLimiter(ratelimit.Config{RPS: 0.001, Burst: 1, CleanupInterval: time.Hour})
	t.Cleanup(limiter.Stop)
	routes := server.Routes(HTTPOptions{Limiter: limiter})

	post := func(session string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		req.Header.Set("Accept", "application/json, text/event-stream")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Mcp-Session-Id", session)
		resp := httptest.NewRecorder()
		routes.ServeHTTP(resp, req)
		return resp
	}

	require.NotEqual(t, http.StatusTooManyRequests, post("a").Code)
	limited := post("a")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.NotEmpty(t, limited.Header().Get("Retry-After"))
	require.NotEqual(t, http.StatusTooManyRequests, post("b").Code)
}

func TestRequireBearerToken_EmptyTokenDisablesCheck(t *testing.T) {
	t.Parallel()
	called := false
	h := RequireBearerToken("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	require.True(t, called)
	require.Equal(t, http.StatusNoContent, resp.Code)
}
