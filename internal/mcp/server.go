// Package mcp exposes the inspector tools over the Model Context Protocol,
// on stdio or Streamable HTTP.
package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/browser-inspector/internal/logutil"
	"github.com/kuitang/browser-inspector/internal/obs"
	"github.com/kuitang/browser-inspector/internal/ratelimit"
)

const (
	ServerName    = "mcp-browser-inspector"
	ServerVersion = "1.0.0"

	mcpDebugBodyLogLimitBytes = 8 * 1024
	maxMCPBodyBytes           = 1 << 20
)

// Server wraps the MCP server with inspector tool handling.
type Server struct {
	mcpServer   *mcp.Server
	handler     *Handler
	httpHandler http.Handler
}

type mcpResponseLogger struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
	body       []byte
	truncated  bool
}

func newMCPResponseLogger(w http.ResponseWriter) *mcpResponseLogger {
	return &mcpResponseLogger{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           make([]byte, 0, 512),
	}
}

func (w *mcpResponseLogger) WriteHeader(code int) {
	w.statusCode = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *mcpResponseLogger) Write(p []byte) (int, error) {
	w.wrote = true
	if len(w.body) < mcpDebugBodyLogLimitBytes {
		remaining := mcpDebugBodyLogLimitBytes - len(w.body)
		if len(p) <= remaining {
			w.body = append(w.body, p...)
		} else {
			w.body = append(w.body, p[:remaining]...)
			w.truncated = true
		}
	} else {
		w.truncated = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *mcpResponseLogger) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func mcpDebugEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("DEBUG")))
	switch v {
	case "1", "true", "yes", "on", "debug":
		return true
	default:
		return false
	}
}

func formatMCPHeadersForLog(headers http.Header) string {
	return logutil.FormatHeadersForLog(headers)
}

// isASCII reports whether v is non-blank printable ASCII.
func isASCII(v string) bool {
	if strings.TrimSpace(v) == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < 0x21 || v[i] > 0x7e {
			return false
		}
	}
	return true
}

// NewServer creates the MCP server and registers every inspector tool.
func NewServer(runner Runner, screenshotDir string) *Server {
	handler := NewHandler(runner, screenshotDir)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: ServerVersion,
		},
		nil,
	)

	// The raw handler skips SDK-side schema validation so that "url" works
	// as an alias for the required "targetPage".
	for _, tool := range ToolDefinitions() {
		mcpServer.AddTool(tool, handler.createToolHandler(tool.Name))
	}
	mcpServer.AddReceivingMiddleware(unknownToolMiddleware(handler))

	httpHandler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return mcpServer },
		&mcp.StreamableHTTPOptions{
			// Every tool call is self-contained, so no session state is kept
			// between requests.
			JSONResponse: true,
			Stateless:    true,
		},
	)

	return &Server{
		mcpServer:   mcpServer,
		handler:     handler,
		httpHandler: httpHandler,
	}
}

// unknownToolMiddleware answers tools/call for unregistered names with an
// error-flagged result instead of the SDK's JSON-RPC error.
func unknownToolMiddleware(h *Handler) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != "tools/call" {
				return next(ctx, method, req)
			}
			call, ok := req.(*mcp.CallToolRequest)
			if !ok || call.Params == nil {
				return next(ctx, method, req)
			}
			if _, known := toolActions[call.Params.Name]; known {
				return next(ctx, method, req)
			}
			return h.createToolHandler(call.Params.Name)(ctx, call)
		}
	}
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server { return s.mcpServer }

// RunStdio serves MCP over stdin/stdout until the client disconnects or ctx
// is done.
func (s *Server) RunStdio(ctx context.Context) error {
	obs.Pkg("mcp").Info("mcp_stdio_serving", "server", ServerName, "version", ServerVersion)
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func writePlainError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// ServeHTTP implements the Streamable HTTP endpoint. It adds CORS, a request
// size limit, panic recovery and request logging around the SDK handler.
// GET is rejected because the server is stateless and never pushes
// messages.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := obs.From(r.Context()).With("pkg", "mcp")

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID, Authorization")
	w.Header().Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		writePlainError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" && !isASCII(sid) {
		writePlainError(w, http.StatusBadRequest, "Invalid Mcp-Session-Id header")
		return
	}

	debug := mcpDebugEnabled()

	var reqBody []byte
	if r.Body != nil && r.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMCPBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				log.Warn("mcp_request_too_large", "limit_bytes", maxMCPBodyBytes)
				writePlainError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			log.Error("mcp_request_body_read_failed", "err", err)
			writePlainError(w, http.StatusBadRequest, "Could not read request body")
			return
		}
		reqBody = body
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	log.Debug("mcp_request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"headers", formatMCPHeadersForLog(r.Header),
	)
	if debug && len(reqBody) > 0 {
		log.Debug("mcp_request_body", "body", logutil.FormatBodyForLog(r.Header.Get("Content-Type"), reqBody, mcpDebugBodyLogLimitBytes, false))
	}

	respLogger := newMCPResponseLogger(w)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("mcp_handler_panic", "panic", fmt.Sprint(rec))
				if !respLogger.wrote {
					writePlainError(respLogger, http.StatusInternalServerError, "Internal server error")
				}
			}
		}()
		s.httpHandler.ServeHTTP(respLogger, r)
	}()

	if !respLogger.wrote {
		log.Error("mcp_handler_no_response", "method", r.Method, "path", r.URL.Path)
		writePlainError(respLogger, http.StatusInternalServerError, "MCP handler returned without writing response")
	}

	if debug {
		log.Debug("mcp_response",
			"status", respLogger.statusCode,
			"content_type", respLogger.Header().Get("Content-Type"),
			"body", logutil.FormatBodyForLog(respLogger.Header().Get("Content-Type"), respLogger.body, mcpDebugBodyLogLimitBytes, respLogger.truncated),
		)
	}
	if respLogger.statusCode >= http.StatusBadRequest {
		log.Warn("mcp_request_failed",
			"method", r.Method,
			"status", respLogger.statusCode,
			"remote", r.RemoteAddr,
			"response", logutil.FormatBodyForLog(respLogger.Header().Get("Content-Type"), respLogger.body, mcpDebugBodyLogLimitBytes, respLogger.truncated),
		)
	}
}

// HTTPOptions configure the HTTP front door.
type HTTPOptions struct {
	AuthToken string
	Limiter   *ratelimit.RateLimiter
}

// Routes mounts /mcp (authenticated and rate limited), /metrics and
// /healthz.
func (s *Server) Routes(opts HTTPOptions) http.Handler {
	var endpoint http.Handler = s
	if opts.Limiter != nil {
		endpoint = ratelimit.RateLimitMiddleware(opts.Limiter, ratelimit.ClientKey)(endpoint)
	}
	endpoint = RequireBearerToken(opts.AuthToken)(endpoint)

	mux := http.NewServeMux()
	mux.Handle("/mcp", endpoint)
	mux.Handle("/metrics", obs.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("http", mux))
}

// ListenAndServe serves Routes on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, opts HTTPOptions) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Tool calls launch a browser and can take well over a minute.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(obs.Pkg("http").Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		obs.Pkg("mcp").Info("mcp_http_serving", "addr", addr, "path", "/mcp", "auth", opts.AuthToken != "")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
