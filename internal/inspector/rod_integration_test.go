package inspector_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/browser-inspector/internal/browserlog"
	"github.com/kuitang/browser-inspector/internal/inspector"
)

const rodPage = `<!doctype html>
<html><body>
<h1>hello</h1>
<script>
console.log("first");
console.warn("second", 42);
console.error("third");
fetch("/missing").catch(() => {});
fetch(%q, {mode: "no-cors"}).catch(() => {});
</script>
</body></html>`

// refusedURL returns a URL on a port nothing listens on.
func refusedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr + "/down"
}

// TestRod_EndToEnd drives Chromium over CDP. It skips when no browser can
// be launched.
func TestRod_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}

	refused := refusedURL(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, rodPage, refused)
	}))
	t.Cleanup(srv.Close)

	s := inspector.New(&inspector.RodDriver{Timeout: 15 * time.Second}, inspector.Options{DiagnosticDir: t.TempDir()})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Initialize(true); err != nil {
		t.Skipf("rod unavailable: %v", err)
	}

	require.NoError(t, s.NavigateTo(srv.URL+"/"))
	require.NoError(t, s.Wait(context.Background(), time.Second))

	extracted, err := s.ExtractElements([]string{"h1", "#missing"})
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"h1": {"hello"}, "#missing": {}}, extracted)

	// Arrival order, and non-string arguments rendered from their value.
	var lines []string
	for _, e := range s.ConsoleLogs() {
		lines = append(lines, browserlog.FormatConsole(e))
	}
	require.GreaterOrEqual(t, len(lines), 3, lines)
	require.Equal(t, []string{"[log] first", "[warning] second 42", "[error] third"}, lines[:3])
	require.Equal(t, "third", s.ConsoleErrors()[0].Text)

	// A 404 completes at the HTTP level; a refused connection is a
	// transport failure.
	require.Eventually(t, func() bool {
		for _, e := range s.NetworkLogs() {
			if strings.HasSuffix(e.URL, "/missing") && e.Status != nil && *e.Status == http.StatusNotFound {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, msg := range s.NetworkErrors() {
			if strings.Contains(msg, refused) {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	for _, msg := range s.NetworkErrors() {
		require.NotContains(t, msg, "/missing")
	}
	for _, e := range s.NetworkLogs() {
		require.NotEqual(t, refused, e.URL)
	}

	shot := filepath.Join(t.TempDir(), "page.png")
	require.NoError(t, s.TakeScreenshot(shot))
	info, err := os.Stat(shot)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}
