package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// =============================================================================
// Generators for property-based testing
// =============================================================================

func clientIDGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`(ip|session):[a-z0-9.]{4,24}`)
}

// frozen never refills within a test run.
func frozen(burst int) Config {
	return Config{RPS: 0.001, Burst: burst, CleanupInterval: time.Hour}
}

// =============================================================================
// Property: the burst is honored exactly
// =============================================================================

func testRateLimiter_BurstThenBlocked(t *rapid.T) {
	burst := rapid.IntRange(1, 50).Draw(t, "burst")
	rl := NewRateLimiter(frozen(burst))
	defer rl.Stop()

	clientID := clientIDGenerator().Draw(t, "clientID")
	for i := 0; i < burst; i++ {
		if !rl.Allow(clientID) {
			t.Fatalf("request %d of %d should have been allowed", i+1, burst)
		}
	}
	if rl.Allow(clientID) {
		t.Fatalf("request beyond burst of %d should have been blocked", burst)
	}
}

func TestRateLimiter_BurstThenBlocked(t *testing.T) {
	rapid.Check(t, testRateLimiter_BurstThenBlocked)
}

func FuzzRateLimiter_BurstThenBlocked(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_BurstThenBlocked))
}

// =============================================================================
// Property: different clients have independent limits
// =============================================================================

func testRateLimiter_ClientIndependence(t *rapid.T) {
	rl := NewRateLimiter(frozen(3))
	defer rl.Stop()

	client1 := clientIDGenerator().Draw(t, "client1")
	client2 := clientIDGenerator().Filter(func(s string) bool { return s != client1 }).Draw(t, "client2")

	for i := 0; i < 3; i++ {
		rl.Allow(client1)
	}
	if rl.Allow(client1) {
		t.Fatal("client1 should be blocked after exhausting burst")
	}
	if !rl.Allow(client2) {
		t.Fatal("client2 should still be allowed")
	}
}

func TestRateLimiter_ClientIndependence(t *testing.T) {
	rapid.Check(t, testRateLimiter_ClientIndependence)
}

// =============================================================================
// Property: GetLimiter is stable per client, Len counts clients
// =============================================================================

func testRateLimiter_LimiterPerClient(t *rapid.T) {
	rl := NewRateLimiter(DefaultConfig)
	defer rl.Stop()

	ids := rapid.SliceOfNDistinct(clientIDGenerator(), 1, 20, rapid.ID[string]).Draw(t, "ids")
	first := make(map[string]any, len(ids))
	for _, id := range ids {
		first[id] = rl.GetLimiter(id)
	}
	for _, id := range ids {
		if rl.GetLimiter(id) != first[id] {
			t.Fatalf("GetLimiter(%q) returned a different limiter", id)
		}
	}
	if rl.Len() != len(ids) {
		t.Fatalf("Len: got %d want %d", rl.Len(), len(ids))
	}
}

func TestRateLimiter_LimiterPerClient(t *testing.T) {
	rapid.Check(t, testRateLimiter_LimiterPerClient)
}

// =============================================================================
// Cleanup
// =============================================================================

func TestRateLimiter_IdleLimiterCleanup(t *testing.T) {
	interval := 10 * time.Millisecond
	rl := NewRateLimiter(Config{RPS: 100, Burst: 100, CleanupInterval: interval})
	defer rl.Stop()

	rl.Allow("ip:10.0.0.1")
	rl.Allow("ip:10.0.0.2")
	require.Equal(t, 2, rl.Len())

	time.Sleep(interval + 5*time.Millisecond)
	rl.Cleanup()
	require.Zero(t, rl.Len())
}

func TestRateLimiter_ActiveLimiterNotCleaned(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 100, Burst: 100, CleanupInterval: time.Hour})
	defer rl.Stop()

	rl.Allow("ip:10.0.0.1")
	rl.Cleanup()
	require.Equal(t, 1, rl.Len())
}

func TestNewRateLimiter_ZeroCleanupIntervalUsesDefault(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 1, Burst: 1})
	defer rl.Stop()
	require.True(t, rl.Allow("ip:1"))
}

// =============================================================================
// Concurrency
// =============================================================================

func testRateLimiter_ConcurrentAccess(t *rapid.T) {
	rl := NewRateLimiter(Config{RPS: 1000, Burst: 2000, CleanupInterval: time.Hour})
	defer rl.Stop()

	numClients := rapid.IntRange(1, 10).Draw(t, "numClients")
	numGoroutines := rapid.IntRange(2, 16).Draw(t, "numGoroutines")
	perGoroutine := rapid.IntRange(1, 40).Draw(t, "perGoroutine")

	var wg sync.WaitGroup
	var total atomic.Int64
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for r := 0; r < perGoroutine; r++ {
				rl.Allow(string(rune('a' + (g+r)%numClients)))
				total.Add(1)
			}
		}(g)
	}
	wg.Wait()

	if total.Load() != int64(numGoroutines*perGoroutine) {
		t.Fatalf("lost requests: %d", total.Load())
	}
	if rl.Len() > numClients {
		t.Fatalf("Len %d exceeds client count %d", rl.Len(), numClients)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rapid.Check(t, testRateLimiter_ConcurrentAccess)
}

// =============================================================================
// Middleware
// =============================================================================

func TestRateLimitMiddleware_BlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(frozen(2))
	defer rl.Stop()
	handler := RateLimitMiddleware(rl, ClientKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, post().Code)
	second := post()
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	blocked := post()
	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	require.Equal(t, "1", blocked.Header().Get("Retry-After"))

	// GET streams are not counted.
	get := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	get.RemoteAddr = "192.0.2.7:51234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, get)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "198.51.100.3:4000"
	require.Equal(t, "ip:198.51.100.3", ClientKey(req))

	req.Header.Set("Mcp-Session-Id", "abc")
	require.Equal(t, "session:abc", ClientKey(req))

	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "pipe"
	require.Equal(t, "ip:pipe", ClientKey(req))
}
