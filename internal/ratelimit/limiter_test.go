package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// =============================================================================
// Generators for property-based testing
// =============================================================================

func clientKeyGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`tok:[a-f0-9]{16}`)
}

func frozenConfig(burst int) Config {
	return Config{
		RPS:             0.001, // almost no refill
		Burst:           burst,
		CleanupInterval: time.Hour,
	}
}

// =============================================================================
// Property: Requests within burst succeed, the next one is blocked
// =============================================================================

func testRateLimiter_BurstThenBlocked(t *rapid.T) {
	burst := rapid.IntRange(1, 50).Draw(t, "burst")
	rl := NewRateLimiter(frozenConfig(burst))
	defer rl.Stop()

	key := clientKeyGenerator().Draw(t, "key")
	for i := 0; i < burst; i++ {
		if !rl.Allow(key) {
			t.Fatalf("request %d of burst %d should have been allowed", i+1, burst)
		}
	}
	if rl.Allow(key) {
		t.Fatalf("request beyond burst %d should have been blocked", burst)
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
// Property: Different clients have independent limits
// =============================================================================

func testRateLimiter_ClientIndependence(t *rapid.T) {
	rl := NewRateLimiter(frozenConfig(5))
	defer rl.Stop()

	key1 := clientKeyGenerator().Draw(t, "key1")
	key2 := clientKeyGenerator().Filter(func(s string) bool { return s != key1 }).Draw(t, "key2")

	for i := 0; i < 5; i++ {
		rl.Allow(key1)
	}
	if rl.Allow(key1) {
		t.Fatal("key1 should be blocked after exhausting burst")
	}
	if !rl.Allow(key2) {
		t.Fatal("key2 should still be allowed")
	}
}

func TestRateLimiter_ClientIndependence(t *testing.T) {
	rapid.Check(t, testRateLimiter_ClientIndependence)
}

func FuzzRateLimiter_ClientIndependence(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_ClientIndependence))
}

// =============================================================================
// Property: GetLimiter returns the same limiter and Len counts clients
// =============================================================================

func testRateLimiter_LimiterIdentity(t *rapid.T) {
	rl := NewRateLimiter(DefaultConfig)
	defer rl.Stop()

	keys := rapid.SliceOfNDistinct(clientKeyGenerator(), 1, 20, rapid.ID[string]).Draw(t, "keys")
	for _, k := range keys {
		if rl.GetLimiter(k) != rl.GetLimiter(k) {
			t.Fatalf("GetLimiter(%q) returned different limiters", k)
		}
	}
	if rl.Len() != len(keys) {
		t.Fatalf("Len() = %d, want %d", rl.Len(), len(keys))
	}
}

func TestRateLimiter_LimiterIdentity(t *testing.T) {
	rapid.Check(t, testRateLimiter_LimiterIdentity)
}

func FuzzRateLimiter_LimiterIdentity(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_LimiterIdentity))
}

func TestRateLimiter_IdleLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 10, Burst: 10, CleanupInterval: 20 * time.Millisecond})
	defer rl.Stop()

	rl.Allow("tok:a")
	assert.Equal(t, 1, rl.Len())
	assert.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(frozenConfig(100))
	defer rl.Stop()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if rl.Allow("tok:shared") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), allowed.Load())
}

func TestMiddleware_Returns429Envelope(t *testing.T) {
	rl := NewRateLimiter(frozenConfig(1))
	defer rl.Stop()

	h := Middleware(rl, ClientKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/notes", nil)
	req.Header.Set("Authorization", "Bearer abc")

	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"success":false,"message":"Too Many Requests"}`, second.Body.String())
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "ip:10.0.0.1", ClientKey(req))

	req.Header.Set("Authorization", "Bearer secret")
	key := ClientKey(req)
	assert.Contains(t, key, "tok:")
	assert.NotContains(t, key, "secret")
}
