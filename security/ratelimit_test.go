package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 5, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow("client-a") {
		t.Error("Allow() should return false once burst is spent")
	}
	if !rl.Allow("client-b") {
		t.Error("Allow() for a different identifier should be allowed")
	}
	if got := rl.GetStats().TotalRejected; got != 1 {
		t.Errorf("TotalRejected = %d, want 1", got)
	}
}

func TestRateLimiter_EvictsOldest(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	// "a" was evicted so it gets a fresh bucket.
	if !rl.Allow("a") {
		t.Error("evicted identifier should start with a full bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("idle")
	rl.Cleanup(-time.Second)

	if got := rl.GetStats().CurrentEntries; got != 0 {
		t.Errorf("CurrentEntries = %d, want 0", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	var limitedKey string
	rl.OnLimited(func(_ *http.Request, key string) { limitedKey = key })

	handler := rl.Middleware(ClientIPKey(false, 0), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if limitedKey != "192.0.2.7" {
		t.Errorf("OnLimited key = %q, want 192.0.2.7", limitedKey)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
