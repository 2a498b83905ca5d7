package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/taskboard/internal/config"
)

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestCredentialRateLimiter_Throttles(t *testing.T) {
	rl := NewCredentialRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
	})
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled request: status = %d, want 429", rec.Code)
	}

	// A different client address has its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client: status = %d", rec.Code)
	}
}

func TestCredentialRateLimiter_DisabledPassThrough(t *testing.T) {
	rl := NewCredentialRateLimiter(config.RateLimitConfig{})
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter throttled request %d", i)
		}
	}
}
