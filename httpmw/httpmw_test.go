package httpmw

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(DefaultHeaders())(okHandler())
	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("CSP not set")
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 2, WindowSeconds: 60}, discardLogger())
	handler := rl.Middleware(okHandler())

	for i := range 3 {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 1, WindowSeconds: 60}, discardLogger())
	handler := rl.Middleware(okHandler())

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("first request from %s blocked", addr)
		}
	}
}

func TestRateLimiterExcludedPrefix(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 1, WindowSeconds: 60}, discardLogger(), "/health")
	handler := rl.Middleware(okHandler())

	for range 5 {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatal("excluded path rate limited")
		}
	}
}

func TestRateLimiterRuleOverride(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 100, WindowSeconds: 60}, discardLogger())
	rl.SetRule("POST /api/refresh", RateLimitConfig{MaxRequests: 1, WindowSeconds: 60})
	handler := rl.Middleware(okHandler())

	for i := range 2 {
		req := httptest.NewRequest("POST", "/api/refresh", nil)
		req.RemoteAddr = "10.0.0.1:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestBearerAuth(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	auth := NewBearerAuth(hash, discardLogger())
	handler := auth.Middleware(okHandler())

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer s3cret", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/refresh", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestBearerAuthDisabledWithoutHash(t *testing.T) {
	auth := NewBearerAuth("", discardLogger())
	handler := auth.Middleware(okHandler())
	req := httptest.NewRequest("POST", "/api/refresh", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", w.Code)
	}
}

func TestExtractIPForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Fatalf("ExtractIP = %q", got)
	}
	req.Header.Del("X-Forwarded-For")
	if got := ExtractIP(req); got != "127.0.0.1" {
		t.Fatalf("ExtractIP = %q", got)
	}
}
