package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		CredentialRate:  1,
		CredentialBurst: 2,
		GeneralRate:     1,
		GeneralBurst:    2,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFromIP(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
	req.RemoteAddr = ip + ":40000"
	return req
}

func requestAsUser(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

// --- CredentialMiddleware ---

func TestCredentialMiddleware_LimitsPerIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.CredentialMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFromIP("198.51.100.1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromIP("198.51.100.1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// 別のIPは独立して制限される
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromIP("198.51.100.2"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", w.Code, http.StatusOK)
	}
	if rl.CredentialLimiterCount() != 2 {
		t.Errorf("CredentialLimiterCount() = %d, want 2", rl.CredentialLimiterCount())
	}
}

func TestCredentialMiddleware_ReportsRejection(t *testing.T) {
	var mu sync.Mutex
	var reported []string
	cfg := testRateLimiterConfig()
	cfg.CredentialBurst = 1
	cfg.OnLimited = func(limitType string) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, limitType)
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.CredentialMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), requestFromIP("192.0.2.9"))
	handler.ServeHTTP(httptest.NewRecorder(), requestFromIP("192.0.2.9"))

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || reported[0] != LimitTypeCredential {
		t.Errorf("reported = %v, want [%s]", reported, LimitTypeCredential)
	}
}

// --- GeneralMiddleware ---

func TestGeneralMiddleware_LimitsPerUser(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAsUser("user-a"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser("user-a"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser("user-b"))
	if w.Code != http.StatusOK {
		t.Errorf("user-b: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestGeneralMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRateLimitResponse_JSONWithRetryAfter(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralRate = 0.5 // 2秒に1トークン
	cfg.GeneralBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), requestAsUser("user-json"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser("user-json"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}
}

// --- クリーンアップ ---

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	rl.CredentialMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFromIP("203.0.113.1"))
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAsUser("user-idle"))

	// TTL（CleanupIntervalの2倍）以内は残る
	rl.cleanup(time.Now().Add(time.Minute))
	if rl.CredentialLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Fatalf("entries should survive within TTL: credential=%d general=%d",
			rl.CredentialLimiterCount(), rl.GeneralLimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.CredentialLimiterCount() != 0 || rl.GeneralLimiterCount() != 0 {
		t.Errorf("idle entries should be removed: credential=%d general=%d",
			rl.CredentialLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.CredentialBurst != 10 {
		t.Errorf("CredentialBurst = %d, want 10", cfg.CredentialBurst)
	}
	if cfg.CredentialRate <= 0 {
		t.Error("CredentialRate should be positive")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
