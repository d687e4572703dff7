package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/cache"
)

type fakeWindow struct {
	keys    []string
	allowed bool
	err     error
}

func (f *fakeWindow) SlidingWindowAllow(_ context.Context, key string, limit int64, window time.Duration) (cache.WindowResult, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return cache.WindowResult{}, f.err
	}
	return cache.WindowResult{
		Allowed:   f.allowed,
		Remaining: limit - 1,
		ResetAt:   time.Now().Add(window).UnixMilli(),
	}, nil
}

func limiterRig(fw *fakeWindow) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rl := NewRateLimiter(fw, 100, time.Minute, zap.NewNop())
	r.Use(rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimiter_KeySpaceIsSeparateFromPipeline(t *testing.T) {
	// The middleware counts under rate:http:{did}; the routing pipeline
	// counts under rate:{did}. A send must consume one slot in each window,
	// never two in the same one.
	fw := &fakeWindow{allowed: true}
	r := limiterRig(fw)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-AINP-DID", "did:key:alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(fw.keys) != 1 || fw.keys[0] != "rate:http:did:key:alice" {
		t.Errorf("window keys = %v, want [rate:http:did:key:alice]", fw.keys)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("X-RateLimit-Remaining = %q", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimiter_FallsBackToClientIP(t *testing.T) {
	fw := &fakeWindow{allowed: true}
	r := limiterRig(fw)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "203.0.113.9:4455"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if len(fw.keys) != 1 || fw.keys[0] != "rate:http:ip:203.0.113.9" {
		t.Errorf("window keys = %v", fw.keys)
	}
}

func TestRateLimiter_Denies(t *testing.T) {
	fw := &fakeWindow{allowed: false}
	r := limiterRig(fw)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-AINP-DID", "did:key:alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestRateLimiter_DegradesOnCacheOutage(t *testing.T) {
	fw := &fakeWindow{err: errors.New("redis down")}
	r := limiterRig(fw)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-AINP-DID", "did:key:alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("degraded limiter blocked: %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Degraded") != "true" {
		t.Error("degraded header missing")
	}
}
