package idempotency

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbento/servpay/internal/kvstore"
)

func newRouter(store kvstore.Store, executions *atomic.Int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("authUserID", "usr_1") })
	r.Use(Middleware(store, time.Hour))
	r.POST("/v1/pay", func(c *gin.Context) {
		n := executions.Add(1)
		c.JSON(http.StatusCreated, gin.H{"execution": n})
	})
	r.GET("/v1/pay", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"read": true})
	})
	return r
}

func TestReplayReturnsIdenticalResponseOnce(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()
	var executions atomic.Int64
	r := newRouter(store, &executions)

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req.Header.Set(Header, "key-1")
	first := httptest.NewRecorder()
	r.ServeHTTP(first, req)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	req2.Header.Set(Header, "key-1")
	second := httptest.NewRecorder()
	r.ServeHTTP(second, req2)

	if executions.Load() != 1 {
		t.Fatalf("handler executed %d times, want 1", executions.Load())
	}
	if first.Code != second.Code {
		t.Errorf("status mismatch: %d vs %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("body mismatch: %q vs %q", first.Body.String(), second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Error("replayed response missing replay header")
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Error("first response must not carry replay header")
	}
}

func TestDifferentKeysExecuteIndependently(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()
	var executions atomic.Int64
	r := newRouter(store, &executions)

	for _, key := range []string{"key-a", "key-b"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
		req.Header.Set(Header, key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
	}
	if executions.Load() != 2 {
		t.Fatalf("expected 2 executions, got %d", executions.Load())
	}
}

func TestMissingKeyPassesThrough(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()
	var executions atomic.Int64
	r := newRouter(store, &executions)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/pay", nil))
	}
	if executions.Load() != 2 {
		t.Fatalf("expected 2 executions without keys, got %d", executions.Load())
	}
}

func TestReadsIgnoreKey(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()
	var executions atomic.Int64
	r := newRouter(store, &executions)

	req := httptest.NewRequest(http.MethodGet, "/v1/pay", nil)
	req.Header.Set(Header, "key-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(ReplayHeader) != "" {
		t.Error("GET must never be replayed")
	}
}

func TestOverlongKeyRejected(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()
	var executions atomic.Int64
	r := newRouter(store, &executions)

	req := httptest.NewRequest(http.MethodPost, "/v1/pay", nil)
	long := make([]byte, maxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	req.Header.Set(Header, string(long))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if executions.Load() != 0 {
		t.Error("handler must not execute on invalid key")
	}
}
