// Package idempotency makes mutating endpoints safely retryable.
//
// A client sends an Idempotency-Key header with a mutating request. The
// first execution's response (status, body, content type) is recorded for a
// bounded window; any replay by the same caller returns the identical
// response without re-executing side effects, marked with an
// Idempotency-Replayed header.
package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbento/servpay/internal/kvstore"
	"github.com/mbento/servpay/internal/metrics"
)

// Header is the client-supplied idempotency key header.
const Header = "Idempotency-Key"

// ReplayHeader marks a response served from the replay cache.
const ReplayHeader = "Idempotency-Replayed"

const maxKeyLength = 128

// inFlightTTL bounds how long a crashed request can block its key.
const inFlightTTL = 30 * time.Second

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware returns a gin middleware enforcing idempotent replay on
// mutating methods. Requests without the header pass through untouched.
func Middleware(store kvstore.Store, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			c.Next()
			return
		}

		key := c.GetHeader(Header)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Idempotency key too long",
			})
			return
		}

		caller := c.GetString("authUserID")
		if caller == "" {
			caller = c.ClientIP()
		}
		// Scope to method+path so the same key cannot replay a different
		// operation's response.
		cacheKey := fmt.Sprintf("idem:%s:%s:%s:%s", caller, c.Request.Method, c.Request.URL.Path, key)

		ctx := c.Request.Context()
		if data, err := store.Get(ctx, cacheKey); err == nil {
			var resp storedResponse
			if err := json.Unmarshal(data, &resp); err == nil {
				metrics.IdempotentReplaysTotal.Inc()
				c.Header(ReplayHeader, "true")
				c.Data(resp.Status, resp.ContentType, resp.Body)
				c.Abort()
				return
			}
		} else if !errors.Is(err, kvstore.ErrNotFound) {
			// Store unavailable: execute rather than block the operation.
			c.Next()
			return
		}

		// Guard against the same key executing concurrently.
		flightKey := cacheKey + ":inflight"
		ok, err := store.SetNX(ctx, flightKey, []byte("1"), inFlightTTL)
		if err == nil && !ok {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "conflict",
				"message": "A request with this idempotency key is already in progress",
			})
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		resp := storedResponse{
			Status:      rec.Status(),
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
		}
		if data, err := json.Marshal(&resp); err == nil {
			_ = store.Set(ctx, cacheKey, data, ttl)
		}
		_ = store.Delete(ctx, flightKey)
	}
}
