package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbento/servpay/internal/idgen"
	"github.com/mbento/servpay/internal/logging"
)

// requestIDMiddleware assigns each request an ID, propagates it through
// the context logger and echoes it back to the client.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		c.Set("requestID", requestID)
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		s.logger.Info("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// actorMiddleware resolves the authenticated actor. Authentication
// internals live at the edge; this trusts the gateway-injected header
// and rejects anonymous mutation attempts.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
			return
		}
		c.Set("authUserID", userID)
		c.Next()
	}
}

// adminMiddleware guards override routes with the shared admin secret
// and records the acting admin as the actor.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Admin-Secret")
		if s.cfg.AdminSecret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin credentials"})
			return
		}
		adminID := c.GetHeader("X-Admin-ID")
		if adminID == "" {
			adminID = "unknown"
		}
		c.Set("authUserID", adminID)
		c.Next()
	}
}
