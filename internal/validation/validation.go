// Package validation provides input validation helpers for the API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// MaxEvidenceURLs caps the number of evidence links per dispute.
const MaxEvidenceURLs = 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidPercent reports whether p is a whole percentage in [0,100].
func ValidPercent(p int) bool {
	return p >= 0 && p <= 100
}

// ValidSplit reports whether two percentages form a complete split.
func ValidSplit(customerPct, providerPct int) bool {
	return ValidPercent(customerPct) && ValidPercent(providerPct) &&
		customerPct+providerPct == 100
}

// ValidAmountCents reports whether an amount in minor units is usable.
func ValidAmountCents(cents int64) bool {
	return cents > 0
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// SanitizeURLs trims, drops empties and caps the evidence list.
func SanitizeURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		out = append(out, u)
		if len(out) >= MaxEvidenceURLs {
			break
		}
	}
	return out
}
