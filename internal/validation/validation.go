// Package validation holds request guards shared by the HTTP handlers.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIDLength bounds user, agent, session and alert identifiers.
const MaxIDLength = 128

var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is a plausible external identifier.
func IsValidID(s string) bool {
	return len(s) > 0 && len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// IDParamMiddleware rejects requests whose named path params are not valid IDs.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + p,
					"message": p + " must be 1-128 characters of letters, digits, '_', '-', '.', ':' or '@'",
				})
				return
			}
		}
		c.Next()
	}
}

// IntQuery parses a positive integer query parameter. A missing value yields
// def; values above max are clamped.
func IntQuery(c *gin.Context, name string, def, max int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}
