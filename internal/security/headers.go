// Package security provides response hardening and outbound URL checks for
// the settlement API.
package security

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Headers the paywall and escrow API read from or return to browsers.
var (
	allowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Identity", "X-Identity-Timestamp", "X-Identity-Signature", "X-Payment"}
	exposedHeaders = []string{"X-Request-ID", "X-Payment-Required", "X-Payment-Response", "Retry-After"}
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON and a websocket feed only, so nothing may be framed or scripted.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints. An empty list or "*"
// admits every origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || originsMap["*"]

	allow := strings.Join(allowedHeaders, ", ")
	expose := strings.Join(exposedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if wildcard || originsMap[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allow)
			c.Header("Access-Control-Expose-Headers", expose)
			c.Header("Access-Control-Max-Age", "86400")
			// credentials never combine with a wildcard
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
