package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyIdentity holds the authenticated caller identity in gin context.
const ContextKeyIdentity = "identity"

// Middleware authenticates requests that carry X-Identity. A request without
// the header passes through anonymous; one whose signature does not verify
// is rejected with 401.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetHeader(HeaderIdentity)
		if identity == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_body",
					"message": "Could not read request body",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(b))
		}

		err := v.Verify(c.Request.Method, c.Request.URL.RequestURI(), body,
			identity, c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature))
		if err != nil {
			code := "unauthorized"
			if errors.Is(err, ErrReplayed) {
				code = "replayed_request"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyIdentity, identity)
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "identity_required",
				"message": "Sign the request with X-Identity, X-Identity-Timestamp and X-Identity-Signature",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the authenticated identity, or "" for anonymous requests.
func GetIdentity(c *gin.Context) string {
	return c.GetString(ContextKeyIdentity)
}
