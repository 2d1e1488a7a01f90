// Package validation provides request field validation for the assured API.
package validation

import (
	"crypto/ed25519"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxSignatureLength bounds provider and reporter signatures in bytes of
// their text encoding.
const MaxSignatureLength = 128

var (
	sha256HexRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)
	serviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentity reports whether s is a base58 ed25519 public key.
func IsValidIdentity(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == ed25519.PublicKeySize
}

// IsValidHash reports whether s is a lowercase hex SHA-256 digest.
func IsValidHash(s string) bool {
	return sha256HexRegex.MatchString(s)
}

// IsValidServiceID reports whether s is usable as a service id.
func IsValidServiceID(s string) bool {
	return serviceIDRegex.MatchString(s)
}

// SanitizeString trims, strips NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Identity checks that a non-empty field is a base58 public key.
func Identity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidIdentity(value) {
			return &ValidationError{Field: field, Message: "must be a base58 ed25519 public key"}
		}
		return nil
	}
}

// Hash checks that a non-empty field is a SHA-256 hex digest.
func Hash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHash(value) {
			return &ValidationError{Field: field, Message: "must be 64 lowercase hex chars"}
		}
		return nil
	}
}

// ServiceID checks a service id field.
func ServiceID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidServiceID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 chars of [a-zA-Z0-9_.-]"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks an integer amount.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ServiceParamMiddleware rejects malformed :serviceId URL parameters early.
func ServiceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("serviceId")
		if id != "" && !IsValidServiceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_service_id",
				"message": "serviceId must be 1-64 chars of [a-zA-Z0-9_.-]",
			})
			return
		}
		c.Next()
	}
}
