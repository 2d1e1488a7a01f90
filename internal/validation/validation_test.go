package validation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
)

func TestIsValidIdentity(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)

	tests := []struct {
		id    string
		valid bool
	}{
		{base58.Encode(pub), true},
		{base58.Encode(pub[:31]), false},
		{"0OIl", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidIdentity(tc.id), tc.id)
	}
}

func TestIsValidHash(t *testing.T) {
	sum := sha256.Sum256([]byte("x"))
	assert.True(t, IsValidHash(hex.EncodeToString(sum[:])))
	assert.False(t, IsValidHash(strings.ToUpper(hex.EncodeToString(sum[:]))))
	assert.False(t, IsValidHash("abc"))
}

func TestIsValidServiceID(t *testing.T) {
	assert.True(t, IsValidServiceID("weather"))
	assert.True(t, IsValidServiceID("svc-1.v2"))
	assert.False(t, IsValidServiceID(""))
	assert.False(t, IsValidServiceID("-leading"))
	assert.False(t, IsValidServiceID(strings.Repeat("a", 65)))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 10))
	assert.Equal(t, "hello", SanitizeString("hello world", 5))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 10))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("payer", ""),
		Identity("provider", "bad"),
		Hash("responseHash", ""),
		Positive("amount", 0),
		MaxLength("sig", strings.Repeat("s", MaxSignatureLength+1), MaxSignatureLength),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "payer: is required", errs.Error())
	assert.Empty(t, Validate(Required("x", "y"), Positive("amount", 1)))
}

func TestServiceParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/services/:serviceId", ServiceParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/services/weather", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/services/-bad", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
