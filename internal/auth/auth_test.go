package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newSigner(t *testing.T) *trust.Signer {
	t.Helper()
	s, err := trust.GenerateSigner()
	require.NoError(t, err)
	return s
}

func newRouter(v *Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/v1/open", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"identity": GetIdentity(c)})
	})
	r.POST("/v1/locked", RequireAuth(), func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_body"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"identity": GetIdentity(c), "body": body})
	})
	return r
}

func signedRequest(t *testing.T, s *trust.Signer, method, path string, body []byte, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	Sign(req, s, body, at)
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SignedRequest(t *testing.T) {
	s := newSigner(t)
	r := newRouter(NewVerifier().WithClock(func() time.Time { return fixedNow }))

	w := serve(r, signedRequest(t, s, http.MethodPost, "/v1/locked?x=1", []byte(`{"amount":5}`), fixedNow))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), s.Address())
	assert.Contains(t, w.Body.String(), `"amount":5`)
}

func TestMiddleware_AnonymousPassesOpenRoutes(t *testing.T) {
	r := newRouter(NewVerifier())

	w := serve(r, httptest.NewRequest(http.MethodGet, "/v1/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"identity":""`)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/v1/locked", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "identity_required")
}

func TestMiddleware_Rejections(t *testing.T) {
	victim := newSigner(t)
	attacker := newSigner(t)
	body := []byte(`{"amount":5}`)

	tests := []struct {
		name   string
		mutate func(req *http.Request)
	}{
		{"unsigned claim", func(req *http.Request) {
			req.Header.Del(HeaderSignature)
			req.Header.Del(HeaderTimestamp)
		}},
		{"signed by another key", func(req *http.Request) {
			req.Header.Set(HeaderIdentity, victim.Address())
		}},
		{"not a public key", func(req *http.Request) {
			req.Header.Set(HeaderIdentity, "not base58!")
		}},
		{"stale timestamp", func(req *http.Request) {
			at := fixedNow.Add(-10 * time.Minute).UnixMilli()
			req.Header.Set(HeaderTimestamp, strconv.FormatInt(at, 10))
			req.Header.Set(HeaderSignature, attacker.SignRequest(req.Method, req.URL.RequestURI(), trust.HashHex(body), at))
		}},
		{"timestamp altered", func(req *http.Request) {
			req.Header.Set(HeaderTimestamp, strconv.FormatInt(fixedNow.UnixMilli()+1, 10))
		}},
		{"path altered", func(req *http.Request) {
			req.URL.Path = "/v1/locked2"
			req.URL.RawPath = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(NewVerifier().WithClock(func() time.Time { return fixedNow }))
			r.POST("/v1/locked2", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

			req := signedRequest(t, attacker, http.MethodPost, "/v1/locked", body, fixedNow)
			tt.mutate(req)
			w := serve(r, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
		})
	}
}

func TestMiddleware_BodyTamperRejected(t *testing.T) {
	s := newSigner(t)
	r := newRouter(NewVerifier().WithClock(func() time.Time { return fixedNow }))

	req := httptest.NewRequest(http.MethodPost, "/v1/locked", bytes.NewReader([]byte(`{"amount":500}`)))
	Sign(req, s, []byte(`{"amount":5}`), fixedNow)
	w := serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_ReplayRejected(t *testing.T) {
	s := newSigner(t)
	r := newRouter(NewVerifier().WithClock(func() time.Time { return fixedNow }))
	body := []byte(`{"amount":5}`)

	first := signedRequest(t, s, http.MethodPost, "/v1/locked", body, fixedNow)
	second := httptest.NewRequest(http.MethodPost, "/v1/locked", bytes.NewReader(body))
	second.Header = first.Header.Clone()

	assert.Equal(t, http.StatusOK, serve(r, first).Code)
	w := serve(r, second)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "replayed_request")
}

func TestVerifier_PrunesExpiredSignatures(t *testing.T) {
	s := newSigner(t)
	now := fixedNow
	v := NewVerifier().WithMaxSkew(time.Minute).WithClock(func() time.Time { return now })

	sig := s.SignRequest(http.MethodGet, "/v1/open", trust.HashHex(nil), now.UnixMilli())
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	require.NoError(t, v.Verify(http.MethodGet, "/v1/open", nil, s.Address(), ts, sig))
	assert.ErrorIs(t, v.Verify(http.MethodGet, "/v1/open", nil, s.Address(), ts, sig), ErrReplayed)

	now = now.Add(3 * time.Minute)
	at := now.UnixMilli()
	fresh := s.SignRequest(http.MethodGet, "/v1/open", trust.HashHex(nil), at)
	require.NoError(t, v.Verify(http.MethodGet, "/v1/open", nil, s.Address(), strconv.FormatInt(at, 10), fresh))

	v.mu.Lock()
	defer v.mu.Unlock()
	assert.Len(t, v.seen, 1)
}
