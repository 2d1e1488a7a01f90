package policy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	scores map[string]float64
	p95s   map[string]float64
	err    error
}

func (f *fakeReader) Score(_ context.Context, id string) (float64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	s, ok := f.scores[id]
	return s, ok, nil
}

func (f *fakeReader) P95(_ context.Context, id string) (float64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	p, ok := f.p95s[id]
	return p, ok, nil
}

func requirement(serviceID, price string, slaMs int64) *paywall.Requirement {
	return &paywall.Requirement{
		Price:     price,
		Currency:  "USDC",
		Network:   "assured-devnet",
		Recipient: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Extension: paywall.Extension{ServiceID: serviceID, SLAMs: slaMs, DisputeWindowS: 60},
	}
}

func f64(v float64) *float64 { return &v }

func TestEvaluate_MaxPrice(t *testing.T) {
	ctx := context.Background()
	err := Evaluate(ctx, Policy{MaxPrice: Float(0.01)}, requirement("weather", "0.05", 2000), nil)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ClauseMaxPrice, v.Clause)

	assert.NoError(t, Evaluate(ctx, Policy{MaxPrice: Float(0.01)}, requirement("weather", "0.01", 2000), nil))
	// 0.1 + 0.2 style float noise must not reject an exactly-priced call.
	assert.NoError(t, Evaluate(ctx, Policy{MaxPrice: Float(0.1 + 0.2)}, requirement("weather", "0.3", 2000), nil))
}

func TestEvaluate_RequireSLA(t *testing.T) {
	err := Evaluate(context.Background(), Policy{MaxPrice: Float(1), RequireSLA: true}, requirement("weather", "0.01", 0), nil)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ClauseRequireSLA, v.Clause)
}

func TestEvaluate_MinReputation(t *testing.T) {
	ctx := context.Background()
	reader := &fakeReader{scores: map[string]float64{"weather": 0.5}}
	p := Policy{MaxPrice: Float(1), MinReputation: 0.8}

	v, ok := AsViolation(Evaluate(ctx, p, requirement("weather", "0.01", 2000), reader))
	require.True(t, ok)
	assert.Equal(t, ClauseMinReputation, v.Clause)

	assert.NoError(t, Evaluate(ctx, p, requirement("never-seen", "0.01", 2000), reader))
}

func TestEvaluate_MinReputationOnly(t *testing.T) {
	ctx := context.Background()
	p := Policy{MinReputation: 0.8}

	// No price cap: a fresh registry has never seen the service.
	assert.NoError(t, Evaluate(ctx, p, requirement("weather", "0.01", 2000), &fakeReader{}))
	assert.NoError(t, Evaluate(ctx, p, requirement("weather", "250", 2000), &fakeReader{}))

	v, ok := AsViolation(Evaluate(ctx, p, requirement("weather", "0.01", 2000),
		&fakeReader{scores: map[string]float64{"weather": 0.5}}))
	require.True(t, ok)
	assert.Equal(t, ClauseMinReputation, v.Clause)
}

func TestEvaluate_FailsClosed(t *testing.T) {
	ctx := context.Background()
	req := requirement("weather", "0.01", 2000)

	v, ok := AsViolation(Evaluate(ctx, Policy{MaxPrice: Float(1), MinReputation: 0.1}, req, nil))
	require.True(t, ok)
	assert.Equal(t, ClauseMinReputation, v.Clause)

	down := &fakeReader{err: errors.New("registry unreachable")}
	v, ok = AsViolation(Evaluate(ctx, Policy{MaxPrice: Float(1), SLAP95MaxMs: f64(500)}, req, down))
	require.True(t, ok)
	assert.Equal(t, ClauseSLAP95MaxMs, v.Clause)
	assert.Contains(t, v.Detail, "registry unreachable")

	v, ok = AsViolation(Evaluate(ctx, Policy{MaxPrice: Float(1)}, nil, nil))
	require.True(t, ok)
	assert.Equal(t, ClauseRequirement, v.Clause)
}

func TestEvaluate_SLAP95(t *testing.T) {
	ctx := context.Background()
	reader := &fakeReader{p95s: map[string]float64{"weather": 800}}
	p := Policy{MaxPrice: Float(1), SLAP95MaxMs: f64(500)}

	v, ok := AsViolation(Evaluate(ctx, p, requirement("weather", "0.01", 2000), reader))
	require.True(t, ok)
	assert.Equal(t, ClauseSLAP95MaxMs, v.Clause)

	assert.NoError(t, Evaluate(ctx, p, requirement("fresh", "0.01", 2000), reader))
}

func TestEvaluate_InvalidPolicy(t *testing.T) {
	err := Evaluate(context.Background(), Policy{MaxPrice: Float(-1)}, requirement("weather", "0.01", 2000), nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	_, ok := AsViolation(err)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte("min_reputation: 0.8\nmax_price: 0.02\nrequire_sla: true\nsla_p95_max_ms: 750\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.8, p.MinReputation)
	require.NotNil(t, p.MaxPrice)
	assert.Equal(t, 0.02, *p.MaxPrice)
	assert.True(t, p.RequireSLA)
	require.NotNil(t, p.SLAP95MaxMs)
	assert.Equal(t, 750.0, *p.SLAP95MaxMs)

	_, err = Parse([]byte("max_prize: 1\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = Parse([]byte("min_reputation: 2\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_price: 0.5\n"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, p.MaxPrice)
	assert.Equal(t, 0.5, *p.MaxPrice)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type fakeQuoter struct{}

func (fakeQuoter) Quote(_ context.Context, serviceID string) (*paywall.Requirement, error) {
	if serviceID != "weather" {
		return nil, paywall.ErrUnknownService
	}
	return requirement("weather", "0.01", 2000), nil
}

func TestCheckHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakeQuoter{}, &fakeReader{scores: map[string]float64{"weather": 0.5}})
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/policy/check", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := post(`{"serviceId":"weather","policy":{"maxPrice":0.05}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":true`)

	w = post(`{"serviceId":"weather","policy":{"maxPrice":0.05,"minReputation":0.8}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":false`)
	assert.Contains(t, w.Body.String(), `"clause":"min_reputation"`)

	assert.Equal(t, http.StatusNotFound, post(`{"serviceId":"nope","policy":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"serviceId":"weather","policy":{"maxPrice":-1}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
}
