package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/auth"
	"github.com/mbd888/assured/internal/config"
	"github.com/mbd888/assured/internal/logging"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		ExecutionMode:         config.ModeMock,
		PayerFunding:          10_000_000,
		Currency:              "USDC",
		Network:               "assured-devnet",
		EscrowProgramID:       "assured-escrow",
		ReputationProgramID:   "assured-reputation",
		DefaultSLAMs:          2000,
		DefaultDisputeWindowS: 0,
		AutoSettle:            true,
		DisputeWindowBoundary: "inclusive",
		SettleIntervalMs:      50,
		SlashMode:             "fixed",
		SlashAmount:           10_000,
		RunRatePerSec:         5,
		MinCustodyBalance:     50_000,
		TranscriptRingSize:    50,
		LedgerRetryAttempts:   2,
		ChunkDelayMs:          1,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// doAs sends a request signed by signer.
func doAs(s *Server, signer *trust.Signer, method, path string, body any) *httptest.ResponseRecorder {
	var data []byte
	if body != nil {
		data, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.Sign(req, signer, data, time.Now())
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

type runResponse struct {
	Payer  string `json:"payer"`
	Result struct {
		CallID     string                      `json:"callId"`
		Verified   bool                        `json:"verified"`
		Settlement *paywall.SettlementResponse `json:"settlement"`
		Checks     []trust.Check               `json:"checks"`
	} `json:"result"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), "in-memory")

	w = do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "assured_http_requests_total")
}

func TestInfo(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]any
	decode(t, w, &info)
	assert.Equal(t, config.ModeMock, info["mode"])
	assert.Equal(t, s.signer.Address(), info["provider"])
	assert.Equal(t, false, info["webhooks"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestPaidRoute_RequiresPayment(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/v1/paid/weather", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get(paywall.HeaderPaymentRequired))
}

func TestOperatorRun_Mock(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "weather"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp runResponse
	decode(t, w, &resp)
	assert.Equal(t, s.payer.Address(), resp.Payer)
	assert.True(t, resp.Result.Verified)
	assert.Equal(t, "released", resp.Result.Settlement.Outcome)
	assert.NotEmpty(t, resp.Result.Checks)

	w = do(s, http.MethodGet, "/v1/transcripts/"+resp.Result.CallID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":true`)
}

func TestOperatorRun_Stream(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "quotes-stream"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp runResponse
	decode(t, w, &resp)
	assert.True(t, resp.Result.Verified)
}

func TestOperatorRun_PolicyViolation(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/operator/run", map[string]any{
		"serviceId": "weather",
		"policy":    map[string]any{"maxPrice": 0.001},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"clause":"max_price"`)

	w = do(s, http.MethodGet, "/v1/transcripts", nil)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestPolicyCheck_MinReputationOnly(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/policy/check", map[string]any{
		"serviceId": "weather",
		"policy":    map[string]any{"minReputation": 0.8},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"allowed":true`)
}

func TestOperatorRun_BadRequests(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/operator/run", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodPost, "/v1/operator/run", map[string]any{
		"serviceId": "weather",
		"policy":    map[string]any{"maxPrice": 1, "minReputation": 2},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_policy")
}

func TestOperatorRun_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RunRatePerSec = 1
	s := newTestServer(t, cfg)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.rateLimiter.WithClock(func() time.Time { return fixed })

	w := do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "nope"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestOperatorRun_LedgerMode(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionMode = config.ModeLedger
	s := newTestServer(t, cfg)

	w := do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "weather"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp runResponse
	decode(t, w, &resp)
	assert.True(t, resp.Result.Verified)
	assert.Equal(t, "ledger", resp.Result.Settlement.Mode)

	w = do(s, http.MethodGet, "/v1/ledger/accounts/"+s.signer.Address()+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":"0.010000"`)

	w = do(s, http.MethodGet, "/v1/escrow/calls/"+resp.Result.CallID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReconciliationRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionMode = config.ModeLedger
	s := newTestServer(t, cfg)

	w := do(s, http.MethodGet, "/v1/reconciliation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "weather"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checked":1`)

	w = do(s, http.MethodGet, "/v1/reconciliation", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperatorRun_LedgerInsufficientCustody(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionMode = config.ModeLedger
	cfg.PayerFunding = 0
	s := newTestServer(t, cfg)

	w := do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "weather"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "insufficient_custody_balance", body["error"])
	assert.Equal(t, "0.050000", body["required"])
	assert.Contains(t, body["remediation"], "/v1/ledger/accounts/"+s.payer.Address()+"/deposits")
}

func TestFundPayer_TopsUpOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionMode = config.ModeLedger
	s := newTestServer(t, cfg)

	require.NoError(t, s.fundPayer(t.Context()))
	bal, err := s.ledger.GetBalance(t.Context(), s.payer.Address())
	require.NoError(t, err)
	assert.Equal(t, cfg.PayerFunding, bal.Available)
}

func TestProtectedRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/escrow/calls", map[string]any{"callId": "c1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/v1/services/weather/bond/deposit", map[string]any{"amount": "1"}, IdentityHeader, "not base58!")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A bare public key is a claim, not a proof.
	w = do(s, http.MethodPost, "/v1/services/weather/bond/deposit", map[string]any{"amount": "1"}, IdentityHeader, s.signer.Address())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAs(s, s.signer, http.MethodPost, "/v1/services/weather/bond/deposit", map[string]any{"amount": "1"})
	assert.NotEqual(t, http.StatusUnauthorized, w.Code, w.Body.String())
}

func TestEscrow_ForgedIdentityCannotSpendCustody(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionMode = config.ModeLedger
	s := newTestServer(t, cfg)

	victim, err := trust.GenerateSigner()
	require.NoError(t, err)
	attacker, err := trust.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, s.ledger.Deposit(t.Context(), victim.Address(), 10_000_000, "victim-funding"))

	init := map[string]any{
		"callId":    "forged-1",
		"provider":  attacker.Address(),
		"serviceId": "weather",
		"amount":    1_000_000,
		"slaMs":     2000,
	}

	// Attacker names the victim but signs with its own key.
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(init))
	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/calls", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", "application/json")
	auth.Sign(req, attacker, buf.Bytes(), time.Now())
	req.Header.Set(auth.HeaderIdentity, victim.Address())
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unsigned claim of the victim key.
	w = do(s, http.MethodPost, "/v1/escrow/calls", init, IdentityHeader, victim.Address())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bal, err := s.ledger.GetBalance(t.Context(), victim.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal.Available)

	// The victim's own signed request is accepted.
	w = doAs(s, victim, http.MethodPost, "/v1/escrow/calls", init)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestWebhookMarksTranscript(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/operator/run", RunRequest{ServiceID: "weather"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp runResponse
	decode(t, w, &resp)

	w = do(s, http.MethodPost, "/v1/webhooks/provider", map[string]string{"callId": resp.Result.CallID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/transcripts/"+resp.Result.CallID, nil)
	assert.Contains(t, w.Body.String(), `"webhookVerified":true`)
}

func TestPolicyCheckRoute(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/policy/check", map[string]any{
		"serviceId": "weather",
		"policy":    map[string]any{"maxPrice": 0.05},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"allowed":true`)
}

func TestNew_RejectsMismatchedProviderAddress(t *testing.T) {
	cfg := testConfig()
	other, err := trust.GenerateSigner()
	require.NoError(t, err)
	cfg.ProviderSeed = "0000000000000000000000000000000000000000000000000000000000000001"
	cfg.ProviderAddress = other.Address()

	_, err = New(cfg, WithLogger(logging.Discard()))
	assert.ErrorContains(t, err, "PROVIDER_ADDRESS")
}

func TestNew_DeterministicProviderFromSeed(t *testing.T) {
	cfg := testConfig()
	cfg.ProviderSeed = "0000000000000000000000000000000000000000000000000000000000000001"
	a := newTestServer(t, cfg)
	b := newTestServer(t, cfg)
	assert.Equal(t, a.signer.Address(), b.signer.Address())
}

func TestNew_RejectsUnsafeWebhookURLInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.WebhookURL = "http://127.0.0.1:9000/hooks"

	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.ErrorContains(t, err, "WEBHOOK_URL")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://assured:secret@db:5432/assured")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "assured:")
	assert.Equal(t, "postgres://db/assured", maskDSN("postgres://db/assured"))
}
