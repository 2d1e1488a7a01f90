package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRequirement(t *testing.T) *Requirement {
	t.Helper()
	signer, err := trust.GenerateSigner()
	require.NoError(t, err)
	return &Requirement{
		Price:     "0.01",
		Currency:  "USDC",
		Network:   "assured-devnet",
		Recipient: signer.Address(),
		Extension: Extension{
			ServiceID:            "weather",
			SLAMs:                2000,
			DisputeWindowS:       60,
			EscrowProgramRef:     "assured-escrow",
			ReputationProgramRef: "assured-reputation",
			SigAlg:               trust.SigAlg,
			Mirrors:              signer.SignMirrors("weather", []string{"https://mirror.example/weather"}),
		},
	}
}

func TestRequirement_Validate(t *testing.T) {
	req := testRequirement(t)
	require.NoError(t, req.Validate())

	price, err := req.PriceMinor()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), price)

	bad := *req
	bad.Price = "free"
	bad.Extension.SigAlg = "rsa"
	bad.Extension.Stream = true
	err = bad.Validate()
	require.ErrorIs(t, err, ErrInvalidRequirement)
	assert.Contains(t, err.Error(), "price")
	assert.Contains(t, err.Error(), "sigAlg")
	assert.Contains(t, err.Error(), "totalUnits")
}

func TestRequirement_OmitsEmptyHints(t *testing.T) {
	req := testRequirement(t)
	req.Extension.Mirrors = nil
	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hasBond")
	assert.NotContains(t, string(b), "slaP95Ms")
	assert.NotContains(t, string(b), "mirrors")

	hasBond := true
	req.Extension.HasBond = &hasBond
	b, err = json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"hasBond":true`)
}

func TestReceiptHeader(t *testing.T) {
	header, err := EncodeReceipt(Receipt{CallID: "weather-1-abcd", TxRef: "tx1"})
	require.NoError(t, err)

	r, err := DecodeReceipt(header)
	require.NoError(t, err)
	assert.Equal(t, "weather-1-abcd", r.CallID)
	assert.Equal(t, "tx1", r.TxRef)

	raw := base64.RawURLEncoding.EncodeToString([]byte(`{"callId":"c2"}`))
	r, err = DecodeReceipt(raw)
	require.NoError(t, err)
	assert.Equal(t, "c2", r.CallID)

	_, err = DecodeReceipt("")
	assert.ErrorIs(t, err, ErrMissingReceipt)
	_, err = DecodeReceipt("!!!")
	assert.ErrorIs(t, err, ErrMalformedReceipt)
	_, err = DecodeReceipt(base64.StdEncoding.EncodeToString([]byte(`{"txRef":"x"}`)))
	assert.ErrorIs(t, err, ErrMalformedReceipt)
}

func TestSettlementHeader(t *testing.T) {
	in := SettlementResponse{CallID: "c1", ResponseHash: trust.HashHex([]byte("x")), FulfilledAt: 1700000000123, Mode: "mock"}
	header, err := EncodeSettlement(in)
	require.NoError(t, err)

	out, err := DecodeSettlement(header)
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	_, err = DecodeSettlement(base64.StdEncoding.EncodeToString([]byte(`{"callId":"c1"}`)))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

type fakeGate struct {
	req        *Requirement
	deliverErr error
	delivered  []*Receipt
}

func (g *fakeGate) Issue(_ context.Context, serviceID string) (*Requirement, error) {
	if serviceID != g.req.Extension.ServiceID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	return g.req, nil
}

func (g *fakeGate) Deliver(_ context.Context, serviceID string, r *Receipt) (*Paid, error) {
	if g.deliverErr != nil {
		return nil, g.deliverErr
	}
	g.delivered = append(g.delivered, r)
	body := []byte(`{"temp":21}`)
	return &Paid{Body: body, Settlement: SettlementResponse{
		CallID: r.CallID, ResponseHash: trust.HashHex(body), FulfilledAt: 1, Mode: "mock",
	}}, nil
}

func newRouter(g Gate) *gin.Engine {
	r := gin.New()
	r.GET("/v1/paid/:serviceId", Handler(g))
	return r
}

func TestHandler_IssuesRequirement(t *testing.T) {
	gate := &fakeGate{req: testRequirement(t)}
	router := newRouter(gate)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/paid/weather", nil))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderPaymentRequired))

	var got Requirement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "weather", got.Extension.ServiceID)
	assert.NoError(t, got.Validate())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/paid/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Delivers(t *testing.T) {
	gate := &fakeGate{req: testRequirement(t)}
	router := newRouter(gate)

	header, err := EncodeReceipt(Receipt{CallID: "c1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/paid/weather", nil)
	req.Header.Set(HeaderPayment, header)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	s, err := DecodeSettlement(w.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "c1", s.CallID)
	assert.True(t, trust.CheckPayloadHash(w.Body.Bytes(), s.ResponseHash).OK)
	require.Len(t, gate.delivered, 1)
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		err    error
		status int
		code   string
	}{
		{"malformed receipt", "not-base64!", nil, http.StatusBadRequest, "invalid_payment_receipt"},
		{"ledger down", "", ErrLedgerUnavailable, http.StatusServiceUnavailable, "ledger_unavailable"},
		{"rejected", "", ErrPaymentRejected, http.StatusPaymentRequired, "payment_rejected"},
		{"terminal", "", ErrInvalidTransition, http.StatusConflict, "invalid_state"},
		{"balance", "", ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &fakeGate{req: testRequirement(t), deliverErr: tt.err}
			header := tt.header
			if header == "" {
				header, _ = EncodeReceipt(Receipt{CallID: "c1"})
			}
			req := httptest.NewRequest(http.MethodGet, "/v1/paid/weather", nil)
			req.Header.Set(HeaderPayment, header)
			w := httptest.NewRecorder()
			newRouter(gate).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestHandler_RejectsReceiptForOtherService(t *testing.T) {
	gate := &fakeGate{req: testRequirement(t)}
	header, _ := EncodeReceipt(Receipt{CallID: "c1", ServiceID: "quotes"})
	req := httptest.NewRequest(http.MethodGet, "/v1/paid/weather", nil)
	req.Header.Set(HeaderPayment, header)
	w := httptest.NewRecorder()
	newRouter(gate).ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, gate.delivered)
}
