package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/auth"
	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/ledger"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/reputation"
	"github.com/mbd888/assured/internal/retry"
	"github.com/mbd888/assured/internal/settlement"
	"github.com/mbd888/assured/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	url      string
	signer   *trust.Signer
	orch     *settlement.Orchestrator
	registry *reputation.Registry
	ledger   *ledger.Ledger
}

func newRegistry() *reputation.Registry {
	return reputation.NewRegistry(reputation.NewMemoryRepository(), reputation.SlashPolicy{Mode: reputation.SlashFixed}, discard())
}

func defaultOptions() settlement.Options {
	return settlement.Options{
		Currency:            "USDC",
		Network:             "assured-devnet",
		EscrowProgramID:     "assured-escrow",
		ReputationProgramID: "assured-reputation",
		AutoSettle:          true,
		ChunkDelay:          time.Millisecond,
		Retry:               retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
	}
}

func serve(t *testing.T, orch *settlement.Orchestrator, registry *reputation.Registry, escrowSvc *escrow.Service) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(auth.NewVerifier()))
	settlement.NewHandler(orch).RegisterRoutes(v1)
	reputation.NewHandler(registry).RegisterRoutes(v1)
	if escrowSvc != nil {
		escrow.NewHandler(escrowSvc).RegisterProtectedRoutes(v1.Group("/escrow", auth.RequireAuth()))
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newMockServer(t *testing.T) *testServer {
	t.Helper()
	signer, err := trust.GenerateSigner()
	require.NoError(t, err)
	registry := newRegistry()
	exec := settlement.NewMockExecutor(signer.Address())
	orch := settlement.New(settlement.DefaultCatalog(settlement.CatalogDefaults{SLAMs: 2000, DisputeWindowS: 60}), signer, exec, registry, defaultOptions()).
		WithLogger(discard())
	exec.WithRecorder(escrow.MultiRecorder{registry, orch})
	t.Cleanup(orch.Close)
	return &testServer{url: serve(t, orch, registry, nil), signer: signer, orch: orch, registry: registry}
}

func newLedgerServer(t *testing.T) *testServer {
	t.Helper()
	signer, err := trust.GenerateSigner()
	require.NoError(t, err)
	registry := newRegistry()
	l := ledger.New(ledger.NewMemoryStore())
	svc := escrow.NewService(escrow.NewMemoryStore(), l).WithLogger(discard())
	orch := settlement.New(settlement.DefaultCatalog(settlement.CatalogDefaults{SLAMs: 2000, DisputeWindowS: 0}), signer, settlement.NewLedgerExecutor(svc, signer.Address()), registry, defaultOptions()).
		WithLogger(discard())
	svc.WithRecorder(escrow.MultiRecorder{registry, orch})
	t.Cleanup(orch.Close)
	return &testServer{url: serve(t, orch, registry, svc), signer: signer, orch: orch, registry: registry, ledger: l}
}

func TestPay_MockMode(t *testing.T) {
	ts := newMockServer(t)
	p := NewPayer(Config{BaseURL: ts.url, Identity: "payer-1", Policy: policy.Policy{MaxPrice: policy.Float(0.05), MinReputation: 0.5, RequireSLA: true}})

	res, err := p.Pay(context.Background(), "weather")
	require.NoError(t, err)
	assert.True(t, res.Verified, "%+v", res.Checks)
	assert.Equal(t, "0.010000", res.Requirement.Price)
	assert.Equal(t, ts.signer.Address(), res.Settlement.Signer)
	assert.Equal(t, settlement.ModeMock, res.Settlement.Mode)
	assert.Equal(t, settlement.OutcomeReleased, res.Settlement.Outcome)
	assert.Equal(t, trust.HashHex(res.Body), res.Settlement.ResponseHash)

	tr, err := ts.orch.Transcript(res.CallID)
	require.NoError(t, err)
	assert.True(t, tr.Delivered)
}

func TestPay_StreamVerifiesEveryChunk(t *testing.T) {
	ts := newMockServer(t)
	p := NewPayer(Config{BaseURL: ts.url, Identity: "payer-1", Policy: policy.Policy{MaxPrice: policy.Float(1)}})

	res, err := p.Pay(context.Background(), "quotes-stream")
	require.NoError(t, err)
	assert.True(t, res.Verified, "%+v", res.Checks)

	traces := 0
	for _, c := range res.Checks {
		if c.Name == trust.CheckTraceSignature {
			traces++
		}
	}
	// One per chunk plus the final settlement trace.
	assert.Equal(t, 4, traces)
}

func TestPay_PolicyViolationStopsBeforePayment(t *testing.T) {
	ts := newMockServer(t)
	p := NewPayer(Config{BaseURL: ts.url, Identity: "payer-1", Policy: policy.Policy{MaxPrice: policy.Float(0.005)}})

	_, err := p.Pay(context.Background(), "weather")
	v, ok := policy.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.ClauseMaxPrice, v.Clause)
	assert.Empty(t, ts.orch.Recent(0))
}

func TestPay_UnknownService(t *testing.T) {
	ts := newMockServer(t)
	p := NewPayer(Config{BaseURL: ts.url})

	_, err := p.Pay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "404")
}

func TestPay_LedgerMode(t *testing.T) {
	ts := newLedgerServer(t)
	payer, err := trust.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, ts.ledger.Deposit(context.Background(), payer.Address(), 1_000_000, "seed"))

	p := NewPayer(Config{BaseURL: ts.url, Signer: payer, Ledger: true, Policy: policy.Policy{MaxPrice: policy.Float(0.05)}})
	res, err := p.Pay(context.Background(), "weather")
	require.NoError(t, err)
	assert.True(t, res.Verified, "%+v", res.Checks)
	assert.Equal(t, settlement.ModeLedger, res.Settlement.Mode)
	assert.Equal(t, settlement.OutcomeReleased, res.Settlement.Outcome)

	bal, err := ts.ledger.GetBalance(context.Background(), ts.signer.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), bal.Available)
}

func TestPay_LedgerModeInsufficientFunds(t *testing.T) {
	ts := newLedgerServer(t)
	payer, err := trust.GenerateSigner()
	require.NoError(t, err)

	p := NewPayer(Config{BaseURL: ts.url, Signer: payer, Ledger: true})
	_, err = p.Pay(context.Background(), "weather")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestPay_LedgerModeNeedsSigner(t *testing.T) {
	ts := newLedgerServer(t)
	payer, err := trust.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, ts.ledger.Deposit(context.Background(), payer.Address(), 1_000_000, "seed"))

	p := NewPayer(Config{BaseURL: ts.url, Identity: payer.Address(), Ledger: true})
	_, err = p.Pay(context.Background(), "weather")
	assert.ErrorIs(t, err, ErrSignerRequired)

	bal, err := ts.ledger.GetBalance(context.Background(), payer.Address())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), bal.Available)
}

func TestRetry_TamperedBodyFailsVerification(t *testing.T) {
	signer, err := trust.GenerateSigner()
	require.NoError(t, err)
	body := []byte(`{"tempC":21}`)
	hash := trust.HashHex(body)
	at := time.Now().UnixMilli()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receipt, err := paywall.DecodeReceipt(r.Header.Get(paywall.HeaderPayment))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		header, _ := paywall.EncodeSettlement(paywall.SettlementResponse{
			CallID:       receipt.CallID,
			ResponseHash: hash,
			FulfilledAt:  at,
			Mode:         settlement.ModeMock,
			TraceSig:     signer.SignTrace(receipt.CallID, hash, at),
			Signer:       signer.Address(),
		})
		w.Header().Set(paywall.HeaderPaymentResponse, header)
		_, _ = w.Write([]byte(`{"tempC":35}`))
	}))
	defer srv.Close()

	p := NewPayer(Config{BaseURL: srv.URL})
	res, err := p.Retry(context.Background(), "weather", paywall.Receipt{CallID: "c1"})
	require.NoError(t, err)
	assert.False(t, res.Verified)
	require.Len(t, res.Checks, 2)
	assert.True(t, res.Checks[0].OK)
	assert.False(t, res.Checks[1].OK)
}

func TestRetry_WrongCallID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		header, _ := paywall.EncodeSettlement(paywall.SettlementResponse{CallID: "other"})
		w.Header().Set(paywall.HeaderPaymentResponse, header)
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	_, err := NewPayer(Config{BaseURL: srv.URL}).Retry(context.Background(), "weather", paywall.Receipt{CallID: "c1"})
	assert.ErrorIs(t, err, paywall.ErrMalformedResponse)
}

func TestHTTPReputation(t *testing.T) {
	ts := newMockServer(t)
	reader := &HTTPReputation{BaseURL: ts.url}
	ctx := context.Background()

	score, found, err := reader.Score(ctx, "weather")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1.0, score)
	_, ok, err := reader.P95(ctx, "weather")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ts.registry.UpdateLatency(ctx, "slow-oracle", 120)
	require.NoError(t, err)
	p95, ok, err := reader.P95(ctx, "slow-oracle")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Positive(t, p95)
}

func TestHTTPReputation_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error","message":"boom"}`))
	}))
	defer srv.Close()

	_, _, err := (&HTTPReputation{BaseURL: srv.URL}).Score(context.Background(), "weather")
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	assert.Contains(t, err.Error(), "boom")
}
