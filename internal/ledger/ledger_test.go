package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_LockReleaseFlow(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	require.NoError(t, l.Deposit(ctx, "payer", 5000, "dep1"))
	require.NoError(t, l.EscrowLock(ctx, "payer", 1000, "c1"))

	bal, err := l.GetBalance(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), bal.Available)
	assert.Equal(t, int64(1000), bal.Escrowed)

	require.NoError(t, l.ReleaseEscrow(ctx, "payer", "provider", 1000, "c1"))
	// replay is a no-op
	require.NoError(t, l.ReleaseEscrow(ctx, "payer", "provider", 1000, "c1"))

	bal, _ = l.GetBalance(ctx, "payer")
	assert.Equal(t, int64(4000), bal.Available)
	assert.Equal(t, int64(0), bal.Escrowed)
	assert.Equal(t, int64(1000), bal.TotalOut)

	prov, _ := l.GetBalance(ctx, "provider")
	assert.Equal(t, int64(1000), prov.Available)
}

func TestLedger_RefundExcludesRelease(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	require.NoError(t, l.Deposit(ctx, "payer", 1000, "dep1"))
	require.NoError(t, l.EscrowLock(ctx, "payer", 1000, "c1"))

	require.NoError(t, l.RefundEscrow(ctx, "payer", 1000, "c1"))
	require.NoError(t, l.ReleaseEscrow(ctx, "payer", "provider", 1000, "c1"))

	bal, _ := l.GetBalance(ctx, "payer")
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Escrowed)
	prov, _ := l.GetBalance(ctx, "provider")
	assert.Equal(t, int64(0), prov.Available)
}

func TestLedger_LockErrors(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	require.NoError(t, l.Deposit(ctx, "payer", 500, "dep1"))

	assert.ErrorIs(t, l.EscrowLock(ctx, "payer", 1000, "c1"), ErrInsufficientBalance)
	assert.ErrorIs(t, l.EscrowLock(ctx, "payer", 0, "c1"), ErrInvalidAmount)
	assert.ErrorIs(t, l.Deposit(ctx, "payer", -1, "x"), ErrInvalidAmount)

	require.NoError(t, l.EscrowLock(ctx, "payer", 100, "c2"))
	assert.ErrorIs(t, l.EscrowLock(ctx, "payer", 100, "c2"), ErrAlreadyApplied)
}

func TestLedger_HasAtLeast(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	ok, _, err := l.HasAtLeast(ctx, "op", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Deposit(ctx, "op", 10, "d"))
	ok, bal, err := l.HasAtLeast(ctx, "op", 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), bal.Available)
}

func TestLedger_History(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	require.NoError(t, l.Deposit(ctx, "payer", 1000, "d1"))
	require.NoError(t, l.EscrowLock(ctx, "payer", 400, "c1"))

	entries, err := l.GetHistory(ctx, "payer", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryLock, entries[0].Type)
	assert.Equal(t, EntryDeposit, entries[1].Type)
}

func TestHandler_DepositAndBalance(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(NewMemoryStore())
	h := NewHandler(l, true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/alice/deposits", strings.NewReader(`{"amount":"1.5"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/alice/balance", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance   Balance `json:"balance"`
		Available string  `json:"available"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1_500_000), resp.Balance.Available)
	assert.Equal(t, "1.500000", resp.Available)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/accounts/alice/deposits", strings.NewReader(`{"amount":"-3"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DepositDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(New(NewMemoryStore()), false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/accounts/alice/deposits", strings.NewReader(`{"amount":"1"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
