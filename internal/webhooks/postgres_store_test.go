//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/assured/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Deliveries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	created := time.Now().UTC().Truncate(time.Millisecond)
	d := &Delivery{ID: "d-1", EventType: EventCallSettled, CallID: "c1", URL: "https://hooks.example/x", CreatedAt: created}
	require.NoError(t, store.Create(ctx, d))

	d.Attempts = 2
	d.StatusCode = 200
	delivered := created.Add(time.Second)
	d.DeliveredAt = &delivered
	require.NoError(t, store.Update(ctx, d))

	got, err := store.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 200, got.StatusCode)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, delivered.Equal(*got.DeliveredAt))

	byCall, err := store.ListByCall(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, byCall, 1)

	recent, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	assert.ErrorIs(t, store.Update(ctx, &Delivery{ID: "missing"}), ErrDeliveryNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
}
