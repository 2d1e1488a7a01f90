package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/assured/internal/paywall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueue_FIFOAndLimit(t *testing.T) {
	q := newPendingQueue(2)
	defer q.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, "weather", pendingEntry{IssuedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["weather"])

	e, ok, err := q.PopOldest(ctx, "weather")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), e.IssuedAt)

	require.NoError(t, q.Requeue(ctx, "weather", e))
	e, _, _ = q.PopOldest(ctx, "weather")
	assert.Equal(t, base.Add(time.Second), e.IssuedAt)
	e, _, _ = q.PopOldest(ctx, "weather")
	assert.Equal(t, base.Add(2*time.Second), e.IssuedAt)

	_, ok, err = q.PopOldest(ctx, "weather")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingQueue_Closed(t *testing.T) {
	q := newPendingQueue(0)
	q.Close()
	q.Close()
	err := q.Push(context.Background(), "weather", pendingEntry{Requirement: &paywall.Requirement{}})
	assert.ErrorIs(t, err, errQueueClosed)
}

func TestTranscriptStore_SaveKeepsConcurrentFields(t *testing.T) {
	s := newTranscriptStore(4)
	s.save(&Transcript{CallID: "c1", Outcome: OutcomePending})
	s.update("c1", func(t *Transcript) {
		t.WebhookVerified = true
		t.Outcome = OutcomeReleased
	})

	s.save(&Transcript{CallID: "c1", Outcome: OutcomePending, Delivered: true})
	got, ok := s.get("c1")
	require.True(t, ok)
	assert.True(t, got.WebhookVerified)
	assert.True(t, got.Delivered)
	assert.Equal(t, OutcomeReleased, got.Outcome)
	assert.Equal(t, 1, s.count())
}
