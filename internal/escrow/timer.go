package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer is the later settlement pass: it periodically settles calls whose
// dispute window has elapsed, and retries calls whose earlier settlement
// failed against custody.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new settlement timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the settlement loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSettleDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSettleDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.SettleDue(ctx)
}

// SettleDue runs one pass and returns the number of calls settled.
func (t *Timer) SettleDue(ctx context.Context) int {
	calls, err := t.service.ListSettleable(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list settleable calls", "error", err)
		return 0
	}

	settled := 0
	for _, call := range calls {
		if !t.service.Ready(call) {
			continue
		}
		res, err := t.service.Settle(ctx, call.ID)
		if err != nil {
			if !errors.Is(err, ErrDisputeWindowOpen) {
				t.logger.Warn("failed to settle call", "callId", call.ID, "error", err)
			}
			continue
		}
		settled++
		t.logger.Info("settled call",
			"callId", res.ID,
			"serviceId", res.ServiceID,
			"outcome", res.Outcome,
			"amount", res.Amount,
		)
	}
	return settled
}
