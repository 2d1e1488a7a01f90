package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs a reconciliation pass on start and then once per interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. interval defaults to a minute.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop, aborting an in-flight pass. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Timer) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.runner.Run(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		t.logger.Warn("reconciliation pass failed", "error", err)
	case rep != nil:
		t.logger.Debug("reconciliation pass", "checked", rep.Checked, "drifts", len(rep.Drifts), "errors", rep.Errors)
	}
}
