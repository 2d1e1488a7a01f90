package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/assured/internal/paywall"
)

var errQueueClosed = errors.New("pending queue closed")

// pendingEntry is an issued requirement waiting for its paid retry.
type pendingEntry struct {
	Requirement *paywall.Requirement
	IssuedAt    time.Time
}

// pendingQueue pairs unpaid probes with paid retries, oldest first per
// service. A single goroutine owns the queues; callers send it closures.
type pendingQueue struct {
	cmds      chan func(map[string][]pendingEntry)
	done      chan struct{}
	closeOnce sync.Once
	limit     int
}

// newPendingQueue starts the owner goroutine. Each service keeps at most
// limit entries; the oldest is dropped on overflow.
func newPendingQueue(limit int) *pendingQueue {
	if limit <= 0 {
		limit = 64
	}
	q := &pendingQueue{
		cmds:  make(chan func(map[string][]pendingEntry)),
		done:  make(chan struct{}),
		limit: limit,
	}
	go q.run()
	return q
}

func (q *pendingQueue) run() {
	queues := make(map[string][]pendingEntry)
	for {
		select {
		case cmd := <-q.cmds:
			cmd(queues)
		case <-q.done:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (q *pendingQueue) do(ctx context.Context, fn func(map[string][]pendingEntry)) error {
	finished := make(chan struct{})
	cmd := func(m map[string][]pendingEntry) {
		fn(m)
		close(finished)
	}
	select {
	case q.cmds <- cmd:
	case <-q.done:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (q *pendingQueue) Push(ctx context.Context, serviceID string, e pendingEntry) error {
	return q.do(ctx, func(m map[string][]pendingEntry) {
		list := append(m[serviceID], e)
		if len(list) > q.limit {
			list = list[len(list)-q.limit:]
		}
		m[serviceID] = list
	})
}

// Requeue puts e back at the head, for a retry that could not be bound.
func (q *pendingQueue) Requeue(ctx context.Context, serviceID string, e pendingEntry) error {
	return q.do(ctx, func(m map[string][]pendingEntry) {
		list := append([]pendingEntry{e}, m[serviceID]...)
		if len(list) > q.limit {
			list = list[:q.limit]
		}
		m[serviceID] = list
	})
}

// PopOldest removes and returns the oldest entry for serviceID.
func (q *pendingQueue) PopOldest(ctx context.Context, serviceID string) (pendingEntry, bool, error) {
	var (
		e     pendingEntry
		found bool
	)
	err := q.do(ctx, func(m map[string][]pendingEntry) {
		list := m[serviceID]
		if len(list) == 0 {
			return
		}
		e, found = list[0], true
		if len(list) == 1 {
			delete(m, serviceID)
		} else {
			m[serviceID] = list[1:]
		}
	})
	return e, found, err
}

// Counts returns queue depth per service.
func (q *pendingQueue) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := q.do(ctx, func(m map[string][]pendingEntry) {
		for id, list := range m {
			out[id] = len(list)
		}
	})
	return out, err
}

// Close stops the owner goroutine. Safe to call more than once.
func (q *pendingQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
