package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/retry"
	"github.com/mbd888/assured/internal/usdc"
)

// Notifier posts signed settlement events to a single URL. It is an
// escrow.SettlementRecorder; delivery happens in the background and never
// fails the settlement that triggered it.
type Notifier struct {
	url    string
	secret string
	store  Store
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. An empty url disables it.
func NewNotifier(url, secret string, store Store, logger *slog.Logger) *Notifier {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    url,
		secret: secret,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// WithHTTPClient sets the HTTP client.
func (n *Notifier) WithHTTPClient(c *http.Client) *Notifier {
	n.client = c
	return n
}

// WithRetry sets the delivery retry policy.
func (n *Notifier) WithRetry(p retry.Policy) *Notifier {
	n.policy = p
	return n
}

// WithClock sets the clock (for testing).
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// Enabled reports whether a destination is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// RecordSettlement queues a call.settled (or call.refunded) event.
func (n *Notifier) RecordSettlement(ctx context.Context, s escrow.Settlement) error {
	if !n.Enabled() {
		return nil
	}
	typ := EventCallSettled
	if s.Outcome == escrow.OutcomeRefunded {
		typ = EventCallRefunded
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		CallID:    s.CallID,
		Timestamp: n.now().UTC(),
		Data: SettlementEvent{
			ServiceID: s.ServiceID,
			Payer:     s.Payer,
			Provider:  s.Provider,
			Amount:    usdc.FormatMinor(s.Amount),
			Outcome:   string(s.Outcome),
			Late:      s.Late,
			MissedSLA: s.MissedSLA,
			Delivered: s.Delivered,
			LatencyMs: s.LatencyMs,
		},
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	d := &Delivery{
		ID:        ev.ID,
		EventType: ev.Type,
		CallID:    ev.CallID,
		URL:       n.url,
		CreatedAt: ev.Timestamp,
	}
	if err := n.store.Create(ctx, d); err != nil {
		n.logger.Warn("webhook delivery record failed", "callId", s.CallID, "error", err)
	}

	emitTotal.WithLabelValues(string(ev.Type)).Inc()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ev, payload, d)
	}()
	return nil
}

func (n *Notifier) deliver(ev Event, payload []byte, d *Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := retry.Do(ctx, n.policy, func(ctx context.Context) error {
		d.Attempts++
		code, err := n.post(ctx, ev, payload)
		d.StatusCode = code
		if err != nil {
			return err
		}
		if code >= 200 && code < 300 {
			return nil
		}
		err = fmt.Errorf("status %d", code)
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	})

	if err != nil {
		d.LastError = err.Error()
		emitErrors.WithLabelValues(string(ev.Type)).Inc()
		n.logger.Warn("webhook delivery failed", "callId", ev.CallID, "event", ev.Type, "attempts", d.Attempts, "error", err)
	} else {
		now := n.now()
		d.DeliveredAt = &now
		d.LastError = ""
	}
	if uerr := n.store.Update(ctx, d); uerr != nil {
		n.logger.Warn("webhook delivery update failed", "callId", ev.CallID, "error", uerr)
	}
}

func (n *Notifier) post(ctx context.Context, ev Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, n.secret))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
