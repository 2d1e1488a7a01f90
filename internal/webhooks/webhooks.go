// Package webhooks signs outbound settlement notifications and authenticates
// inbound provider webhooks. Both directions use HMAC-SHA256 over the raw
// body, hex encoded in the X-Assured-Signature header.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const (
	HeaderSignature = "X-Assured-Signature"
	HeaderEvent     = "X-Assured-Event"
	HeaderTimestamp = "X-Assured-Timestamp"
)

// EventType names a notification.
type EventType string

const (
	EventCallSettled  EventType = "call.settled"
	EventCallRefunded EventType = "call.refunded"
)

var ErrDeliveryNotFound = errors.New("webhooks: delivery not found")

// Event is the JSON body of an outbound notification.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	CallID    string          `json:"callId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      SettlementEvent `json:"data"`
}

// SettlementEvent describes a terminal escrow outcome.
type SettlementEvent struct {
	ServiceID string `json:"serviceId"`
	Payer     string `json:"payer"`
	Provider  string `json:"provider"`
	Amount    string `json:"amount"`
	Outcome   string `json:"outcome"`
	Late      bool   `json:"late"`
	MissedSLA bool   `json:"missedSla"`
	Delivered bool   `json:"delivered"`
	LatencyMs int64  `json:"latencyMs"`
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signatureHex against payload. With no secret configured
// every webhook is accepted.
func Verify(payload []byte, signatureHex, secret string) bool {
	if secret == "" {
		return true
	}
	got, err := hex.DecodeString(signatureHex)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(got, h.Sum(nil))
}

// Delivery records one outbound notification and its last attempt.
type Delivery struct {
	ID          string     `json:"id"`
	EventType   EventType  `json:"eventType"`
	CallID      string     `json:"callId"`
	URL         string     `json:"url"`
	Attempts    int        `json:"attempts"`
	StatusCode  int        `json:"statusCode,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Store persists delivery records.
type Store interface {
	Create(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	ListByCall(ctx context.Context, callID string) ([]*Delivery, error)
	ListRecent(ctx context.Context, limit int) ([]*Delivery, error)
}
