package outbox

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/persist"
)

const (
	IntentEntry = "ENTRY"
	IntentExit  = "EXIT"
)

type Order struct {
	ID             string    `json:"id"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Intent         string    `json:"intent"`
	Qty            float64   `json:"qty"`
	Cycle          int64     `json:"cycle"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	Error          string    `json:"error,omitempty"`
}

type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

type OutboxEntry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox journals every order the engine submits and every fill it sees.
type Outbox struct {
	journal      *persist.Journal
	dedupeWindow time.Duration
	now          func() time.Time
}

func New(path string, dedupeWindow time.Duration) (*Outbox, error) {
	j, err := persist.NewJournal(path)
	if err != nil {
		return nil, err
	}
	return &Outbox{journal: j, dedupeWindow: dedupeWindow, now: time.Now}, nil
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.appendEntry("order", order)
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.appendEntry("fill", fill)
}

func (o *Outbox) appendEntry(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	return o.journal.Append(OutboxEntry{Type: kind, Data: data, Event: o.now().UTC()})
}

// HasRecentOrder reports whether an order with idempotencyKey was journaled
// inside the dedupe window. Failed submissions do not count.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	cutoff := o.now().UTC().Add(-o.dedupeWindow)
	found := false
	err := o.journal.Scan(func(line []byte) error {
		var entry OutboxEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil
		}
		if entry.Type != "order" || entry.Event.Before(cutoff) {
			return nil
		}
		var order Order
		if err := json.Unmarshal(entry.Data, &order); err != nil {
			return nil
		}
		if order.IdempotencyKey == idempotencyKey && order.Status != "failed" {
			found = true
		}
		return nil
	})
	return found, err
}

// Orders returns journaled orders in append order.
func (o *Outbox) Orders() ([]Order, error) {
	var out []Order
	err := o.journal.Scan(func(line []byte) error {
		var entry OutboxEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Type != "order" {
			return nil
		}
		var order Order
		if err := json.Unmarshal(entry.Data, &order); err == nil {
			out = append(out, order)
		}
		return nil
	})
	return out, err
}

// IdempotencyKey is stable for one (symbol, side, intent, cycle), so a
// retried cycle maps to the same key.
func IdempotencyKey(symbol, side, intent string, cycle int64) string {
	data := fmt.Sprintf("%s-%s-%s-%d", symbol, side, intent, cycle)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}

// ClientOrderID derives the broker client order id from an idempotency key.
func ClientOrderID(key string) string {
	return "fd-" + key
}
