// Package events publishes domain events after a transaction has committed.
// Publishing is best-effort: a failure is logged by the caller and never undoes
// the committed change.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SubjectOrderCompleted = "orders.completed"
	SubjectOrderPending   = "orders.pending"
	SubjectOrderCancelled = "orders.cancelled"
	SubjectPlanRenewed    = "plans.renewed"
	SubjectPlanCancelled  = "plans.cancelled"
	SubjectPlanExpired    = "plans.expired"
	SubjectPlanReclaimed  = "plans.reclaimed"
	SubjectProxyRotated   = "proxies.rotated"
	SubjectWalletCredited = "wallets.credited"
)

// Envelope is the wire format of every event.
type Envelope struct {
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

func newEnvelope(subject string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: uuid.NewString(), Subject: subject, OccurredAt: time.Now().UTC(), Data: data}, nil
}

type Noop struct{}

func (Noop) Publish(ctx context.Context, subject string, payload any) error { return nil }

// Recorder keeps published events in memory. Useful for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(ctx context.Context, subject string, payload any) error {
	env, err := newEnvelope(subject, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Subjects lists the subjects published so far, in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Subject
	}
	return out
}

// OrderEvent is the payload of orders.* subjects.
type OrderEvent struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	TotalMinor  int64     `json:"total_minor"`
	Currency    string    `json:"currency"`
	PlanIDs     []string  `json:"plan_ids,omitempty"`
	At          time.Time `json:"at"`
}

// PlanEvent is the payload of plans.* subjects.
type PlanEvent struct {
	PlanID          string    `json:"plan_id"`
	UserID          string    `json:"user_id"`
	State           string    `json:"state"`
	EndAt           time.Time `json:"end_at"`
	ProxiesReleased int       `json:"proxies_released,omitempty"`
	RenewalOrderID  string    `json:"renewal_order_id,omitempty"`
	TriggeredBy     string    `json:"triggered_by,omitempty"`
}

// ProxyRotated is the payload of proxies.rotated.
type ProxyRotated struct {
	ProxyID string `json:"proxy_id"`
	PlanID  string `json:"plan_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// WalletCredited is the payload of wallets.credited.
type WalletCredited struct {
	WalletID      string `json:"wallet_id"`
	UserID        string `json:"user_id"`
	Type          string `json:"type"`
	AmountMinor   int64  `json:"amount_minor"`
	LedgerEntryID string `json:"ledger_entry_id"`
	OrderID       string `json:"order_id,omitempty"`
}
