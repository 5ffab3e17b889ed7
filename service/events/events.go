package events

import (
	"context"
	"time"
)

// Type identifies a domain event emitted by the escrow service.
type Type string

const (
	TransactionInitiated Type = "TransactionInitiated"
	RequestAccepted      Type = "RequestAccepted"
	ClientConfirmed      Type = "ClientConfirmed"
	AgentConfirmed       Type = "AgentConfirmed"
	TransactionCompleted Type = "TransactionCompleted"
	TransactionCancelled Type = "TransactionCancelled"
	TransactionDisputed  Type = "TransactionDisputed"
	TransactionClaimed   Type = "TransactionClaimed"
	TransactionResolved  Type = "TransactionResolved"
	Transfer             Type = "Transfer"
	FeesSet              Type = "FeesSet"
	CustodyAudited       Type = "CustodyAudited"
)

// Event is a single domain event. Data carries the event payload (usually a
// transaction snapshot) and is serialized as JSON by publishers.
type Event struct {
	Type       Type      `json:"type"`
	TxID       uint64    `json:"tx_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Note       string    `json:"note,omitempty"`
	Data       any       `json:"data,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink receives events after the state change that produced them has been
// committed.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Publish implements Sink.
func (Discard) Publish(context.Context, Event) error { return nil }

// Subject returns the NATS subject an event is published on, e.g.
// "escrow.TransactionInitiated".
func Subject(t Type) string {
	return "escrow." + string(t)
}
