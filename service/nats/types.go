package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sargo-finance/sargo/service/events"
)

// EventMessage is an escrow event as read back from the stream. Data is kept
// raw so consumers decode only the payloads they need.
type EventMessage struct {
	Type       events.Type     `json:"type"`
	TxID       uint64          `json:"tx_id,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Note       string          `json:"note,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	// Sequence is the stream sequence number, set by consumers.
	Sequence uint64 `json:"sequence,omitempty"`
}

// DecodeEvent parses a published event.
func DecodeEvent(data []byte) (*EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode escrow event: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to decode escrow event: missing type")
	}
	return &msg, nil
}

// SubjectFilter returns the subject matching events of type t, or every
// escrow event when t is empty.
func SubjectFilter(t events.Type) string {
	if t == "" {
		return StreamSubjects
	}
	return events.Subject(t)
}
