package nats

import (
	"context"
	"sync"

	"github.com/sargo-finance/sargo/service/events"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []events.Event
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{published: make([]events.Event, 0)}
}

// Publish records the event and returns any configured error.
func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.published = append(m.published, event)
	return nil
}

// PublishBatch records the events and returns any configured error.
func (m *MockPublisher) PublishBatch(ctx context.Context, evs []events.Event) error {
	for _, ev := range evs {
		if err := m.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]events.Event, len(m.published))
	copy(out, m.published)
	return out
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.published)
}

// GetPublishedEventsForTx returns events published for one transaction.
func (m *MockPublisher) GetPublishedEventsForTx(id uint64) []events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]events.Event, 0)
	for _, ev := range m.published {
		if ev.TxID == id {
			out = append(out, ev)
		}
	}
	return out
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = make([]events.Event, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
