package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	exists    bool
	interval  time.Duration
	input     AuditInput
	upserts   int
	upsertErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// UpsertAuditSchedule records the schedule.
func (m *MockScheduler) UpsertAuditSchedule(ctx context.Context, interval time.Duration, input AuditInput) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = true
	m.interval = interval
	m.input = input
	m.upserts++
	return nil
}

// DeleteAuditSchedule removes the schedule.
func (m *MockScheduler) DeleteAuditSchedule(ctx context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("schedule %q not found", AuditScheduleID)
	}
	m.exists = false
	return nil
}

// SetUpsertError makes UpsertAuditSchedule return an error.
func (m *MockScheduler) SetUpsertError(err error) { m.upsertErr = err }

// SetDeleteError makes DeleteAuditSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) { m.deleteErr = err }

// Schedule returns the recorded interval and whether a schedule exists.
func (m *MockScheduler) Schedule() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.exists
}

// Upserts returns how many times the schedule was upserted.
func (m *MockScheduler) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
