package temporal

import (
	"context"
	"time"
)

// AuditScheduleID is the Temporal schedule that triggers AuditCustodyWorkflow.
const AuditScheduleID = "sargo-custody-audit"

// Scheduler manages the custody audit schedule.
type Scheduler interface {
	// UpsertAuditSchedule creates the audit schedule or updates its interval.
	UpsertAuditSchedule(ctx context.Context, interval time.Duration, input AuditInput) error

	// DeleteAuditSchedule stops scheduled audits.
	DeleteAuditSchedule(ctx context.Context) error
}
