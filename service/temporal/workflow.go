package temporal

import (
	"fmt"
	"time"

	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// AuditCustodyWorkflow checks that the escrow custody balance covers every
// funded transaction plus retained refunds. It is triggered by a Temporal
// schedule and can also be started on demand.
//
// Steps:
//  1. fetch the escrow summary (FetchSummary)
//  2. classify the drift between custody and held + retained
//  3. publish a CustodyAudited event and drift metric (PublishAudit)
//  4. record the run (RecordAuditRun)
//
// A deficit is reported, not returned as an error; the workflow only fails
// when an activity does.
func AuditCustodyWorkflow(ctx workflow.Context, input AuditInput) (*AuditResult, error) {
	logger := workflow.GetLogger(ctx)
	started := workflow.Now(ctx)
	logger.Info("AuditCustodyWorkflow started")

	tolerance := decimal.Zero
	if input.Tolerance != "" {
		t, err := decimal.NewFromString(input.Tolerance)
		if err != nil || t.IsNegative() {
			return nil, temporalsdk.NewNonRetryableApplicationError(
				fmt.Sprintf("invalid tolerance %q", input.Tolerance), "InvalidInput", err)
		}
		tolerance = t
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var summary *escrow.Summary
	if err := workflow.ExecuteActivity(ctx, a.FetchSummary).Get(ctx, &summary); err != nil {
		recordRun(ctx, "error", started)
		return nil, fmt.Errorf("failed to fetch escrow summary: %w", err)
	}

	drift, status := classify(summary, tolerance)
	result := &AuditResult{
		Custody:      summary.Custody,
		Held:         summary.Held,
		Retained:     summary.Retained,
		Drift:        drift,
		Status:       status,
		OpenRequests: summary.OpenRequests,
		NextTxID:     summary.NextTxID,
		AuditedAt:    workflow.Now(ctx),
	}

	if err := workflow.ExecuteActivity(ctx, a.PublishAudit, *result).Get(ctx, nil); err != nil {
		recordRun(ctx, "error", started)
		return result, fmt.Errorf("failed to publish custody audit: %w", err)
	}

	recordRun(ctx, status, started)
	logger.Info("AuditCustodyWorkflow completed", "status", status, "drift", drift.String())
	return result, nil
}

// recordRun reports the run outcome. Failures are logged and ignored.
func recordRun(ctx workflow.Context, status string, started time.Time) {
	elapsed := workflow.Now(ctx).Sub(started).Seconds()
	if err := workflow.ExecuteActivity(ctx, a.RecordAuditRun, status, elapsed).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("failed to record audit run", "error", err)
	}
}
