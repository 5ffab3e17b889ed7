package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/sargo-finance/sargo/service/metrics"
	"github.com/shopspring/decimal"
)

// Audit outcomes.
const (
	AuditBalanced = "balanced"
	AuditSurplus  = "surplus"
	AuditDeficit  = "deficit"
)

// AuditInput configures one custody audit run.
type AuditInput struct {
	// Tolerance is the absolute drift still reported as balanced. Empty
	// means exact.
	Tolerance string `json:"tolerance,omitempty"`
}

// AuditResult is what an audit run observed.
type AuditResult struct {
	Custody      decimal.Decimal `json:"custody"`
	Held         decimal.Decimal `json:"held"`
	Retained     decimal.Decimal `json:"retained"`
	Drift        decimal.Decimal `json:"drift"`
	Status       string          `json:"status"`
	OpenRequests int             `json:"open_requests"`
	NextTxID     uint64          `json:"next_tx_id"`
	AuditedAt    time.Time       `json:"audited_at"`
}

// SummaryFetcher reads custody accounting from the escrow service.
// client.Client implements it.
type SummaryFetcher interface {
	EscrowSummary(ctx context.Context) (*escrow.Summary, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	summaries SummaryFetcher
	sink      events.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// sink and m may be nil.
func NewActivities(summaries SummaryFetcher, sink events.Sink, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Activities{
		summaries: summaries,
		sink:      sink,
		metrics:   m,
		logger:    logger,
	}
}

// FetchSummary reads the current escrow summary.
func (a *Activities) FetchSummary(ctx context.Context) (*escrow.Summary, error) {
	start := time.Now()
	if a.metrics != nil {
		defer metrics.Timer(start, func(d float64) {
			a.metrics.RecordActivityDuration("FetchSummary", d)
		})()
	}

	summary, err := a.summaries.EscrowSummary(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch escrow summary", "error", err)
		return nil, fmt.Errorf("failed to fetch escrow summary: %w", err)
	}

	a.logger.DebugContext(ctx, "fetched escrow summary",
		"custody", summary.Custody.String(),
		"held", summary.Held.String(),
		"retained", summary.Retained.String(),
	)
	return summary, nil
}

// PublishAudit records the audit outcome in metrics and publishes a
// CustodyAudited event.
func (a *Activities) PublishAudit(ctx context.Context, result AuditResult) error {
	start := time.Now()
	if a.metrics != nil {
		defer metrics.Timer(start, func(d float64) {
			a.metrics.RecordActivityDuration("PublishAudit", d)
		})()
		drift, _ := result.Drift.Float64()
		a.metrics.RecordCustodyDrift(drift)
	}

	ev := events.Event{
		Type:       events.CustodyAudited,
		Note:       result.Status,
		Data:       result,
		OccurredAt: result.AuditedAt,
	}
	if err := a.sink.Publish(ctx, ev); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish custody audit", "error", err)
		return fmt.Errorf("failed to publish custody audit: %w", err)
	}

	logFn := a.logger.InfoContext
	if result.Status == AuditDeficit {
		logFn = a.logger.ErrorContext
	}
	logFn(ctx, "custody audited",
		"status", result.Status,
		"drift", result.Drift.String(),
		"custody", result.Custody.String(),
		"held", result.Held.String(),
		"retained", result.Retained.String(),
	)
	return nil
}

// RecordAuditRun reports a finished workflow run to metrics.
func (a *Activities) RecordAuditRun(ctx context.Context, status string, durationSeconds float64) error {
	if a.metrics != nil {
		a.metrics.RecordAuditRun(status, durationSeconds)
	}
	return nil
}

// classify compares custody with the value escrow is accountable for.
func classify(s *escrow.Summary, tolerance decimal.Decimal) (decimal.Decimal, string) {
	drift := s.Custody.Sub(s.Held).Sub(s.Retained)
	switch {
	case drift.Abs().LessThanOrEqual(tolerance):
		return drift, AuditBalanced
	case drift.IsPositive():
		return drift, AuditSurplus
	default:
		return drift, AuditDeficit
	}
}
