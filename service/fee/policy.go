// Package fee computes the agent and treasury fees charged on escrow
// transactions.
//
// Rates are decimal fractions with at most Precision fractional digits, which
// makes every rate an exact parts-per-1e18 value. Fees are truncated to
// Precision digits, so the sum of the two fees never exceeds amount times the
// combined rate.
package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits of the settlement token.
const Precision int32 = 18

var (
	// ErrUnauthorized is returned when the caller lacks the operator role.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidRate is returned for negative rates, rates finer than
	// Precision, or order rates that add up to 100% or more.
	ErrInvalidRate = errors.New("invalid fee rate")
)

// Kind selects which rate applies to a quote.
type Kind int

const (
	// KindOrder covers paired deposits and withdrawals.
	KindOrder Kind = iota
	// KindTransfer prices direct transfers. The quote is published for
	// reference; sends do not charge it.
	KindTransfer
)

// Rates is the process-wide fee configuration.
type Rates struct {
	AgentRate    decimal.Decimal `json:"agent_rate"`
	TreasuryRate decimal.Decimal `json:"treasury_rate"`
	TransferRate decimal.Decimal `json:"transfer_rate"`
}

// OrderRate is the combined rate charged on deposits and withdrawals.
func (r Rates) OrderRate() decimal.Decimal {
	return r.AgentRate.Add(r.TreasuryRate)
}

// Validate checks that every rate is a well formed fraction.
func (r Rates) Validate() error {
	for name, rate := range map[string]decimal.Decimal{
		"agent_rate":    r.AgentRate,
		"treasury_rate": r.TreasuryRate,
		"transfer_rate": r.TransferRate,
	} {
		if rate.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ErrInvalidRate, name)
		}
		if !rate.Equal(rate.Truncate(Precision)) {
			return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidRate, name, Precision)
		}
	}
	if r.OrderRate().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: agent and treasury rates must add up to less than 1", ErrInvalidRate)
	}
	if r.TransferRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: transfer_rate must be less than 1", ErrInvalidRate)
	}
	return nil
}

// Quote is the fee split for one amount. It is never persisted on its own;
// transactions copy the fields at initiation.
type Quote struct {
	AgentFee    decimal.Decimal `json:"agent_fee"`
	TreasuryFee decimal.Decimal `json:"treasury_fee"`
}

// Total is AgentFee + TreasuryFee.
func (q Quote) Total() decimal.Decimal {
	return q.AgentFee.Add(q.TreasuryFee)
}

// Authorizer is the part of the access guard the policy needs.
type Authorizer interface {
	IsAuthorized(id account.Identity, role access.Role) bool
}

// Policy holds the current rates. Reads are cheap and concurrent; SetRates is
// restricted to operators.
type Policy struct {
	mu     sync.RWMutex
	rates  Rates
	auth   Authorizer
	sink   events.Sink
	logger *slog.Logger
}

// NewPolicy creates a policy with the given initial rates.
func NewPolicy(rates Rates, auth Authorizer, sink events.Sink, logger *slog.Logger) (*Policy, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		rates:  rates,
		auth:   auth,
		sink:   sink,
		logger: logger.With("component", "fee_policy"),
	}, nil
}

// Quote returns the fees for amount under the current rates.
func (p *Policy) Quote(amount decimal.Decimal, kind Kind) Quote {
	r := p.Rates()
	return quote(r, amount, kind)
}

func quote(r Rates, amount decimal.Decimal, kind Kind) Quote {
	if kind == KindTransfer {
		return Quote{
			AgentFee:    decimal.Zero,
			TreasuryFee: amount.Mul(r.TransferRate).Truncate(Precision),
		}
	}
	return Quote{
		AgentFee:    amount.Mul(r.AgentRate).Truncate(Precision),
		TreasuryFee: amount.Mul(r.TreasuryRate).Truncate(Precision),
	}
}

// Rates returns a copy of the current rates.
func (p *Policy) Rates() Rates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rates
}

// AgentRate returns the agent share of the order rate.
func (p *Policy) AgentRate() decimal.Decimal { return p.Rates().AgentRate }

// TreasuryRate returns the treasury share of the order rate.
func (p *Policy) TreasuryRate() decimal.Decimal { return p.Rates().TreasuryRate }

// TransferRate returns the quoted rate for direct transfers.
func (p *Policy) TransferRate() decimal.Decimal { return p.Rates().TransferRate }

// AgentFee returns the agent fee for an order of amount.
func (p *Policy) AgentFee(amount decimal.Decimal) decimal.Decimal {
	return p.Quote(amount, KindOrder).AgentFee
}

// TreasuryFee returns the treasury fee for an order of amount.
func (p *Policy) TreasuryFee(amount decimal.Decimal) decimal.Decimal {
	return p.Quote(amount, KindOrder).TreasuryFee
}

// FeesSetPayload is published with the FeesSet event.
type FeesSetPayload struct {
	Rates           Rates           `json:"rates"`
	ReferenceAmount decimal.Decimal `json:"reference_amount"`
	AgentFee        decimal.Decimal `json:"agent_fee"`
	TreasuryFee     decimal.Decimal `json:"treasury_fee"`
	TransferFee     decimal.Decimal `json:"transfer_fee"`
}

// SetRates replaces the rates. Existing transactions keep the fees they were
// quoted; only new quotes see the change.
func (p *Policy) SetRates(ctx context.Context, caller account.Identity, rates Rates) error {
	if p.auth == nil || !p.auth.IsAuthorized(caller, access.RoleOperator) {
		return ErrUnauthorized
	}
	if err := rates.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.rates = rates
	p.mu.Unlock()

	ref := decimal.NewFromInt(1)
	order := quote(rates, ref, KindOrder)
	payload := FeesSetPayload{
		Rates:           rates,
		ReferenceAmount: ref,
		AgentFee:        order.AgentFee,
		TreasuryFee:     order.TreasuryFee,
		TransferFee:     quote(rates, ref, KindTransfer).TreasuryFee,
	}

	p.logger.Info("fee rates updated",
		"by", caller,
		"agent_rate", rates.AgentRate.String(),
		"treasury_rate", rates.TreasuryRate.String(),
		"transfer_rate", rates.TransferRate.String(),
	)

	if err := p.sink.Publish(ctx, events.Event{
		Type:       events.FeesSet,
		Actor:      caller.String(),
		Data:       payload,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		p.logger.Error("failed to publish fees set event", "error", err)
	}
	return nil
}
