package escrow

import (
	"context"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/shopspring/decimal"
)

// Ledger is the fungible token the engine moves value through. Escrow
// custody is the balance of the engine's own identity; funding pulls use
// TransferFrom with the engine identity as spender.
type Ledger interface {
	BalanceOf(id account.Identity) decimal.Decimal
	Allowance(owner, spender account.Identity) decimal.Decimal
	Transfer(from, to account.Identity, amount decimal.Decimal) error
	TransferFrom(spender, from, to account.Identity, amount decimal.Decimal) error
}

// AccessGuard answers role and pause checks.
type AccessGuard interface {
	IsAuthorized(id account.Identity, role access.Role) bool
	IsPaused() bool
}

// FeeQuoter prices new transactions.
type FeeQuoter interface {
	Quote(amount decimal.Decimal, kind fee.Kind) fee.Quote
}

// Recorder receives operation metrics.
type Recorder interface {
	RecordEscrowOperation(operation, outcome string, duration float64)
	RecordEscrowHeld(held float64)
}

// HistoryEntry appends TxID to Identity's history at position Seq.
type HistoryEntry struct {
	Identity account.Identity `json:"identity"`
	Seq      int              `json:"seq"`
	TxID     uint64           `json:"tx_id"`
}

// Snapshot is the full persisted engine state.
type Snapshot struct {
	NextTxID     uint64
	Transactions []Transaction
	Earnings     []earnings.Record
	History      []HistoryEntry
	Retained     decimal.Decimal
}

// Batch is everything one successful call changed. Stores must apply it
// atomically.
type Batch struct {
	NextTxID     uint64
	Transactions []Transaction
	Earnings     []earnings.Record
	History      []HistoryEntry
	Retained     decimal.Decimal
}

// Store persists engine state.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, batch *Batch) error
}

type nopStore struct{}

func (nopStore) Load(context.Context) (*Snapshot, error) { return &Snapshot{NextTxID: 1}, nil }
func (nopStore) Apply(context.Context, *Batch) error      { return nil }
