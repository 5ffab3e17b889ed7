// Package earnings keeps the running total of agent fees earned per identity.
// Totals only grow; nothing is ever debited.
package earnings

import (
	"errors"
	"sort"
	"sync"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/shopspring/decimal"
)

// ErrNegativeCredit is returned when Credit is called with a negative amount.
var ErrNegativeCredit = errors.New("earnings credit must not be negative")

// Record is one identity's accumulated earnings.
type Record struct {
	Identity    account.Identity `json:"identity"`
	TotalEarned decimal.Decimal  `json:"total_earned"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	totals map[account.Identity]decimal.Decimal
}

func NewTracker() *Tracker {
	return &Tracker{totals: make(map[account.Identity]decimal.Decimal)}
}

// Credit adds amount to id's total and returns the new total.
func (t *Tracker) Credit(id account.Identity, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeCredit
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.totals[id].Add(amount)
	t.totals[id] = total
	return total, nil
}

// Get returns id's record, with a zero total when id has never earned
// anything.
func (t *Tracker) Get(id account.Identity) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Record{Identity: id, TotalEarned: t.totals[id]}
}

// All returns every record ordered by identity.
func (t *Tracker) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.totals))
	for id, total := range t.totals {
		out = append(out, Record{Identity: id, TotalEarned: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Restore replaces the tracked totals, used when loading persisted state.
func (t *Tracker) Restore(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals = make(map[account.Identity]decimal.Decimal, len(records))
	for _, r := range records {
		t.totals[r.Identity] = r.TotalEarned
	}
}
