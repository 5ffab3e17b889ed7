// Package ledger is an in-memory fungible token ledger with balances and
// allowances. It backs standalone deployments and lets tests observe every
// balance the escrow engine moves.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// Balance is one holder's balance.
type Balance struct {
	Identity account.Identity `json:"identity"`
	Amount   decimal.Decimal  `json:"amount"`
}

// Memory is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	balances   map[account.Identity]decimal.Decimal
	allowances map[account.Identity]map[account.Identity]decimal.Decimal
	supply     decimal.Decimal
	logger     *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		balances:   make(map[account.Identity]decimal.Decimal),
		allowances: make(map[account.Identity]map[account.Identity]decimal.Decimal),
		logger:     logger.With("component", "ledger"),
	}
}

// BalanceOf returns the balance held by id.
func (m *Memory) BalanceOf(id account.Identity) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id]
}

// Allowance returns how much spender may move out of owner's balance.
func (m *Memory) Allowance(owner, spender account.Identity) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[owner][spender]
}

// TotalSupply returns minted minus burned tokens.
func (m *Memory) TotalSupply() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply
}

// Balances returns every non-zero balance ordered by identity.
func (m *Memory) Balances() []Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Balance, 0, len(m.balances))
	for id, amt := range m.balances {
		if amt.IsZero() {
			continue
		}
		out = append(out, Balance{Identity: id, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Transfer moves amount from from to to.
func (m *Memory) Transfer(from, to account.Identity, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, to, amount)
}

// TransferFrom moves amount from from to to on behalf of spender, consuming
// spender's allowance.
func (m *Memory) TransferFrom(spender, from, to account.Identity, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.allowances[from][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, needs %s",
			ErrInsufficientAllowance, spender.Short(), allowed, from.Short(), amount)
	}
	if err := m.move(from, to, amount); err != nil {
		return err
	}
	m.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

// Approve sets spender's allowance over owner's balance. A zero amount
// clears it.
func (m *Memory) Approve(owner, spender account.Identity, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[account.Identity]decimal.Decimal)
	}
	m.allowances[owner][spender] = amount
	m.logger.Debug("allowance set", "owner", owner, "spender", spender, "amount", amount.String())
	return nil
}

// Mint creates amount new tokens in to's balance.
func (m *Memory) Mint(to account.Identity, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] = m.balances[to].Add(amount)
	m.supply = m.supply.Add(amount)
	m.logger.Info("minted", "to", to, "amount", amount.String())
	return nil
}

// Burn destroys amount tokens from from's balance.
func (m *Memory) Burn(from account.Identity, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientBalance, from.Short(), m.balances[from], amount)
	}
	m.balances[from] = m.balances[from].Sub(amount)
	m.supply = m.supply.Sub(amount)
	m.logger.Info("burned", "from", from, "amount", amount.String())
	return nil
}

// move requires m.mu.
func (m *Memory) move(from, to account.Identity, amount decimal.Decimal) error {
	bal := m.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Short(), bal, amount)
	}
	m.balances[from] = bal.Sub(amount)
	m.balances[to] = m.balances[to].Add(amount)
	return nil
}
