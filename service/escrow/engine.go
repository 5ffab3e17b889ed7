// Package escrow implements the transaction state machine that holds token
// value in custody between pairing and settlement.
//
// Every mutating call is serialized by a single mutex and follows the same
// order: validate, stage copies of the affected records, move ledger value
// (compensating on failure), persist the staged batch, apply it to memory,
// and finally publish events. A call that returns an error has changed
// nothing and emitted nothing.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/shopspring/decimal"
)

// Config names the two system identities.
type Config struct {
	// Escrow is the custody identity; its ledger balance backs all funded
	// transactions.
	Escrow account.Identity
	// Treasury collects treasury fees.
	Treasury account.Identity
}

// Validate checks that both identities are set and distinct.
func (c Config) Validate() error {
	if c.Escrow.IsZero() {
		return fmt.Errorf("%w: escrow identity is required", ErrInvalidIdentity)
	}
	if c.Treasury.IsZero() {
		return fmt.Errorf("%w: treasury identity is required", ErrInvalidIdentity)
	}
	if c.Escrow == c.Treasury {
		return fmt.Errorf("%w: escrow and treasury must differ", ErrInvalidIdentity)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every committed change. Without it the engine is
// memory-only.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithSink publishes events after each commit.
func WithSink(s events.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithRecorder records operation metrics.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRefGenerator overrides how RefNumber is assigned, for tests.
func WithRefGenerator(gen func() string) Option { return func(e *Engine) { e.newRef = gen } }

// Engine owns the transaction registry and its indices.
type Engine struct {
	cfg      Config
	ledger   Ledger
	guard    AccessGuard
	fees     FeeQuoter
	earnings *earnings.Tracker
	store    Store
	sink     events.Sink
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	newRef   func() string

	mu       sync.Mutex
	txs      map[uint64]*Transaction
	requests []uint64
	history  map[account.Identity][]uint64
	nextTxID uint64
	held     decimal.Decimal
	retained decimal.Decimal
}

// New creates an empty engine. Call Restore to load persisted state.
func New(cfg Config, ledger Ledger, guard AccessGuard, fees FeeQuoter, tracker *earnings.Tracker, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || guard == nil || fees == nil {
		return nil, errors.New("ledger, access guard and fee quoter are required")
	}
	if tracker == nil {
		tracker = earnings.NewTracker()
	}
	e := &Engine{
		cfg:      cfg,
		ledger:   ledger,
		guard:    guard,
		fees:     fees,
		earnings: tracker,
		store:    nopStore{},
		sink:     events.Discard{},
		logger:   slog.Default(),
		now:      time.Now,
		newRef:   newRefNumber,
		txs:      make(map[uint64]*Transaction),
		history:  make(map[account.Identity][]uint64),
		nextTxID: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "escrow_engine")
	return e, nil
}

// Config returns the system identities.
func (e *Engine) Config() Config { return e.cfg }

// Restore replaces in-memory state with the store's snapshot.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load escrow state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.txs = make(map[uint64]*Transaction, len(snap.Transactions))
	e.history = make(map[account.Identity][]uint64)
	e.requests = nil
	e.held = decimal.Zero
	e.retained = snap.Retained
	e.nextTxID = snap.NextTxID
	if e.nextTxID == 0 {
		e.nextTxID = 1
	}

	var open []*Transaction
	for i := range snap.Transactions {
		tx := snap.Transactions[i]
		e.txs[tx.ID] = &tx
		if tx.ID >= e.nextTxID {
			e.nextTxID = tx.ID + 1
		}
		if tx.Funded {
			e.held = e.held.Add(tx.TotalAmount)
		}
		if tx.Status == Requested {
			open = append(open, &tx)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].RequestIndex != open[j].RequestIndex {
			return open[i].RequestIndex < open[j].RequestIndex
		}
		return open[i].ID < open[j].ID
	})
	for i, tx := range open {
		tx.RequestIndex = i
		e.requests = append(e.requests, tx.ID)
	}

	hist := append([]HistoryEntry(nil), snap.History...)
	sort.Slice(hist, func(i, j int) bool {
		if hist[i].Identity != hist[j].Identity {
			return hist[i].Identity < hist[j].Identity
		}
		return hist[i].Seq < hist[j].Seq
	})
	for _, h := range hist {
		e.history[h.Identity] = append(e.history[h.Identity], h.TxID)
	}

	e.earnings.Restore(snap.Earnings)
	e.recordHeld()

	e.logger.Info("escrow state restored",
		"transactions", len(e.txs),
		"open_requests", len(e.requests),
		"next_tx_id", e.nextTxID,
		"held", e.held.String(),
	)
	return nil
}

// move is one ledger transfer. A non-zero spender makes it a TransferFrom.
type move struct {
	spender account.Identity
	from    account.Identity
	to      account.Identity
	amount  decimal.Decimal
}

// change collects everything a call stages before commit.
type change struct {
	op       string
	txs      map[uint64]*Transaction
	order    []uint64
	requests []uint64
	reqDirty bool
	history  []HistoryEntry
	histLen  map[account.Identity]int
	nextTxID uint64
	earnings map[account.Identity]decimal.Decimal
	retained decimal.Decimal
	moves    []move
	events   []events.Event
}

// begin starts a change. Requires e.mu.
func (e *Engine) begin(op string) *change {
	return &change{
		op:       op,
		txs:      make(map[uint64]*Transaction),
		histLen:  make(map[account.Identity]int),
		nextTxID: e.nextTxID,
		earnings: make(map[account.Identity]decimal.Decimal),
		retained: e.retained,
	}
}

// stage returns a mutable copy of the transaction, creating it on first use.
func (e *Engine) stage(c *change, id uint64) *Transaction {
	if tx, ok := c.txs[id]; ok {
		return tx
	}
	cp := *e.txs[id]
	c.txs[id] = &cp
	c.order = append(c.order, id)
	return &cp
}

// create stages a new transaction and assigns it the next id.
func (e *Engine) create(c *change, tx Transaction) *Transaction {
	tx.ID = c.nextTxID
	c.nextTxID++
	tx.RequestIndex = NoRequestIndex
	c.txs[tx.ID] = &tx
	c.order = append(c.order, tx.ID)
	return &tx
}

func (e *Engine) stagedRequests(c *change) []uint64 {
	if !c.reqDirty {
		c.requests = append([]uint64(nil), e.requests...)
		c.reqDirty = true
	}
	return c.requests
}

// pushRequest appends tx to the open-requests list.
func (e *Engine) pushRequest(c *change, tx *Transaction) {
	reqs := e.stagedRequests(c)
	tx.RequestIndex = len(reqs)
	c.requests = append(reqs, tx.ID)
}

// removeRequest drops tx from the open-requests list by moving the last
// entry into its slot.
func (e *Engine) removeRequest(c *change, tx *Transaction) {
	reqs := e.stagedRequests(c)
	idx := tx.RequestIndex
	if idx < 0 || idx >= len(reqs) || reqs[idx] != tx.ID {
		e.logger.Error("open request index out of sync", "tx_id", tx.ID, "request_index", idx)
		return
	}
	last := len(reqs) - 1
	if idx != last {
		movedID := reqs[last]
		reqs[idx] = movedID
		e.stage(c, movedID).RequestIndex = idx
	}
	c.requests = reqs[:last]
	tx.RequestIndex = NoRequestIndex
}

// appendHistory records tx in id's history.
func (e *Engine) appendHistory(c *change, id account.Identity, txID uint64) {
	if id.IsZero() {
		return
	}
	n, ok := c.histLen[id]
	if !ok {
		n = len(e.history[id])
	}
	c.history = append(c.history, HistoryEntry{Identity: id, Seq: n, TxID: txID})
	c.histLen[id] = n + 1
}

// creditEarnings stages amount for id.
func (e *Engine) creditEarnings(c *change, id account.Identity, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	total, ok := c.earnings[id]
	if !ok {
		total = e.earnings.Get(id).TotalEarned
	}
	c.earnings[id] = total.Add(amount)
}

// pay stages a custody payout.
func (e *Engine) pay(c *change, to account.Identity, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	c.moves = append(c.moves, move{from: e.cfg.Escrow, to: to, amount: amount})
}

// pull stages a transfer into custody from from's approved balance.
func (e *Engine) pull(c *change, from, to account.Identity, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	c.moves = append(c.moves, move{spender: e.cfg.Escrow, from: from, to: to, amount: amount})
}

func (e *Engine) emit(c *change, typ events.Type, actor account.Identity, tx *Transaction, note string) {
	ev := events.Event{
		Type:       typ,
		Actor:      actor.String(),
		Note:       note,
		OccurredAt: e.now().UTC(),
	}
	if tx != nil {
		ev.TxID = tx.ID
		ev.Data = *tx
	}
	c.events = append(c.events, ev)
}

// checkMoves verifies balances and allowances for every staged move before
// anything is executed. Credits from earlier moves are not counted towards
// later debits.
func (e *Engine) checkMoves(c *change) error {
	type allowanceKey struct{ owner, spender account.Identity }
	debits := make(map[account.Identity]decimal.Decimal)
	allowances := make(map[allowanceKey]decimal.Decimal)
	for _, m := range c.moves {
		debits[m.from] = debits[m.from].Add(m.amount)
		if !m.spender.IsZero() {
			k := allowanceKey{m.from, m.spender}
			allowances[k] = allowances[k].Add(m.amount)
		}
	}
	for k, need := range allowances {
		if have := e.ledger.Allowance(k.owner, k.spender); have.LessThan(need) {
			return fmt.Errorf("%w: %s approved %s, needs %s", ErrInsufficientAllowance, k.owner.Short(), have, need)
		}
	}
	for id, need := range debits {
		if have := e.ledger.BalanceOf(id); have.LessThan(need) {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, id.Short(), have, need)
		}
	}
	return nil
}

// executeMoves runs the staged moves in order. On failure the moves already
// made are reversed and the ledger error is returned.
func (e *Engine) executeMoves(c *change) error {
	for i, m := range c.moves {
		var err error
		if m.spender.IsZero() {
			err = e.ledger.Transfer(m.from, m.to, m.amount)
		} else {
			err = e.ledger.TransferFrom(m.spender, m.from, m.to, m.amount)
		}
		if err != nil {
			e.compensate(c.moves[:i])
			return fmt.Errorf("ledger transfer of %s from %s to %s failed: %w", m.amount, m.from.Short(), m.to.Short(), err)
		}
	}
	return nil
}

// allowanceSetter is implemented by ledgers that can set an allowance
// directly. compensate uses it to hand back allowance spent by a reversed
// pull.
type allowanceSetter interface {
	Approve(owner, spender account.Identity, amount decimal.Decimal) error
}

func (e *Engine) compensate(done []move) {
	setter, canRestore := e.ledger.(allowanceSetter)
	for i := len(done) - 1; i >= 0; i-- {
		m := done[i]
		if err := e.ledger.Transfer(m.to, m.from, m.amount); err != nil {
			e.logger.Error("failed to reverse ledger transfer",
				"from", m.to,
				"to", m.from,
				"amount", m.amount.String(),
				"error", err,
			)
			continue
		}
		if m.spender.IsZero() {
			continue
		}
		if !canRestore {
			e.logger.Warn("ledger cannot restore allowance after reversal",
				"owner", m.from,
				"spender", m.spender,
				"amount", m.amount.String(),
			)
			continue
		}
		restored := e.ledger.Allowance(m.from, m.spender).Add(m.amount)
		if err := setter.Approve(m.from, m.spender, restored); err != nil {
			e.logger.Error("failed to restore allowance",
				"owner", m.from,
				"spender", m.spender,
				"amount", m.amount.String(),
				"error", err,
			)
		}
	}
}

// commit moves value, persists and applies c. Requires e.mu.
func (e *Engine) commit(ctx context.Context, c *change) error {
	if err := e.checkMoves(c); err != nil {
		return err
	}
	if err := e.executeMoves(c); err != nil {
		return err
	}

	batch := &Batch{
		NextTxID: c.nextTxID,
		History:  c.history,
		Retained: c.retained,
	}
	for _, id := range c.order {
		batch.Transactions = append(batch.Transactions, *c.txs[id])
	}
	for id, total := range c.earnings {
		batch.Earnings = append(batch.Earnings, earnings.Record{Identity: id, TotalEarned: total})
	}
	sort.Slice(batch.Earnings, func(i, j int) bool { return batch.Earnings[i].Identity < batch.Earnings[j].Identity })

	if err := e.store.Apply(ctx, batch); err != nil {
		e.compensate(c.moves)
		return fmt.Errorf("failed to persist escrow change: %w", err)
	}

	for _, id := range c.order {
		next := c.txs[id]
		if prev, ok := e.txs[id]; ok && prev.Funded {
			e.held = e.held.Sub(prev.TotalAmount)
		}
		if next.Funded {
			e.held = e.held.Add(next.TotalAmount)
		}
		e.txs[id] = next
	}
	if c.reqDirty {
		e.requests = c.requests
	}
	for _, h := range c.history {
		e.history[h.Identity] = append(e.history[h.Identity], h.TxID)
	}
	for id, total := range c.earnings {
		delta := total.Sub(e.earnings.Get(id).TotalEarned)
		if _, err := e.earnings.Credit(id, delta); err != nil {
			e.logger.Error("failed to credit earnings", "identity", id, "error", err)
		}
	}
	e.nextTxID = c.nextTxID
	e.retained = c.retained
	e.recordHeld()

	for _, ev := range c.events {
		if err := e.sink.Publish(ctx, ev); err != nil {
			e.logger.Error("failed to publish escrow event",
				"event_type", ev.Type,
				"tx_id", ev.TxID,
				"error", err,
			)
		}
	}
	return nil
}

func (e *Engine) recordHeld() {
	if e.recorder != nil {
		f, _ := e.held.Float64()
		e.recorder.RecordEscrowHeld(f)
	}
}

// run wraps a mutating call with the pause check, locking and metrics.
func (e *Engine) run(ctx context.Context, op string, caller account.Identity, fn func(c *change) error) error {
	start := time.Now()
	err := e.runLocked(ctx, op, caller, fn)
	outcome := "success"
	if err != nil {
		outcome = outcomeLabel(err)
		e.logger.Debug("escrow call rejected", "operation", op, "caller", caller, "error", err)
	}
	if e.recorder != nil {
		e.recorder.RecordEscrowOperation(op, outcome, time.Since(start).Seconds())
	}
	return err
}

func (e *Engine) runLocked(ctx context.Context, op string, caller account.Identity, fn func(c *change) error) error {
	if e.guard.IsPaused() {
		return ErrSystemPaused
	}
	if caller.IsZero() {
		return fmt.Errorf("%w: caller is required", ErrInvalidIdentity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.begin(op)
	if err := fn(c); err != nil {
		return err
	}
	return e.commit(ctx, c)
}

// lookup returns the committed transaction. Requires e.mu.
func (e *Engine) lookup(id uint64) (*Transaction, error) {
	tx, ok := e.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return tx, nil
}

func (e *Engine) hasRole(id account.Identity, role access.Role) bool {
	return e.guard.IsAuthorized(id, role)
}

func outcomeLabel(err error) string {
	for _, c := range []struct {
		err   error
		label string
	}{
		{ErrSystemPaused, "paused"},
		{ErrNotFound, "not_found"},
		{ErrUnauthorized, "unauthorized"},
		{ErrInvalidState, "invalid_state"},
		{ErrAlreadyPaired, "invalid_state"},
		{ErrSelfPairing, "self_pairing"},
		{ErrInsufficientBalance, "insufficient_balance"},
		{ErrInsufficientAllowance, "insufficient_allowance"},
		{ErrOverAllocation, "over_allocation"},
		{ErrInvalidAmount, "invalid_input"},
		{ErrInvalidCurrency, "invalid_input"},
		{ErrInvalidIdentity, "invalid_input"},
	} {
		if errors.Is(err, c.err) {
			return c.label
		}
	}
	return "error"
}
