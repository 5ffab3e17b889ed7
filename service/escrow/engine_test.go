package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load(ctx context.Context) (*Snapshot, error) {
	args := m.Called(ctx)
	if snap := args.Get(0); snap != nil {
		return snap.(*Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) Apply(ctx context.Context, batch *Batch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	ledger   *ledger.Memory
	guard    *access.Guard
	fees     *fee.Policy
	sink     *recordingSink
	owner    account.Identity
	escrow   account.Identity
	treasury account.Identity
	client   account.Identity
	agent    account.Identity
	arbiter  account.Identity
}

func testLogger() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

// newHarness builds an engine with agent rate 0.025 and treasury rate 0.02,
// so an order of 2 carries fees of 0.05 and 0.04.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ledger:   ledger.NewMemory(testLogger()),
		sink:     &recordingSink{},
		owner:    account.Generate(),
		escrow:   account.Generate(),
		treasury: account.Generate(),
		client:   account.Generate(),
		agent:    account.Generate(),
		arbiter:  account.Generate(),
	}
	h.guard = access.NewGuard(h.owner, testLogger())
	require.NoError(t, h.guard.Grant(h.owner, h.agent, access.RoleAgent))
	require.NoError(t, h.guard.Grant(h.owner, h.arbiter, access.RoleArbiter))

	var err error
	h.fees, err = fee.NewPolicy(fee.Rates{
		AgentRate:    dec("0.025"),
		TreasuryRate: dec("0.02"),
		TransferRate: dec("0.01"),
	}, h.guard, nil, testLogger())
	require.NoError(t, err)

	base := []Option{
		WithSink(h.sink),
		WithLogger(testLogger()),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	h.engine, err = New(Config{Escrow: h.escrow, Treasury: h.treasury}, h.ledger, h.guard, h.fees, earnings.NewTracker(), append(base, opts...)...)
	require.NoError(t, err)
	return h
}

// fund mints amount to id and approves the escrow identity to spend it.
func (h *harness) fund(id account.Identity, amount string) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Mint(id, dec(amount)))
	require.NoError(h.t, h.ledger.Approve(id, h.escrow, h.ledger.BalanceOf(id)))
}

func (h *harness) deposit(amount string) uint64 {
	h.t.Helper()
	id, err := h.engine.InitiateDeposit(context.Background(), h.client, DepositRequest{
		Amount:         dec(amount),
		CurrencyCode:   "kes",
		ConversionRate: dec("129.5"),
		PaymentMethod:  "MPESA",
		ClientName:     "Wanjiku",
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) withdrawal(amount string) uint64 {
	h.t.Helper()
	id, err := h.engine.InitiateWithdrawal(context.Background(), h.agent, WithdrawalRequest{
		Amount:         dec(amount),
		CurrencyCode:   "KES",
		ConversionRate: dec("128"),
		PaymentMethod:  "MPESA",
		AgentName:      "Otieno",
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) pairedDeposit(amount string) uint64 {
	h.t.Helper()
	id := h.deposit(amount)
	require.NoError(h.t, h.engine.AcceptDeposit(context.Background(), h.agent, id, AgentInfo{AgentName: "Otieno"}))
	return id
}

func (h *harness) tx(id uint64) Transaction {
	h.t.Helper()
	tx, err := h.engine.GetTransactionByID(id)
	require.NoError(h.t, err)
	return tx
}

func TestDepositLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")

	id := h.deposit("2")
	assert.Equal(t, uint64(1), id)

	tx := h.tx(id)
	assert.Equal(t, Requested, tx.Status)
	assert.Equal(t, Deposit, tx.TxType)
	assert.Equal(t, "KES", tx.CurrencyCode)
	assertDec(t, "0.05", tx.AgentFee)
	assertDec(t, "0.04", tx.TreasuryFee)
	assertDec(t, "2.09", tx.TotalAmount)
	assertDec(t, "2", tx.NetAmount)
	assert.NotEmpty(t, tx.RefNumber)
	assert.Equal(t, 1, h.engine.GetRequestsLength())

	require.NoError(t, h.engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{AgentName: "Otieno", ConversionRate: dec("130")}))
	tx = h.tx(id)
	assert.Equal(t, Paired, tx.Status)
	assert.Equal(t, h.agent, tx.AgentAccount)
	assertDec(t, "130", tx.ConversionRate)
	assert.Equal(t, NoRequestIndex, tx.RequestIndex)
	assert.Equal(t, 0, h.engine.GetRequestsLength())
	assertDec(t, "2.09", h.ledger.BalanceOf(h.escrow))
	assertDec(t, "7.91", h.ledger.BalanceOf(h.agent))
	assertDec(t, "2.09", h.engine.EscrowSummary().Held)

	require.NoError(t, h.engine.ClientConfirmPayment(ctx, h.client, id))
	tx = h.tx(id)
	assert.Equal(t, Paired, tx.Status)
	assert.True(t, tx.PartiallyConfirmed())

	require.NoError(t, h.engine.AgentConfirmPayment(ctx, h.agent, id))
	tx = h.tx(id)
	assert.Equal(t, Completed, tx.Status)
	assert.True(t, tx.ClientApproved)
	assert.True(t, tx.AgentApproved)
	assert.False(t, tx.Funded)

	assertDec(t, "2", h.ledger.BalanceOf(h.client))
	assertDec(t, "7.96", h.ledger.BalanceOf(h.agent))
	assertDec(t, "0.04", h.ledger.BalanceOf(h.treasury))
	assertDec(t, "0", h.ledger.BalanceOf(h.escrow))
	assertDec(t, "0.05", h.engine.GetEarnings(h.agent).TotalEarned)
	assertDec(t, "0", h.engine.EscrowSummary().Held)

	assert.Equal(t, []events.Type{
		events.TransactionInitiated,
		events.RequestAccepted,
		events.ClientConfirmed,
		events.AgentConfirmed,
		events.TransactionCompleted,
	}, h.sink.types())

	assert.Equal(t, 1, h.engine.GetAccountHistoryLength(h.client))
	assert.Equal(t, 1, h.engine.GetAccountHistoryLength(h.agent))
}

func TestWithdrawalLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")

	id := h.withdrawal("2")
	tx := h.tx(id)
	assert.Equal(t, Withdrawal, tx.TxType)
	assert.Equal(t, h.agent, tx.AgentAccount)
	assert.True(t, tx.ClientAccount.IsZero())

	require.NoError(t, h.engine.AcceptWithdrawal(ctx, h.client, id, ClientInfo{ClientName: "Wanjiku"}))
	assertDec(t, "7.91", h.ledger.BalanceOf(h.agent))
	assertDec(t, "128", h.tx(id).ConversionRate)

	require.NoError(t, h.engine.AgentConfirmPayment(ctx, h.agent, id))
	require.NoError(t, h.engine.ClientConfirmPayment(ctx, h.client, id))

	assert.Equal(t, Completed, h.tx(id).Status)
	assertDec(t, "2.05", h.ledger.BalanceOf(h.client))
	assertDec(t, "0.04", h.ledger.BalanceOf(h.treasury))
	assertDec(t, "0", h.ledger.BalanceOf(h.escrow))
	assertDec(t, "0.05", h.engine.GetEarnings(h.client).TotalEarned)
	assertDec(t, "0", h.engine.GetEarnings(h.agent).TotalEarned)
}

func TestWithdrawalCancelBeforePairing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")

	id := h.withdrawal("2")
	require.Equal(t, 1, h.engine.GetRequestsLength())

	require.NoError(t, h.engine.CancelTransaction(ctx, h.agent, id, "changed my mind"))

	tx := h.tx(id)
	assert.Equal(t, Cancelled, tx.Status)
	assert.Equal(t, "changed my mind", tx.Reason)
	assert.Equal(t, NoRequestIndex, tx.RequestIndex)
	assert.Equal(t, 0, h.engine.GetRequestsLength())
	assertDec(t, "10", h.ledger.BalanceOf(h.agent))
	assertDec(t, "0", h.ledger.BalanceOf(h.escrow))
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()

	t.Run("either party cancels an unconfirmed pairing and the agent is refunded", func(t *testing.T) {
		for _, who := range []string{"client", "agent"} {
			h := newHarness(t)
			h.fund(h.agent, "10")
			id := h.pairedDeposit("2")
			caller := h.client
			if who == "agent" {
				caller = h.agent
			}
			require.NoError(t, h.engine.CancelTransaction(ctx, caller, id, "no show"), who)
			assert.Equal(t, Cancelled, h.tx(id).Status)
			assertDec(t, "10", h.ledger.BalanceOf(h.agent))
			assertDec(t, "0", h.ledger.BalanceOf(h.escrow))
			assertDec(t, "0", h.engine.EscrowSummary().Held)
		}
	})

	t.Run("partially confirmed cannot be cancelled", func(t *testing.T) {
		h := newHarness(t)
		h.fund(h.agent, "10")
		id := h.pairedDeposit("2")
		require.NoError(t, h.engine.ClientConfirmPayment(ctx, h.client, id))

		err := h.engine.CancelTransaction(ctx, h.agent, id, "")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, Paired, h.tx(id).Status)
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		id := h.deposit("2")
		err := h.engine.CancelTransaction(ctx, account.Generate(), id, "")
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, Requested, h.tx(id).Status)
	})

	t.Run("terminal transaction cannot be cancelled", func(t *testing.T) {
		h := newHarness(t)
		id := h.deposit("2")
		require.NoError(t, h.engine.CancelTransaction(ctx, h.client, id, ""))
		assert.ErrorIs(t, h.engine.CancelTransaction(ctx, h.client, id, ""), ErrInvalidState)
	})

	t.Run("disputed cannot be cancelled", func(t *testing.T) {
		h := newHarness(t)
		h.fund(h.agent, "10")
		id := h.pairedDeposit("2")
		require.NoError(t, h.engine.DisputeTransaction(ctx, h.client, id, "no fiat"))
		assert.ErrorIs(t, h.engine.CancelTransaction(ctx, h.client, id, ""), ErrInvalidState)
	})
}

func TestDisputeClaimRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	id := h.pairedDeposit("2")

	require.NoError(t, h.engine.DisputeTransaction(ctx, h.client, id, "fiat never arrived"))
	assert.Equal(t, Disputed, h.tx(id).Status)

	// wrong-phase calls while disputed
	assert.ErrorIs(t, h.engine.AgentConfirmPayment(ctx, h.agent, id), ErrInvalidState)
	assert.ErrorIs(t, h.engine.RefundTransaction(ctx, h.arbiter, id, dec("1"), dec("1"), ""), ErrInvalidState)

	require.NoError(t, h.engine.ClaimTransaction(ctx, h.arbiter, id, "reviewing"))
	assert.Equal(t, Claimed, h.tx(id).Status)

	err := h.engine.RefundTransaction(ctx, h.arbiter, id, dec("1.5"), dec("0.6"), "")
	assert.ErrorIs(t, err, ErrOverAllocation)
	err = h.engine.RefundTransaction(ctx, h.client, id, dec("1"), dec("1"), "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	escrowBefore := h.ledger.BalanceOf(h.escrow)
	require.NoError(t, h.engine.RefundTransaction(ctx, h.arbiter, id, dec("1.25"), dec("0.75"), "split"))

	tx := h.tx(id)
	assert.Equal(t, Resolved, tx.Status)
	assert.Equal(t, "split", tx.Resolution)
	assertDec(t, "1.25", h.ledger.BalanceOf(h.client))
	assertDec(t, "8.66", h.ledger.BalanceOf(h.agent))
	assertDec(t, "2", escrowBefore.Sub(h.ledger.BalanceOf(h.escrow)))

	summary := h.engine.EscrowSummary()
	assertDec(t, "0", summary.Held)
	assertDec(t, "0.09", summary.Retained)
	assertDec(t, "0.09", summary.Custody)
	assertDec(t, "0", h.engine.GetEarnings(h.agent).TotalEarned)
}

func TestClaimPermissions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	id := h.pairedDeposit("2")
	require.NoError(t, h.engine.DisputeTransaction(ctx, h.agent, id, ""))

	assert.ErrorIs(t, h.engine.ClaimTransaction(ctx, account.Generate(), id, ""), ErrUnauthorized)
	require.NoError(t, h.engine.ClaimTransaction(ctx, h.client, id, "client claims"))
	assert.ErrorIs(t, h.engine.ClaimTransaction(ctx, h.arbiter, id, ""), ErrInvalidState)
}

func TestVoid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	id := h.pairedDeposit("2")
	require.NoError(t, h.engine.DisputeTransaction(ctx, h.client, id, ""))
	require.NoError(t, h.engine.ClaimTransaction(ctx, h.arbiter, id, ""))

	assert.ErrorIs(t, h.engine.VoidTransaction(ctx, h.client, id, ""), ErrUnauthorized)
	h.sink.reset()
	require.NoError(t, h.engine.VoidTransaction(ctx, h.arbiter, id, "handled off-platform"))

	assert.Equal(t, Voided, h.tx(id).Status)
	assert.Equal(t, []events.Type{events.TransactionResolved}, h.sink.types())
	assertDec(t, "2.09", h.ledger.BalanceOf(h.escrow))

	summary := h.engine.EscrowSummary()
	assertDec(t, "0", summary.Held)
	assertDec(t, "2.09", summary.Retained)
	assertDec(t, "2.09", summary.Float)
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.client, "5")
	to := account.Generate()

	id, err := h.engine.Send(ctx, h.client, TransferRequest{To: to, Amount: dec("3"), CurrencyCode: "USD", ConversionRate: dec("1")})
	require.NoError(t, err)

	tx := h.tx(id)
	assert.Equal(t, Transfer, tx.TxType)
	assert.Equal(t, Completed, tx.Status)
	assert.Equal(t, PaymentMethodTransfer, tx.PaymentMethod)
	assert.Equal(t, h.client, tx.AgentAccount)
	assert.Equal(t, to, tx.ClientAccount)
	assertDec(t, "3", tx.NetAmount)
	assertDec(t, "3", tx.TotalAmount)
	assertDec(t, "0", tx.AgentFee)
	assertDec(t, "0", tx.TreasuryFee)

	assertDec(t, "3", h.ledger.BalanceOf(to))
	assertDec(t, "2", h.ledger.BalanceOf(h.client))
	assertDec(t, "0", h.ledger.BalanceOf(h.treasury))
	assert.Equal(t, 0, h.engine.GetRequestsLength())
	assert.Equal(t, 1, h.engine.GetAccountHistoryLength(to))
	assert.Equal(t, []events.Type{events.Transfer}, h.sink.types())

	_, err = h.engine.Send(ctx, h.client, TransferRequest{To: h.client, Amount: dec("1"), CurrencyCode: "USD"})
	assert.ErrorIs(t, err, ErrSelfPairing)
	_, err = h.engine.Send(ctx, h.client, TransferRequest{To: to, Amount: dec("100"), CurrencyCode: "USD"})
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestSendDebitsExactlyAmount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.True(t, h.fees.TransferRate().IsPositive())
	require.NoError(t, h.ledger.Mint(h.client, dec("3")))
	require.NoError(t, h.ledger.Approve(h.client, h.escrow, dec("3")))
	to := account.Generate()

	id, err := h.engine.Send(ctx, h.client, TransferRequest{To: to, Amount: dec("3"), CurrencyCode: "USD"})
	require.NoError(t, err)

	assertDec(t, "0", h.ledger.BalanceOf(h.client))
	assertDec(t, "3", h.ledger.BalanceOf(to))
	assertDec(t, "0", h.ledger.Allowance(h.client, h.escrow))
	tx := h.tx(id)
	assert.True(t, tx.TotalAmount.Equal(tx.Amount))
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	require.NoError(t, h.ledger.Mint(h.escrow, dec("1")))
	h.pairedDeposit("2")
	to := account.Generate()

	_, err := h.engine.Credit(ctx, h.agent, TransferRequest{To: to, Amount: dec("1"), CurrencyCode: "USD"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// 3.09 in custody but 2.09 of it backs the paired deposit
	_, err = h.engine.Credit(ctx, h.owner, TransferRequest{To: to, Amount: dec("1.5"), CurrencyCode: "USD"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	h.sink.reset()
	id, err := h.engine.Credit(ctx, h.owner, TransferRequest{To: to, Amount: dec("1"), CurrencyCode: "USD"})
	require.NoError(t, err)
	require.Equal(t, []events.Type{events.Transfer}, h.sink.types())
	assert.Equal(t, PaymentMethodCredit, h.sink.events[0].Note)
	tx := h.tx(id)
	assert.Equal(t, PaymentMethodTransfer, tx.PaymentMethod)
	assertDec(t, "0", tx.TreasuryFee)
	assert.Equal(t, Completed, tx.Status)
	assertDec(t, "1", h.ledger.BalanceOf(to))
	assertDec(t, "2.09", h.ledger.BalanceOf(h.escrow))
}

func TestNoDoubleRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	id := h.pairedDeposit("2")
	require.NoError(t, h.engine.ClientConfirmPayment(ctx, h.client, id))
	require.NoError(t, h.engine.AgentConfirmPayment(ctx, h.agent, id))

	h.sink.reset()
	clientBal := h.ledger.BalanceOf(h.client)

	assert.ErrorIs(t, h.engine.AgentConfirmPayment(ctx, h.agent, id), ErrInvalidState)
	assert.ErrorIs(t, h.engine.ClientConfirmPayment(ctx, h.client, id), ErrInvalidState)
	assert.True(t, clientBal.Equal(h.ledger.BalanceOf(h.client)))
	assertDec(t, "0.05", h.engine.GetEarnings(h.agent).TotalEarned)
	assert.Empty(t, h.sink.types())
}

func TestConfirmTwiceWhilePaired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	id := h.pairedDeposit("2")

	require.NoError(t, h.engine.ClientConfirmPayment(ctx, h.client, id))
	assert.ErrorIs(t, h.engine.ClientConfirmPayment(ctx, h.client, id), ErrInvalidState)
	assert.ErrorIs(t, h.engine.AgentConfirmPayment(ctx, h.client, id), ErrUnauthorized)
	assert.ErrorIs(t, h.engine.ClientConfirmPayment(ctx, h.agent, id), ErrUnauthorized)
}

func TestExclusivePairing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	second := account.Generate()
	require.NoError(t, h.guard.Grant(h.owner, second, access.RoleAgent))
	h.fund(second, "10")

	id := h.pairedDeposit("2")
	err := h.engine.AcceptDeposit(ctx, second, id, AgentInfo{})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrAlreadyPaired)
	assert.Equal(t, h.agent, h.tx(id).AgentAccount)
	assertDec(t, "10", h.ledger.BalanceOf(second))
}

func TestAcceptValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")

	t.Run("self pairing", func(t *testing.T) {
		require.NoError(t, h.guard.Grant(h.owner, h.client, access.RoleAgent))
		defer func() { require.NoError(t, h.guard.Revoke(h.owner, h.client, access.RoleAgent)) }()
		id := h.deposit("1")
		assert.ErrorIs(t, h.engine.AcceptDeposit(ctx, h.client, id, AgentInfo{}), ErrSelfPairing)

		wid := h.withdrawal("1")
		assert.ErrorIs(t, h.engine.AcceptWithdrawal(ctx, h.agent, wid, ClientInfo{}), ErrSelfPairing)
	})

	t.Run("agent role required to accept deposits", func(t *testing.T) {
		id := h.deposit("1")
		assert.ErrorIs(t, h.engine.AcceptDeposit(ctx, account.Generate(), id, AgentInfo{}), ErrUnauthorized)
	})

	t.Run("wrong accept for type", func(t *testing.T) {
		id := h.deposit("1")
		assert.ErrorIs(t, h.engine.AcceptWithdrawal(ctx, account.Generate(), id, ClientInfo{}), ErrInvalidState)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, h.engine.AcceptDeposit(ctx, h.agent, 999, AgentInfo{}), ErrNotFound)
		_, err := h.engine.GetTransactionByID(999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name    string
		req     DepositRequest
		wantErr error
	}{
		{name: "zero amount", req: DepositRequest{Amount: dec("0"), CurrencyCode: "KES"}, wantErr: ErrInvalidAmount},
		{name: "negative amount", req: DepositRequest{Amount: dec("-1"), CurrencyCode: "KES"}, wantErr: ErrInvalidAmount},
		{name: "too precise", req: DepositRequest{Amount: dec("0.0000000000000000001"), CurrencyCode: "KES"}, wantErr: ErrInvalidAmount},
		{name: "empty currency", req: DepositRequest{Amount: dec("1"), CurrencyCode: "  "}, wantErr: ErrInvalidCurrency},
		{name: "negative rate", req: DepositRequest{Amount: dec("1"), CurrencyCode: "KES", ConversionRate: dec("-2")}, wantErr: ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.InitiateDeposit(ctx, h.client, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := h.engine.InitiateDeposit(ctx, account.None, DepositRequest{Amount: dec("1"), CurrencyCode: "KES"})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = h.engine.InitiateWithdrawal(ctx, h.client, WithdrawalRequest{Amount: dec("1"), CurrencyCode: "KES"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, 0, h.engine.GetRequestsLength())
	assert.Empty(t, h.sink.types())
	assert.Equal(t, uint64(1), h.engine.EscrowSummary().NextTxID)
}

func TestPaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(h.agent, "10")
	id := h.deposit("1")
	require.NoError(t, h.guard.Pause(h.owner))
	h.sink.reset()

	calls := map[string]func() error{
		"initiate deposit": func() error {
			_, err := h.engine.InitiateDeposit(ctx, h.client, DepositRequest{Amount: dec("1"), CurrencyCode: "KES"})
			return err
		},
		"initiate withdrawal": func() error {
			_, err := h.engine.InitiateWithdrawal(ctx, h.agent, WithdrawalRequest{Amount: dec("1"), CurrencyCode: "KES"})
			return err
		},
		"accept":  func() error { return h.engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{}) },
		"cancel":  func() error { return h.engine.CancelTransaction(ctx, h.client, id, "") },
		"dispute": func() error { return h.engine.DisputeTransaction(ctx, h.client, id, "") },
		"send": func() error {
			_, err := h.engine.Send(ctx, h.agent, TransferRequest{To: h.client, Amount: dec("1"), CurrencyCode: "KES"})
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), ErrSystemPaused)
		})
	}
	assert.Empty(t, h.sink.types())
	assert.Equal(t, Requested, h.tx(id).Status)

	require.NoError(t, h.guard.Unpause(h.owner))
	require.NoError(t, h.engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{}))
}

func TestRejectedAcceptLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ledger.Mint(h.agent, dec("10")))
	require.NoError(t, h.ledger.Approve(h.agent, h.escrow, dec("1")))

	first := h.deposit("1")
	id := h.deposit("2")
	last := h.deposit("3")
	h.sink.reset()

	err := h.engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{AgentName: "x"})
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	tx := h.tx(id)
	assert.Equal(t, Requested, tx.Status)
	assert.True(t, tx.AgentAccount.IsZero())
	assert.Empty(t, tx.Account.AgentName)
	assert.Equal(t, 1, tx.RequestIndex)
	assert.Equal(t, 2, h.tx(last).RequestIndex)
	assert.Equal(t, 0, h.tx(first).RequestIndex)
	assert.Equal(t, 3, h.engine.GetRequestsLength())
	assert.Equal(t, 0, h.engine.GetAccountHistoryLength(h.agent))
	assertDec(t, "10", h.ledger.BalanceOf(h.agent))
	assert.Empty(t, h.sink.types())

	require.NoError(t, h.ledger.Approve(h.agent, h.escrow, dec("10")))
	require.NoError(t, h.ledger.Burn(h.agent, dec("9")))
	err = h.engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestStoreFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	h := newHarness(t, WithStore(store))
	h.fund(h.agent, "10")

	store.On("Apply", mock.Anything, mock.MatchedBy(func(b *Batch) bool {
		return len(b.Transactions) == 1 && b.Transactions[0].Status == Requested
	})).Return(nil)
	store.On("Apply", mock.Anything, mock.MatchedBy(func(b *Batch) bool {
		return len(b.Transactions) == 1 && b.Transactions[0].Status == Paired
	})).Return(errors.New("connection reset"))

	id := h.deposit("2")
	h.sink.reset()

	err := h.engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	assert.Equal(t, Requested, h.tx(id).Status)
	assert.Equal(t, 1, h.engine.GetRequestsLength())
	assertDec(t, "10", h.ledger.BalanceOf(h.agent))
	assertDec(t, "0", h.ledger.BalanceOf(h.escrow))
	assertDec(t, "0", h.engine.EscrowSummary().Held)
	assertDec(t, "10", h.ledger.Allowance(h.agent, h.escrow))
	assert.Empty(t, h.sink.types())
	store.AssertNumberOfCalls(t, "Apply", 2)
}

// failingLedger fails the failAt-th mutating call after arm. Later calls,
// including the reversals, go through.
type failingLedger struct {
	*ledger.Memory
	failAt int
	calls  int
}

func (l *failingLedger) arm(failAt int) {
	l.failAt = failAt
	l.calls = 0
}

func (l *failingLedger) fail() bool {
	l.calls++
	return l.failAt > 0 && l.calls == l.failAt
}

func (l *failingLedger) Transfer(from, to account.Identity, amount decimal.Decimal) error {
	if l.fail() {
		return errors.New("ledger unavailable")
	}
	return l.Memory.Transfer(from, to, amount)
}

func (l *failingLedger) TransferFrom(spender, from, to account.Identity, amount decimal.Decimal) error {
	if l.fail() {
		return errors.New("ledger unavailable")
	}
	return l.Memory.TransferFrom(spender, from, to, amount)
}

func TestLedgerFailureDuringSettlementRollsBack(t *testing.T) {
	// Settling a deposit pays the client, then the agent, then the treasury.
	tests := []struct {
		name   string
		failAt int
	}{
		{"client payout fails", 1},
		{"agent fee fails", 2},
		{"treasury fee fails", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			fl := &failingLedger{Memory: h.ledger}
			engine, err := New(Config{Escrow: h.escrow, Treasury: h.treasury}, fl, h.guard, h.fees, earnings.NewTracker(),
				WithSink(h.sink), WithLogger(testLogger()))
			require.NoError(t, err)
			h.fund(h.agent, "10")

			id, err := engine.InitiateDeposit(ctx, h.client, DepositRequest{Amount: dec("2"), CurrencyCode: "KES", ConversionRate: dec("1")})
			require.NoError(t, err)
			require.NoError(t, engine.AcceptDeposit(ctx, h.agent, id, AgentInfo{}))
			require.NoError(t, engine.ClientConfirmPayment(ctx, h.client, id))
			h.sink.reset()

			fl.arm(tt.failAt)
			err = engine.AgentConfirmPayment(ctx, h.agent, id)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "ledger unavailable")

			tx, err := engine.GetTransactionByID(id)
			require.NoError(t, err)
			assert.Equal(t, Paired, tx.Status)
			assert.True(t, tx.ClientApproved)
			assert.False(t, tx.AgentApproved)
			assert.True(t, tx.Funded)

			assertDec(t, "2.09", h.ledger.BalanceOf(h.escrow))
			assertDec(t, "0", h.ledger.BalanceOf(h.client))
			assertDec(t, "7.91", h.ledger.BalanceOf(h.agent))
			assertDec(t, "0", h.ledger.BalanceOf(h.treasury))
			assertDec(t, "0", engine.GetEarnings(h.agent).TotalEarned)
			assertDec(t, "2.09", engine.EscrowSummary().Held)
			assert.Equal(t, 0, engine.GetRequestsLength())
			assert.Equal(t, 1, engine.GetAccountHistoryLength(h.client))
			assert.Empty(t, h.sink.types())

			// the engine still settles once the ledger recovers
			fl.arm(0)
			require.NoError(t, engine.AgentConfirmPayment(ctx, h.agent, id))
			assertDec(t, "2", h.ledger.BalanceOf(h.client))
			assertDec(t, "0.04", h.ledger.BalanceOf(h.treasury))
			assertDec(t, "0", h.ledger.BalanceOf(h.escrow))
		})
	}
}

func TestBatchContents(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	h := newHarness(t, WithStore(store))
	h.fund(h.agent, "10")

	var batches []*Batch
	store.On("Apply", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batches = append(batches, args.Get(1).(*Batch))
	}).Return(nil)

	first := h.deposit("1")
	h.deposit("1")
	require.NoError(t, h.engine.AcceptDeposit(ctx, h.agent, first, AgentInfo{}))
	require.NoError(t, h.engine.ClientConfirmPayment(ctx, h.client, first))
	require.NoError(t, h.engine.AgentConfirmPayment(ctx, h.agent, first))

	require.Len(t, batches, 5)
	assert.Equal(t, uint64(2), batches[0].NextTxID)
	assert.Equal(t, []HistoryEntry{{Identity: h.client, Seq: 0, TxID: 1}}, batches[0].History)
	assert.Equal(t, []HistoryEntry{{Identity: h.client, Seq: 1, TxID: 2}}, batches[1].History)

	// accepting the first request moves the second into its slot
	require.Len(t, batches[2].Transactions, 2)
	assert.Equal(t, uint64(1), batches[2].Transactions[0].ID)
	assert.Equal(t, uint64(2), batches[2].Transactions[1].ID)
	assert.Equal(t, 0, batches[2].Transactions[1].RequestIndex)

	require.Len(t, batches[4].Earnings, 1)
	assert.Equal(t, h.agent, batches[4].Earnings[0].Identity)
	assertDec(t, "0.025", batches[4].Earnings[0].TotalEarned)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	h := newHarness(t, WithStore(store))

	snap := &Snapshot{
		NextTxID: 10,
		Transactions: []Transaction{
			{ID: 3, TxType: Deposit, Status: Requested, RequestIndex: 5, ClientAccount: h.client, TotalAmount: dec("1")},
			{ID: 4, TxType: Deposit, Status: Paired, Funded: true, RequestIndex: NoRequestIndex, ClientAccount: h.client, AgentAccount: h.agent, TotalAmount: dec("2.09")},
			{ID: 7, TxType: Withdrawal, Status: Requested, RequestIndex: 1, AgentAccount: h.agent, TotalAmount: dec("1")},
		},
		Earnings: []earnings.Record{{Identity: h.agent, TotalEarned: dec("0.5")}},
		History: []HistoryEntry{
			{Identity: h.client, Seq: 1, TxID: 4},
			{Identity: h.client, Seq: 0, TxID: 3},
			{Identity: h.agent, Seq: 0, TxID: 4},
			{Identity: h.agent, Seq: 1, TxID: 7},
		},
		Retained: dec("0.09"),
	}
	store.On("Load", mock.Anything).Return(snap, nil)

	require.NoError(t, h.engine.Restore(ctx))

	assert.Equal(t, 2, h.engine.GetRequestsLength())
	reqs := h.engine.ListRequests(0, 0)
	require.Len(t, reqs, 2)
	assert.Equal(t, uint64(7), reqs[0].ID)
	assert.Equal(t, 0, reqs[0].RequestIndex)
	assert.Equal(t, uint64(3), reqs[1].ID)
	assert.Equal(t, 1, reqs[1].RequestIndex)

	hist := h.engine.ListAccountHistory(h.client, 0, 0)
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(3), hist[0].ID)
	assert.Equal(t, uint64(4), hist[1].ID)

	summary := h.engine.EscrowSummary()
	assertDec(t, "2.09", summary.Held)
	assertDec(t, "0.09", summary.Retained)
	assert.Equal(t, uint64(10), summary.NextTxID)
	assertDec(t, "0.5", h.engine.GetEarnings(h.agent).TotalEarned)

	store.On("Apply", mock.Anything, mock.Anything).Return(nil)
	id := h.deposit("1")
	assert.Equal(t, uint64(10), id)
}

func TestListPagination(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.deposit("1")
	}

	page := h.engine.ListAccountHistory(h.client, 1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].ID)
	assert.Equal(t, uint64(3), page[1].ID)

	assert.Empty(t, h.engine.ListRequests(10, 2))
	assert.Len(t, h.engine.ListRequests(-1, 0), 5)
	assert.Empty(t, h.engine.ListAccountHistory(account.Generate(), 0, 0))
}

func TestNewValidatesConfig(t *testing.T) {
	l := ledger.NewMemory(testLogger())
	g := access.NewGuard(account.Generate(), testLogger())
	p, err := fee.NewPolicy(fee.Rates{}, g, nil, testLogger())
	require.NoError(t, err)
	same := account.Generate()

	_, err = New(Config{Escrow: same, Treasury: same}, l, g, p, nil)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = New(Config{Treasury: same}, l, g, p, nil)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = New(Config{Escrow: account.Generate(), Treasury: same}, nil, g, p, nil)
	assert.Error(t, err)
}
