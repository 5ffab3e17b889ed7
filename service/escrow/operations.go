package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/shopspring/decimal"
)

func newRefNumber() string { return uuid.NewString() }

func validateOrder(amount decimal.Decimal, currency string, rate decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(fee.Precision)) {
		return fmt.Errorf("%w: amount has more than %d fractional digits", ErrInvalidAmount, fee.Precision)
	}
	if strings.TrimSpace(currency) == "" {
		return ErrInvalidCurrency
	}
	if rate.IsNegative() {
		return fmt.Errorf("%w: conversion rate must not be negative", ErrInvalidAmount)
	}
	return nil
}

func (e *Engine) newOrder(c *change, txType TxType, amount decimal.Decimal, currency string, rate decimal.Decimal, method string) *Transaction {
	q := e.fees.Quote(amount, fee.KindOrder)
	now := e.now().UTC()
	return e.create(c, Transaction{
		TxType:         txType,
		Status:         Requested,
		Amount:         amount,
		AgentFee:       q.AgentFee,
		TreasuryFee:    q.TreasuryFee,
		TotalAmount:    amount.Add(q.Total()),
		NetAmount:      amount,
		CurrencyCode:   strings.ToUpper(strings.TrimSpace(currency)),
		ConversionRate: rate,
		PaymentMethod:  method,
		RefNumber:      e.newRef(),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// InitiateDeposit opens a deposit request. The caller is the client who will
// pay fiat and receive tokens.
func (e *Engine) InitiateDeposit(ctx context.Context, caller account.Identity, req DepositRequest) (uint64, error) {
	var id uint64
	err := e.run(ctx, "initiate_deposit", caller, func(c *change) error {
		if err := validateOrder(req.Amount, req.CurrencyCode, req.ConversionRate); err != nil {
			return err
		}
		tx := e.newOrder(c, Deposit, req.Amount, req.CurrencyCode, req.ConversionRate, req.PaymentMethod)
		tx.ClientAccount = caller
		tx.ClientKey = req.ClientKey
		tx.Account.ClientName = req.ClientName
		tx.Account.ClientPhoneNumber = req.ClientPhoneNumber

		e.pushRequest(c, tx)
		e.appendHistory(c, caller, tx.ID)
		e.emit(c, events.TransactionInitiated, caller, tx, "")
		id = tx.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("deposit initiated", "tx_id", id, "client", caller, "amount", req.Amount.String())
	return id, nil
}

// InitiateWithdrawal opens a withdrawal request. The caller must hold the
// agent role and provides the token liquidity once a client accepts.
func (e *Engine) InitiateWithdrawal(ctx context.Context, caller account.Identity, req WithdrawalRequest) (uint64, error) {
	var id uint64
	err := e.run(ctx, "initiate_withdrawal", caller, func(c *change) error {
		if !e.hasRole(caller, access.RoleAgent) {
			return fmt.Errorf("%w: agent role required", ErrUnauthorized)
		}
		if err := validateOrder(req.Amount, req.CurrencyCode, req.ConversionRate); err != nil {
			return err
		}
		tx := e.newOrder(c, Withdrawal, req.Amount, req.CurrencyCode, req.ConversionRate, req.PaymentMethod)
		tx.AgentAccount = caller
		tx.AgentKey = req.AgentKey
		tx.Account.AgentName = req.AgentName
		tx.Account.AgentPhoneNumber = req.AgentPhoneNumber

		e.pushRequest(c, tx)
		e.appendHistory(c, caller, tx.ID)
		e.emit(c, events.TransactionInitiated, caller, tx, "")
		id = tx.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("withdrawal initiated", "tx_id", id, "agent", caller, "amount", req.Amount.String())
	return id, nil
}

// pairable checks that tx is an open request of the given type.
func pairable(tx *Transaction, want TxType) error {
	if tx.TxType != want {
		return fmt.Errorf("%w: transaction %d is a %s", ErrInvalidState, tx.ID, tx.TxType)
	}
	if tx.Status != Requested {
		if tx.Status == Paired || tx.Status == Completed {
			return fmt.Errorf("%w: %w: transaction %d is %s", ErrAlreadyPaired, ErrInvalidState, tx.ID, tx.Status)
		}
		return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, tx.ID, tx.Status)
	}
	return nil
}

func (e *Engine) pair(c *change, tx *Transaction, caller account.Identity, rate decimal.Decimal) {
	if rate.IsPositive() {
		tx.ConversionRate = rate
	}
	tx.Status = Paired
	tx.Funded = true
	tx.UpdatedAt = e.now().UTC()
	e.removeRequest(c, tx)
	e.appendHistory(c, caller, tx.ID)
	e.pull(c, tx.Funder(), e.cfg.Escrow, tx.TotalAmount)
	e.emit(c, events.RequestAccepted, caller, tx, "")
}

// AcceptDeposit pairs an agent with an open deposit. TotalAmount moves from
// the agent's approved balance into custody.
func (e *Engine) AcceptDeposit(ctx context.Context, caller account.Identity, id uint64, info AgentInfo) error {
	err := e.run(ctx, "accept_deposit", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if err := pairable(committed, Deposit); err != nil {
			return err
		}
		if caller == committed.ClientAccount {
			return ErrSelfPairing
		}
		if !e.hasRole(caller, access.RoleAgent) {
			return fmt.Errorf("%w: agent role required", ErrUnauthorized)
		}
		if info.ConversionRate.IsNegative() {
			return fmt.Errorf("%w: conversion rate must not be negative", ErrInvalidAmount)
		}

		tx := e.stage(c, id)
		tx.AgentAccount = caller
		tx.AgentKey = info.AgentKey
		tx.Account.AgentName = info.AgentName
		tx.Account.AgentPhoneNumber = info.AgentPhoneNumber
		e.pair(c, tx, caller, info.ConversionRate)
		return nil
	})
	if err == nil {
		e.logger.Info("deposit accepted", "tx_id", id, "agent", caller)
	}
	return err
}

// AcceptWithdrawal pairs a client with an open withdrawal. TotalAmount moves
// from the initiating agent's approved balance into custody.
func (e *Engine) AcceptWithdrawal(ctx context.Context, caller account.Identity, id uint64, info ClientInfo) error {
	err := e.run(ctx, "accept_withdrawal", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if err := pairable(committed, Withdrawal); err != nil {
			return err
		}
		if caller == committed.AgentAccount {
			return ErrSelfPairing
		}
		if info.ConversionRate.IsNegative() {
			return fmt.Errorf("%w: conversion rate must not be negative", ErrInvalidAmount)
		}

		tx := e.stage(c, id)
		tx.ClientAccount = caller
		tx.ClientKey = info.ClientKey
		tx.Account.ClientName = info.ClientName
		tx.Account.ClientPhoneNumber = info.ClientPhoneNumber
		e.pair(c, tx, caller, info.ConversionRate)
		return nil
	})
	if err == nil {
		e.logger.Info("withdrawal accepted", "tx_id", id, "client", caller)
	}
	return err
}

// ClientConfirmPayment records the client's acknowledgement.
func (e *Engine) ClientConfirmPayment(ctx context.Context, caller account.Identity, id uint64) error {
	return e.confirm(ctx, "client_confirm", caller, id, true)
}

// AgentConfirmPayment records the agent's acknowledgement.
func (e *Engine) AgentConfirmPayment(ctx context.Context, caller account.Identity, id uint64) error {
	return e.confirm(ctx, "agent_confirm", caller, id, false)
}

func (e *Engine) confirm(ctx context.Context, op string, caller account.Identity, id uint64, asClient bool) error {
	completed := false
	err := e.run(ctx, op, caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		party := committed.AgentAccount
		if asClient {
			party = committed.ClientAccount
		}
		if party.IsZero() || caller != party {
			return fmt.Errorf("%w: caller is not the %s of transaction %d", ErrUnauthorized, roleName(asClient), id)
		}
		if committed.Status != Paired {
			return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, id, committed.Status)
		}
		already := committed.AgentApproved
		if asClient {
			already = committed.ClientApproved
		}
		if already {
			return fmt.Errorf("%w: %s already confirmed transaction %d", ErrInvalidState, roleName(asClient), id)
		}

		tx := e.stage(c, id)
		tx.UpdatedAt = e.now().UTC()
		if asClient {
			tx.ClientApproved = true
			e.emit(c, events.ClientConfirmed, caller, tx, "")
		} else {
			tx.AgentApproved = true
			e.emit(c, events.AgentConfirmed, caller, tx, "")
		}

		if tx.ClientApproved && tx.AgentApproved {
			e.settle(c, tx)
			e.emit(c, events.TransactionCompleted, caller, tx, "")
			completed = true
		}
		return nil
	})
	if err == nil {
		e.logger.Info("payment confirmed", "tx_id", id, "party", roleName(asClient), "completed", completed)
	}
	return err
}

// settle releases custody for a fully confirmed transaction.
func (e *Engine) settle(c *change, tx *Transaction) {
	tx.Status = Completed
	tx.Funded = false
	earner := tx.FeeEarner()
	if earner == tx.ClientAccount {
		e.pay(c, tx.ClientAccount, tx.NetAmount.Add(tx.AgentFee))
	} else {
		e.pay(c, tx.ClientAccount, tx.NetAmount)
		e.pay(c, earner, tx.AgentFee)
	}
	e.pay(c, e.cfg.Treasury, tx.TreasuryFee)
	e.creditEarnings(c, earner, tx.AgentFee)
}

func roleName(client bool) string {
	if client {
		return "client"
	}
	return "agent"
}

// CancelTransaction cancels an open request, or a paired transaction that
// neither party has confirmed yet. Escrowed value returns to the funder.
func (e *Engine) CancelTransaction(ctx context.Context, caller account.Identity, id uint64, reason string) error {
	err := e.run(ctx, "cancel", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if !committed.IsParty(caller) {
			return fmt.Errorf("%w: caller is not a party to transaction %d", ErrUnauthorized, id)
		}
		switch {
		case committed.Status == Requested:
		case committed.Status == Paired && !committed.ClientApproved && !committed.AgentApproved:
		default:
			return fmt.Errorf("%w: transaction %d cannot be cancelled while %s", ErrInvalidState, id, describe(committed))
		}

		tx := e.stage(c, id)
		if tx.Status == Requested {
			e.removeRequest(c, tx)
		}
		if tx.Funded {
			e.pay(c, tx.Funder(), tx.TotalAmount)
			tx.Funded = false
		}
		tx.Status = Cancelled
		tx.Reason = reason
		tx.UpdatedAt = e.now().UTC()
		e.emit(c, events.TransactionCancelled, caller, tx, reason)
		return nil
	})
	if err == nil {
		e.logger.Info("transaction cancelled", "tx_id", id, "by", caller)
	}
	return err
}

func describe(tx *Transaction) string {
	if tx.PartiallyConfirmed() {
		return "partially confirmed"
	}
	return tx.Status.String()
}

// DisputeTransaction escalates a paired transaction for arbitration.
func (e *Engine) DisputeTransaction(ctx context.Context, caller account.Identity, id uint64, reason string) error {
	err := e.run(ctx, "dispute", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if !committed.IsParty(caller) {
			return fmt.Errorf("%w: caller is not a party to transaction %d", ErrUnauthorized, id)
		}
		if committed.Status != Paired {
			return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, id, committed.Status)
		}

		tx := e.stage(c, id)
		tx.Status = Disputed
		tx.Reason = reason
		tx.UpdatedAt = e.now().UTC()
		e.emit(c, events.TransactionDisputed, caller, tx, reason)
		return nil
	})
	if err == nil {
		e.logger.Warn("transaction disputed", "tx_id", id, "by", caller)
	}
	return err
}

// ClaimTransaction freezes a disputed transaction for manual resolution. An
// arbiter or either party may claim.
func (e *Engine) ClaimTransaction(ctx context.Context, caller account.Identity, id uint64, resolution string) error {
	err := e.run(ctx, "claim", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if !committed.IsParty(caller) && !e.hasRole(caller, access.RoleArbiter) {
			return fmt.Errorf("%w: caller may not claim transaction %d", ErrUnauthorized, id)
		}
		if committed.Status != Disputed {
			return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, id, committed.Status)
		}

		tx := e.stage(c, id)
		tx.Status = Claimed
		tx.Resolution = resolution
		tx.UpdatedAt = e.now().UTC()
		e.emit(c, events.TransactionClaimed, caller, tx, resolution)
		return nil
	})
	if err == nil {
		e.logger.Info("transaction claimed", "tx_id", id, "by", caller)
	}
	return err
}

// RefundTransaction splits up to NetAmount of a claimed transaction between
// the two parties. Whatever is left of TotalAmount, fees included, stays in
// custody as retained value.
func (e *Engine) RefundTransaction(ctx context.Context, caller account.Identity, id uint64, clientAmount, agentAmount decimal.Decimal, resolution string) error {
	err := e.run(ctx, "refund", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if !e.hasRole(caller, access.RoleArbiter) {
			return fmt.Errorf("%w: arbiter role required", ErrUnauthorized)
		}
		if committed.Status != Claimed {
			return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, id, committed.Status)
		}
		if clientAmount.IsNegative() || agentAmount.IsNegative() {
			return fmt.Errorf("%w: refund shares must not be negative", ErrInvalidAmount)
		}
		if clientAmount.Add(agentAmount).GreaterThan(committed.NetAmount) {
			return fmt.Errorf("%w: %s + %s exceeds %s", ErrOverAllocation, clientAmount, agentAmount, committed.NetAmount)
		}

		tx := e.stage(c, id)
		e.pay(c, tx.ClientAccount, clientAmount)
		e.pay(c, tx.AgentAccount, agentAmount)
		c.retained = c.retained.Add(tx.TotalAmount.Sub(clientAmount).Sub(agentAmount))
		tx.Funded = false
		tx.Status = Resolved
		tx.Resolution = resolution
		tx.UpdatedAt = e.now().UTC()
		e.emit(c, events.TransactionResolved, caller, tx, resolution)
		return nil
	})
	if err == nil {
		e.logger.Info("transaction refunded",
			"tx_id", id,
			"by", caller,
			"client_amount", clientAmount.String(),
			"agent_amount", agentAmount.String(),
		)
	}
	return err
}

// VoidTransaction closes a claimed transaction without any payout. The whole
// TotalAmount stays in custody as retained value.
func (e *Engine) VoidTransaction(ctx context.Context, caller account.Identity, id uint64, resolution string) error {
	err := e.run(ctx, "void", caller, func(c *change) error {
		committed, err := e.lookup(id)
		if err != nil {
			return err
		}
		if !e.hasRole(caller, access.RoleArbiter) {
			return fmt.Errorf("%w: arbiter role required", ErrUnauthorized)
		}
		if committed.Status != Claimed {
			return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, id, committed.Status)
		}

		tx := e.stage(c, id)
		c.retained = c.retained.Add(tx.TotalAmount)
		tx.Funded = false
		tx.Status = Voided
		tx.Resolution = resolution
		tx.UpdatedAt = e.now().UTC()
		e.emit(c, events.TransactionResolved, caller, tx, resolution)
		return nil
	})
	if err == nil {
		e.logger.Warn("transaction voided", "tx_id", id, "by", caller)
	}
	return err
}

func validateTransfer(caller account.Identity, req TransferRequest) error {
	if req.To.IsZero() {
		return fmt.Errorf("%w: recipient is required", ErrInvalidIdentity)
	}
	if req.To == caller {
		return ErrSelfPairing
	}
	return validateOrder(req.Amount, req.CurrencyCode, req.ConversionRate)
}

func (e *Engine) newTransfer(c *change, from, to account.Identity, req TransferRequest, q fee.Quote, method string) *Transaction {
	now := e.now().UTC()
	return e.create(c, Transaction{
		TxType:         Transfer,
		Status:         Completed,
		ClientAccount:  to,
		AgentAccount:   from,
		Amount:         req.Amount,
		AgentFee:       q.AgentFee,
		TreasuryFee:    q.TreasuryFee,
		TotalAmount:    req.Amount.Add(q.Total()),
		NetAmount:      req.Amount,
		CurrencyCode:   strings.ToUpper(strings.TrimSpace(req.CurrencyCode)),
		ConversionRate: req.ConversionRate,
		PaymentMethod:  method,
		RefNumber:      e.newRef(),
		ClientApproved: true,
		AgentApproved:  true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// noFees is the quote recorded on direct transfers.
var noFees = fee.Quote{AgentFee: decimal.Zero, TreasuryFee: decimal.Zero}

// Send moves exactly Amount from the caller's approved balance to req.To and
// records a completed Transfer. Sends carry no fees.
func (e *Engine) Send(ctx context.Context, caller account.Identity, req TransferRequest) (uint64, error) {
	var id uint64
	err := e.run(ctx, "send", caller, func(c *change) error {
		if err := validateTransfer(caller, req); err != nil {
			return err
		}
		tx := e.newTransfer(c, caller, req.To, req, noFees, PaymentMethodTransfer)

		e.pull(c, caller, req.To, tx.Amount)
		e.appendHistory(c, caller, tx.ID)
		e.appendHistory(c, req.To, tx.ID)
		e.emit(c, events.Transfer, caller, tx, "")
		id = tx.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("transfer sent", "tx_id", id, "from", caller, "to", req.To, "amount", req.Amount.String())
	return id, nil
}

// Credit pays req.To out of custody float, the custody balance not backing
// any funded transaction. Owner only; no fees are charged.
func (e *Engine) Credit(ctx context.Context, caller account.Identity, req TransferRequest) (uint64, error) {
	var id uint64
	err := e.run(ctx, "credit", caller, func(c *change) error {
		if !e.hasRole(caller, access.RoleOwner) {
			return fmt.Errorf("%w: owner role required", ErrUnauthorized)
		}
		if err := validateTransfer(caller, req); err != nil {
			return err
		}
		if req.To == e.cfg.Escrow {
			return ErrSelfPairing
		}
		float := e.ledger.BalanceOf(e.cfg.Escrow).Sub(e.held)
		if float.LessThan(req.Amount) {
			return fmt.Errorf("%w: custody float is %s, credit needs %s", ErrInsufficientBalance, float, req.Amount)
		}

		tx := e.newTransfer(c, caller, req.To, req, noFees, PaymentMethodTransfer)
		e.pay(c, req.To, tx.NetAmount)
		c.retained = decimal.Max(decimal.Zero, c.retained.Sub(tx.NetAmount))
		e.appendHistory(c, caller, tx.ID)
		e.appendHistory(c, req.To, tx.ID)
		e.emit(c, events.Transfer, caller, tx, PaymentMethodCredit)
		id = tx.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("custody credited", "tx_id", id, "by", caller, "to", req.To, "amount", req.Amount.String())
	return id, nil
}
