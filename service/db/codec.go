package db

import (
	"fmt"
	"time"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/shopspring/decimal"
)

// QueryRecorder receives per-query timings. metrics.Metrics implements it.
type QueryRecorder interface {
	RecordDBQuery(operation, table string, duration float64, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordDBQuery(string, string, float64, error) {}

// ListFilter narrows ListTransactions. Zero values mean "any".
type ListFilter struct {
	Status   *escrow.Status
	Identity account.Identity
	Limit    int
	Offset   int
}

// Stats is a summary of the persisted state used by operator tooling.
type Stats struct {
	ByStatus       map[string]int  `json:"by_status"`
	Transactions   int             `json:"transactions"`
	EarningsHolder int             `json:"earnings_holders"`
	HistoryEntries int             `json:"history_entries"`
	NextTxID       uint64          `json:"next_tx_id"`
	Retained       decimal.Decimal `json:"retained"`
}

// txColumns is the column order used by every transaction insert and select.
const txColumns = `id, tx_type, status, client_account, agent_account,
	amount, agent_fee, treasury_fee, total_amount, net_amount,
	currency_code, conversion_rate, payment_method,
	client_name, client_phone_number, agent_name, agent_phone_number,
	client_key, agent_key, ref_number,
	client_approved, agent_approved, request_index, funded,
	reason, resolution, created_at, updated_at`

// txRow holds a transaction as stored: money as decimal strings.
type txRow struct {
	ID                int64
	TxType            int
	Status            int
	ClientAccount     string
	AgentAccount      string
	Amount            string
	AgentFee          string
	TreasuryFee       string
	TotalAmount       string
	NetAmount         string
	CurrencyCode      string
	ConversionRate    string
	PaymentMethod     string
	ClientName        string
	ClientPhoneNumber string
	AgentName         string
	AgentPhoneNumber  string
	ClientKey         string
	AgentKey          string
	RefNumber         string
	ClientApproved    bool
	AgentApproved     bool
	RequestIndex      int
	Funded            bool
	Reason            string
	Resolution        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func rowFromDomain(tx escrow.Transaction) txRow {
	return txRow{
		ID:                int64(tx.ID),
		TxType:            int(tx.TxType),
		Status:            int(tx.Status),
		ClientAccount:     tx.ClientAccount.String(),
		AgentAccount:      tx.AgentAccount.String(),
		Amount:            tx.Amount.String(),
		AgentFee:          tx.AgentFee.String(),
		TreasuryFee:       tx.TreasuryFee.String(),
		TotalAmount:       tx.TotalAmount.String(),
		NetAmount:         tx.NetAmount.String(),
		CurrencyCode:      tx.CurrencyCode,
		ConversionRate:    tx.ConversionRate.String(),
		PaymentMethod:     tx.PaymentMethod,
		ClientName:        tx.Account.ClientName,
		ClientPhoneNumber: tx.Account.ClientPhoneNumber,
		AgentName:         tx.Account.AgentName,
		AgentPhoneNumber:  tx.Account.AgentPhoneNumber,
		ClientKey:         tx.ClientKey,
		AgentKey:          tx.AgentKey,
		RefNumber:         tx.RefNumber,
		ClientApproved:    tx.ClientApproved,
		AgentApproved:     tx.AgentApproved,
		RequestIndex:      tx.RequestIndex,
		Funded:            tx.Funded,
		Reason:            tx.Reason,
		Resolution:        tx.Resolution,
		CreatedAt:         tx.CreatedAt.UTC(),
		UpdatedAt:         tx.UpdatedAt.UTC(),
	}
}

// args returns the row values in txColumns order. Timestamps are passed
// through fmtTime so each driver can choose its representation.
func (r txRow) args(fmtTime func(time.Time) any) []any {
	return []any{
		r.ID, r.TxType, r.Status, r.ClientAccount, r.AgentAccount,
		r.Amount, r.AgentFee, r.TreasuryFee, r.TotalAmount, r.NetAmount,
		r.CurrencyCode, r.ConversionRate, r.PaymentMethod,
		r.ClientName, r.ClientPhoneNumber, r.AgentName, r.AgentPhoneNumber,
		r.ClientKey, r.AgentKey, r.RefNumber,
		r.ClientApproved, r.AgentApproved, r.RequestIndex, r.Funded,
		r.Reason, r.Resolution, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	}
}

// dests returns scan destinations in txColumns order. created and updated
// receive the two timestamps in whatever type the driver produces.
func (r *txRow) dests(created, updated any) []any {
	return []any{
		&r.ID, &r.TxType, &r.Status, &r.ClientAccount, &r.AgentAccount,
		&r.Amount, &r.AgentFee, &r.TreasuryFee, &r.TotalAmount, &r.NetAmount,
		&r.CurrencyCode, &r.ConversionRate, &r.PaymentMethod,
		&r.ClientName, &r.ClientPhoneNumber, &r.AgentName, &r.AgentPhoneNumber,
		&r.ClientKey, &r.AgentKey, &r.RefNumber,
		&r.ClientApproved, &r.AgentApproved, &r.RequestIndex, &r.Funded,
		&r.Reason, &r.Resolution, created, updated,
	}
}

func (r txRow) toDomain() (escrow.Transaction, error) {
	tx := escrow.Transaction{
		ID:            uint64(r.ID),
		TxType:        escrow.TxType(r.TxType),
		Status:        escrow.Status(r.Status),
		ClientAccount: account.Identity(r.ClientAccount),
		AgentAccount:  account.Identity(r.AgentAccount),
		CurrencyCode:  r.CurrencyCode,
		PaymentMethod: r.PaymentMethod,
		Account: escrow.Contact{
			ClientName:        r.ClientName,
			ClientPhoneNumber: r.ClientPhoneNumber,
			AgentName:         r.AgentName,
			AgentPhoneNumber:  r.AgentPhoneNumber,
		},
		ClientKey:      r.ClientKey,
		AgentKey:       r.AgentKey,
		RefNumber:      r.RefNumber,
		ClientApproved: r.ClientApproved,
		AgentApproved:  r.AgentApproved,
		RequestIndex:   r.RequestIndex,
		Funded:         r.Funded,
		Reason:         r.Reason,
		Resolution:     r.Resolution,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"amount", r.Amount, &tx.Amount},
		{"agent_fee", r.AgentFee, &tx.AgentFee},
		{"treasury_fee", r.TreasuryFee, &tx.TreasuryFee},
		{"total_amount", r.TotalAmount, &tx.TotalAmount},
		{"net_amount", r.NetAmount, &tx.NetAmount},
		{"conversion_rate", r.ConversionRate, &tx.ConversionRate},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return escrow.Transaction{}, fmt.Errorf("transaction %d: invalid %s %q: %w", r.ID, f.name, f.src, err)
		}
		*f.dst = d
	}
	return tx, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}
