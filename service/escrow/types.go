package escrow

import (
	"fmt"
	"time"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/shopspring/decimal"
)

// TxType is the kind of transaction. The numeric values are stable and are
// stored as-is.
type TxType int

const (
	Deposit TxType = iota
	Withdrawal
	Transfer
)

var txTypeNames = map[TxType]string{
	Deposit:    "deposit",
	Withdrawal: "withdrawal",
	Transfer:   "transfer",
}

func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tx_type(%d)", int(t))
}

// MarshalText encodes the type by name.
func (t TxType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts a type name.
func (t *TxType) UnmarshalText(b []byte) error {
	for v, n := range txTypeNames {
		if n == string(b) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("unknown tx_type %q", b)
}

// Status is the position of a transaction in its lifecycle. The numeric
// values are stable and are stored as-is.
type Status int

const (
	Requested Status = iota
	Paired
	Disputed
	Completed
	Cancelled
	Claimed
	Resolved
	Voided
)

var statusNames = map[Status]string{
	Requested: "requested",
	Paired:    "paired",
	Disputed:  "disputed",
	Completed: "completed",
	Cancelled: "cancelled",
	Claimed:   "claimed",
	Resolved:  "resolved",
	Voided:    "voided",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a status name to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Cancelled, Resolved, Voided:
		return true
	}
	return false
}

// Payment method tags. Both sends and credits record PaymentMethodTransfer;
// the Transfer event note carries PaymentMethodCredit for credits.
const (
	PaymentMethodTransfer = "TRANSFER"
	PaymentMethodCredit   = "CREDIT"
)

// NoRequestIndex marks a transaction that is not in the open-requests list.
const NoRequestIndex = -1

// Contact is the off-chain contact data the two parties exchange once paired.
type Contact struct {
	ClientName        string `json:"client_name,omitempty"`
	ClientPhoneNumber string `json:"client_phone_number,omitempty"`
	AgentName         string `json:"agent_name,omitempty"`
	AgentPhoneNumber  string `json:"agent_phone_number,omitempty"`
}

// Transaction is one escrow record. Records are never deleted.
type Transaction struct {
	ID             uint64           `json:"id"`
	TxType         TxType           `json:"tx_type"`
	Status         Status           `json:"status"`
	ClientAccount  account.Identity `json:"client_account"`
	AgentAccount   account.Identity `json:"agent_account"`
	Amount         decimal.Decimal  `json:"amount"`
	AgentFee       decimal.Decimal  `json:"agent_fee"`
	TreasuryFee    decimal.Decimal  `json:"treasury_fee"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	NetAmount      decimal.Decimal  `json:"net_amount"`
	CurrencyCode   string           `json:"currency_code"`
	ConversionRate decimal.Decimal  `json:"conversion_rate"`
	PaymentMethod  string           `json:"payment_method"`
	Account        Contact          `json:"account"`
	ClientKey      string           `json:"client_key,omitempty"`
	AgentKey       string           `json:"agent_key,omitempty"`
	RefNumber      string           `json:"ref_number"`
	ClientApproved bool             `json:"client_approved"`
	AgentApproved  bool             `json:"agent_approved"`
	RequestIndex   int              `json:"request_index"`
	// Funded is true while escrow custody holds TotalAmount for this
	// transaction.
	Funded     bool      `json:"funded"`
	Reason     string    `json:"reason,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PartiallyConfirmed reports whether exactly one party has confirmed a
// paired transaction.
func (t Transaction) PartiallyConfirmed() bool {
	return t.Status == Paired && t.ClientApproved != t.AgentApproved
}

// IsParty reports whether id is the client or the agent.
func (t Transaction) IsParty(id account.Identity) bool {
	if id.IsZero() {
		return false
	}
	return id == t.ClientAccount || id == t.AgentAccount
}

// Initiator returns the identity that opened the request.
func (t Transaction) Initiator() account.Identity {
	if t.TxType == Withdrawal {
		return t.AgentAccount
	}
	return t.ClientAccount
}

// Funder returns the identity whose balance moves into custody on pairing.
// The agent provides the token liquidity in both order flows.
func (t Transaction) Funder() account.Identity {
	return t.AgentAccount
}

// FeeEarner returns the identity credited with AgentFee on completion.
func (t Transaction) FeeEarner() account.Identity {
	if t.TxType == Withdrawal {
		return t.ClientAccount
	}
	return t.AgentAccount
}

// DepositRequest opens a deposit. The caller becomes the client.
type DepositRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	CurrencyCode      string          `json:"currency_code"`
	ConversionRate    decimal.Decimal `json:"conversion_rate"`
	PaymentMethod     string          `json:"payment_method"`
	ClientName        string          `json:"client_name"`
	ClientPhoneNumber string          `json:"client_phone_number"`
	ClientKey         string          `json:"client_key"`
}

// WithdrawalRequest opens a withdrawal. The caller becomes the agent.
type WithdrawalRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	CurrencyCode     string          `json:"currency_code"`
	ConversionRate   decimal.Decimal `json:"conversion_rate"`
	PaymentMethod    string          `json:"payment_method"`
	AgentName        string          `json:"agent_name"`
	AgentPhoneNumber string          `json:"agent_phone_number"`
	AgentKey         string          `json:"agent_key"`
}

// AgentInfo is supplied by the agent accepting a deposit. A zero
// ConversionRate keeps the rate quoted by the client.
type AgentInfo struct {
	AgentName        string          `json:"agent_name"`
	AgentPhoneNumber string          `json:"agent_phone_number"`
	AgentKey         string          `json:"agent_key"`
	ConversionRate   decimal.Decimal `json:"conversion_rate"`
}

// ClientInfo is supplied by the client accepting a withdrawal. A zero
// ConversionRate keeps the rate quoted by the agent.
type ClientInfo struct {
	ClientName        string          `json:"client_name"`
	ClientPhoneNumber string          `json:"client_phone_number"`
	ClientKey         string          `json:"client_key"`
	ConversionRate    decimal.Decimal `json:"conversion_rate"`
}

// TransferRequest describes a Send or Credit.
type TransferRequest struct {
	To             account.Identity `json:"to"`
	Amount         decimal.Decimal  `json:"amount"`
	CurrencyCode   string           `json:"currency_code"`
	ConversionRate decimal.Decimal  `json:"conversion_rate"`
}

// Summary is a point-in-time view of custody accounting.
type Summary struct {
	Escrow   account.Identity `json:"escrow"`
	Treasury account.Identity `json:"treasury"`
	// Held is the sum of TotalAmount over funded transactions.
	Held decimal.Decimal `json:"held"`
	// Retained is value left in custody by refunds and voids.
	Retained decimal.Decimal `json:"retained"`
	// Custody is the ledger balance of the escrow identity.
	Custody decimal.Decimal `json:"custody"`
	// Float is Custody minus Held, the amount Credit may pay out.
	Float        decimal.Decimal `json:"float"`
	OpenRequests int             `json:"open_requests"`
	NextTxID     uint64          `json:"next_tx_id"`
}
