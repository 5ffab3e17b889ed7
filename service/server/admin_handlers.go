package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/shopspring/decimal"
)

// Ledger admin

type mintRequest struct {
	To     account.Identity `json:"to"`
	Amount decimal.Decimal  `json:"amount"`
}

// handleMint issues tokens on the reference ledger. Owner only.
// POST /api/v1/ledger/mint
func handleMint(l *ledger.Memory, guard *access.Guard, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if caller != guard.Owner() {
			writeFailure(w, r, logger, access.ErrForbidden)
			return
		}
		var req mintRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		to, err := account.Parse(req.To.String())
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := l.Mint(to, req.Amount); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, ledger.Balance{Identity: to, Amount: l.BalanceOf(to)}, http.StatusOK)
	})
}

type burnRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// handleBurn destroys tokens held by the caller.
// POST /api/v1/ledger/burn
func handleBurn(l *ledger.Memory, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if caller.IsZero() {
			writeFailure(w, r, logger, escrow.ErrUnauthorized)
			return
		}
		var req burnRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := l.Burn(caller, req.Amount); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, ledger.Balance{Identity: caller, Amount: l.BalanceOf(caller)}, http.StatusOK)
	})
}

type approveRequest struct {
	Spender account.Identity `json:"spender"`
	Amount  decimal.Decimal  `json:"amount"`
}

// handleApprove sets the caller's allowance for a spender. An omitted
// spender means the escrow custody identity.
// POST /api/v1/ledger/approve
func handleApprove(l *ledger.Memory, escrowID account.Identity, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if caller.IsZero() {
			writeFailure(w, r, logger, escrow.ErrUnauthorized)
			return
		}
		var req approveRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		spender := escrowID
		if !req.Spender.IsZero() {
			if spender, err = account.Parse(req.Spender.String()); err != nil {
				writeFailure(w, r, logger, err)
				return
			}
		}
		if err := l.Approve(caller, spender, req.Amount); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, map[string]any{
			"owner":     caller,
			"spender":   spender,
			"allowance": l.Allowance(caller, spender),
		}, http.StatusOK)
	})
}

// handleGetBalance returns an identity's balance and its allowance to escrow.
// GET /api/v1/ledger/balances/{identity}
func handleGetBalance(l *ledger.Memory, escrowID account.Identity, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := identityParam(r, "identity")
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, map[string]any{
			"identity":         who,
			"balance":          l.BalanceOf(who),
			"escrow_allowance": l.Allowance(who, escrowID),
		}, http.StatusOK)
	})
}

// handleListBalances returns every non-zero balance and the total supply.
// GET /api/v1/ledger/balances
func handleListBalances(l *ledger.Memory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"balances":     l.Balances(),
			"total_supply": l.TotalSupply(),
		}, http.StatusOK)
	})
}

// Access guard admin

type pauseFunc func(caller account.Identity) error

// handlePause serves pause and unpause. Owner only.
// POST /api/v1/admin/{pause|unpause}
func handlePause(guard *access.Guard, set pauseFunc, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := set(caller); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, map[string]bool{"paused": guard.IsPaused()}, http.StatusOK)
	})
}

type roleRequest struct {
	Identity account.Identity `json:"identity"`
	Role     string           `json:"role"`
}

type roleFunc func(caller, id account.Identity, role access.Role) error

// handleRoleChange serves grant and revoke. Owner only.
// POST /api/v1/admin/roles/{grant|revoke}
func handleRoleChange(guard *access.Guard, change roleFunc, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var req roleRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		who, err := account.Parse(req.Identity.String())
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		role, err := access.ParseRole(req.Role)
		if err != nil {
			writeFailure(w, r, logger, errorf("%v", err))
			return
		}
		if err := change(caller, who, role); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeRoles(w, guard, who)
	})
}

// handleGetRoles lists the roles held by an identity.
// GET /api/v1/admin/roles/{identity}
func handleGetRoles(guard *access.Guard, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := identityParam(r, "identity")
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeRoles(w, guard, who)
	})
}

func writeRoles(w http.ResponseWriter, guard *access.Guard, who account.Identity) {
	roles := guard.Roles(who)
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = role.String()
	}
	writeJSON(w, map[string]any{"identity": who, "roles": names}, http.StatusOK)
}

// Fees

// handleGetFees returns the current rates.
// GET /api/v1/fees
func handleGetFees(fees *fee.Policy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fees.Rates(), http.StatusOK)
	})
}

// handleSetFees replaces the rates. Operator only.
// PUT /api/v1/fees
func handleSetFees(fees *fee.Policy, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var rates fee.Rates
		if err := decodeBody(w, r, &rates); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := fees.SetRates(r.Context(), caller, rates); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, fees.Rates(), http.StatusOK)
	})
}

// handleQuote prices an amount without opening a transaction.
// GET /api/v1/fees/quote?amount=X&kind=order|transfer
func handleQuote(fees *fee.Policy, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
		if err != nil || !amount.IsPositive() {
			writeFailure(w, r, logger, errorf("amount must be a positive decimal"))
			return
		}
		kind := fee.KindOrder
		switch r.URL.Query().Get("kind") {
		case "", "order":
		case "transfer":
			kind = fee.KindTransfer
		default:
			writeFailure(w, r, logger, errorf("kind must be 'order' or 'transfer'"))
			return
		}
		q := fees.Quote(amount, kind)
		writeJSON(w, map[string]any{
			"amount":       amount,
			"agent_fee":    q.AgentFee,
			"treasury_fee": q.TreasuryFee,
			"total_amount": amount.Add(q.Total()),
		}, http.StatusOK)
	})
}

// Store inspection

// StoreReader is the read side of a persistent escrow store.
type StoreReader interface {
	ListTransactions(ctx context.Context, f db.ListFilter) ([]escrow.Transaction, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

// handleStoreStats reports what the persistent store holds.
// GET /api/v1/store/stats
func handleStoreStats(store StoreReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := store.Stats(r.Context())
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, st, http.StatusOK)
	})
}

// handleStoreTransactions queries persisted transactions, including
// terminal ones that fell out of the open-requests list.
// GET /api/v1/store/transactions?status=S&identity=I&limit=N&offset=N
func handleStoreTransactions(store StoreReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, limit, err := pageParams(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		f := db.ListFilter{Limit: limit, Offset: offset}
		if s := r.URL.Query().Get("status"); s != "" {
			st, err := escrow.ParseStatus(s)
			if err != nil {
				writeFailure(w, r, logger, errorf("%v", err))
				return
			}
			f.Status = &st
		}
		if s := r.URL.Query().Get("identity"); s != "" {
			id, err := account.Parse(s)
			if err != nil {
				writeFailure(w, r, logger, err)
				return
			}
			f.Identity = id
		}
		txs, err := store.ListTransactions(r.Context(), f)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, map[string]any{
			"transactions": txs,
			"count":        len(txs),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}
