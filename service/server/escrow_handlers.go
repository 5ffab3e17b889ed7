package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/shopspring/decimal"
)

type createdResponse struct {
	ID uint64 `json:"id"`
}

// handleInitiateDeposit opens a deposit request for the caller.
// POST /api/v1/deposits
func handleInitiateDeposit(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var req escrow.DepositRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		id, err := engine.InitiateDeposit(r.Context(), caller, req)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, createdResponse{ID: id}, http.StatusCreated)
	})
}

// handleInitiateWithdrawal opens a withdrawal request for the calling agent.
// POST /api/v1/withdrawals
func handleInitiateWithdrawal(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var req escrow.WithdrawalRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		id, err := engine.InitiateWithdrawal(r.Context(), caller, req)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, createdResponse{ID: id}, http.StatusCreated)
	})
}

// handleAcceptDeposit pairs the calling agent with a deposit.
// POST /api/v1/deposits/{id}/accept
func handleAcceptDeposit(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, id, err := callerAndID(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var info escrow.AgentInfo
		if err := decodeOptionalBody(w, r, &info); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := engine.AcceptDeposit(r.Context(), caller, id, info); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeTransaction(w, r, engine, logger, id)
	})
}

// handleAcceptWithdrawal pairs the calling client with a withdrawal.
// POST /api/v1/withdrawals/{id}/accept
func handleAcceptWithdrawal(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, id, err := callerAndID(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var info escrow.ClientInfo
		if err := decodeOptionalBody(w, r, &info); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := engine.AcceptWithdrawal(r.Context(), caller, id, info); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeTransaction(w, r, engine, logger, id)
	})
}

type confirmFunc func(ctx context.Context, caller account.Identity, id uint64) error

// handleConfirm records the caller's payment confirmation.
// POST /api/v1/transactions/{id}/confirm/{client|agent}
func handleConfirm(engine *escrow.Engine, confirm confirmFunc, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, id, err := callerAndID(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := confirm(r.Context(), caller, id); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeTransaction(w, r, engine, logger, id)
	})
}

type noteRequest struct {
	Reason     string `json:"reason"`
	Resolution string `json:"resolution"`
}

type noteFunc func(ctx context.Context, caller account.Identity, id uint64, note string) error

// handleNote serves the transitions that carry a single free-text note:
// cancel and dispute take a reason, claim and void a resolution.
func handleNote(engine *escrow.Engine, apply noteFunc, useResolution bool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, id, err := callerAndID(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var req noteRequest
		if err := decodeOptionalBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		note := req.Reason
		if useResolution {
			note = req.Resolution
		}
		if err := apply(r.Context(), caller, id, note); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeTransaction(w, r, engine, logger, id)
	})
}

type refundRequest struct {
	ClientAmount decimal.Decimal `json:"client_amount"`
	AgentAmount  decimal.Decimal `json:"agent_amount"`
	Resolution   string          `json:"resolution"`
}

// handleRefund splits a claimed transaction between the parties.
// POST /api/v1/transactions/{id}/refund
func handleRefund(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, id, err := callerAndID(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var req refundRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := engine.RefundTransaction(r.Context(), caller, id, req.ClientAmount, req.AgentAmount, req.Resolution); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeTransaction(w, r, engine, logger, id)
	})
}

type transferFunc func(ctx context.Context, caller account.Identity, req escrow.TransferRequest) (uint64, error)

// handleTransfer serves Send and Credit.
// POST /api/v1/transfers/{send|credit}
func handleTransfer(transfer transferFunc, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		var req escrow.TransferRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if !req.To.IsZero() {
			if _, err := account.Parse(req.To.String()); err != nil {
				writeFailure(w, r, logger, errorf("invalid to: %v", err))
				return
			}
		}
		id, err := transfer(r.Context(), caller, req)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, createdResponse{ID: id}, http.StatusCreated)
	})
}

// handleGetTransaction returns one transaction.
// GET /api/v1/transactions/{id}
func handleGetTransaction(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := txIDParam(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeTransaction(w, r, engine, logger, id)
	})
}

// handleListRequests pages through open requests, oldest slot first.
// GET /api/v1/requests?offset=N&limit=N
func handleListRequests(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, limit, err := pageParams(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		txs := engine.ListRequests(offset, limit)
		writeJSON(w, map[string]any{
			"requests": txs,
			"count":    len(txs),
			"total":    engine.GetRequestsLength(),
			"limit":    limit,
			"offset":   offset,
		}, http.StatusOK)
	})
}

// handleListHistory pages through the transactions an identity took part in.
// GET /api/v1/accounts/{identity}/history?offset=N&limit=N
func handleListHistory(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := identityParam(r, "identity")
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		offset, limit, err := pageParams(r)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		txs := engine.ListAccountHistory(who, offset, limit)
		writeJSON(w, map[string]any{
			"identity":     who,
			"transactions": txs,
			"count":        len(txs),
			"total":        engine.GetAccountHistoryLength(who),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// handleGetEarnings returns the cumulative fee earnings of one identity.
// GET /api/v1/accounts/{identity}/earnings
func handleGetEarnings(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := identityParam(r, "identity")
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		writeJSON(w, engine.GetEarnings(who), http.StatusOK)
	})
}

// handleListEarnings returns every earnings record.
// GET /api/v1/earnings
func handleListEarnings(engine *escrow.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all := engine.AllEarnings()
		writeJSON(w, map[string]any{"earnings": all, "count": len(all)}, http.StatusOK)
	})
}

// handleSummary reports custody accounting.
// GET /api/v1/summary
func handleSummary(engine *escrow.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, engine.EscrowSummary(), http.StatusOK)
	})
}

func callerAndID(r *http.Request) (account.Identity, uint64, error) {
	caller, err := callerFrom(r)
	if err != nil {
		return account.None, 0, err
	}
	id, err := txIDParam(r)
	if err != nil {
		return account.None, 0, err
	}
	return caller, id, nil
}

func writeTransaction(w http.ResponseWriter, r *http.Request, engine *escrow.Engine, logger *slog.Logger, id uint64) {
	tx, err := engine.GetTransactionByID(id)
	if err != nil {
		writeFailure(w, r, logger, err)
		return
	}
	writeJSON(w, tx, http.StatusOK)
}
