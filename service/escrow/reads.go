package escrow

import (
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
)

// GetTransactionByID returns a copy of the transaction.
func (e *Engine) GetTransactionByID(id uint64) (Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	return *tx, nil
}

// GetEarnings returns id's accumulated fees. Unknown identities have a zero
// total.
func (e *Engine) GetEarnings(id account.Identity) earnings.Record {
	return e.earnings.Get(id)
}

// AllEarnings returns every earnings record.
func (e *Engine) AllEarnings() []earnings.Record {
	return e.earnings.All()
}

// GetRequestsLength returns the number of open requests.
func (e *Engine) GetRequestsLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// GetAccountHistoryLength returns how many transactions id has taken part in.
func (e *Engine) GetAccountHistoryLength(id account.Identity) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history[id])
}

// ListRequests returns open requests in open-requests order. A limit of zero
// or less returns everything after offset.
func (e *Engine) ListRequests(offset, limit int) []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collect(e.requests, offset, limit)
}

// ListAccountHistory returns id's transactions, oldest first.
func (e *Engine) ListAccountHistory(id account.Identity, offset, limit int) []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collect(e.history[id], offset, limit)
}

func (e *Engine) collect(ids []uint64, offset, limit int) []Transaction {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return []Transaction{}
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		if tx, ok := e.txs[id]; ok {
			out = append(out, *tx)
		}
	}
	return out
}

// EscrowSummary reports custody accounting.
func (e *Engine) EscrowSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	custody := e.ledger.BalanceOf(e.cfg.Escrow)
	return Summary{
		Escrow:       e.cfg.Escrow,
		Treasury:     e.cfg.Treasury,
		Held:         e.held,
		Retained:     e.retained,
		Custody:      custody,
		Float:        custody.Sub(e.held),
		OpenRequests: len(e.requests),
		NextTxID:     e.nextTxID,
	}
}
