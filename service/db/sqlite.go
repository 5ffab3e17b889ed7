package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// Money is stored as TEXT so decimal values round-trip exactly.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS escrow_transactions (
		id                  INTEGER PRIMARY KEY,
		tx_type             INTEGER NOT NULL,
		status              INTEGER NOT NULL,
		client_account      TEXT NOT NULL DEFAULT '',
		agent_account       TEXT NOT NULL DEFAULT '',
		amount              TEXT NOT NULL,
		agent_fee           TEXT NOT NULL,
		treasury_fee        TEXT NOT NULL,
		total_amount        TEXT NOT NULL,
		net_amount          TEXT NOT NULL,
		currency_code       TEXT NOT NULL,
		conversion_rate     TEXT NOT NULL,
		payment_method      TEXT NOT NULL DEFAULT '',
		client_name         TEXT NOT NULL DEFAULT '',
		client_phone_number TEXT NOT NULL DEFAULT '',
		agent_name          TEXT NOT NULL DEFAULT '',
		agent_phone_number  TEXT NOT NULL DEFAULT '',
		client_key          TEXT NOT NULL DEFAULT '',
		agent_key           TEXT NOT NULL DEFAULT '',
		ref_number          TEXT NOT NULL,
		client_approved     INTEGER NOT NULL DEFAULT 0,
		agent_approved      INTEGER NOT NULL DEFAULT 0,
		request_index       INTEGER NOT NULL DEFAULT -1,
		funded              INTEGER NOT NULL DEFAULT 0,
		reason              TEXT NOT NULL DEFAULT '',
		resolution          TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_status ON escrow_transactions(status, request_index)`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_client ON escrow_transactions(client_account)`,
	`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_agent ON escrow_transactions(agent_account)`,
	`CREATE TABLE IF NOT EXISTS escrow_earnings (
		identity     TEXT PRIMARY KEY,
		total_earned TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escrow_history (
		identity TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		tx_id    INTEGER NOT NULL REFERENCES escrow_transactions(id),
		PRIMARY KEY (identity, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS escrow_meta (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		next_tx_id INTEGER NOT NULL,
		retained   TEXT NOT NULL
	)`,
}

var sqliteUpsertTransaction = `INSERT INTO escrow_transactions (` + txColumns + `)
VALUES (` + strings.TrimSuffix(strings.Repeat("?,", 28), ",") + `)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	client_account = excluded.client_account,
	agent_account = excluded.agent_account,
	conversion_rate = excluded.conversion_rate,
	client_name = excluded.client_name,
	client_phone_number = excluded.client_phone_number,
	agent_name = excluded.agent_name,
	agent_phone_number = excluded.agent_phone_number,
	client_key = excluded.client_key,
	agent_key = excluded.agent_key,
	client_approved = excluded.client_approved,
	agent_approved = excluded.agent_approved,
	request_index = excluded.request_index,
	funded = excluded.funded,
	reason = excluded.reason,
	resolution = excluded.resolution,
	updated_at = excluded.updated_at`

// SQLiteStore persists escrow state in a SQLite file. It suits single-node
// deployments and tests.
type SQLiteStore struct {
	db  *sql.DB
	rec QueryRecorder
}

// OpenSQLite opens (or creates) the database at path and creates the escrow
// tables. Pass ":memory:" for a private in-memory database.
func OpenSQLite(path string, rec QueryRecorder) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; an in-memory database also only exists per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create escrow schema: %w", err)
		}
	}

	if rec == nil {
		rec = nopRecorder{}
	}
	return &SQLiteStore{db: db, rec: rec}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func formatTime(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLiteStore) observe(op, table string, start time.Time, err error) {
	s.rec.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
}

// Load implements escrow.Store.
func (s *SQLiteStore) Load(ctx context.Context) (snap *escrow.Snapshot, err error) {
	start := time.Now()
	defer func() { s.observe("load", "escrow_transactions", start, err) }()

	snap = &escrow.Snapshot{NextTxID: 1}

	var (
		nextID   int64
		retained string
	)
	err = s.db.QueryRowContext(ctx, `SELECT next_tx_id, retained FROM escrow_meta WHERE id = 1`).Scan(&nextID, &retained)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return nil, fmt.Errorf("load escrow meta: %w", err)
	default:
		snap.NextTxID = uint64(nextID)
		if snap.Retained, err = parseDecimal("retained", retained); err != nil {
			return nil, err
		}
	}

	if snap.Transactions, err = s.queryTransactions(ctx, `SELECT `+txColumns+` FROM escrow_transactions ORDER BY id`); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT identity, total_earned FROM escrow_earnings ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("load earnings: %w", err)
	}
	for rows.Next() {
		var id, total string
		if err = rows.Scan(&id, &total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan earnings: %w", err)
		}
		d, perr := parseDecimal("total_earned", total)
		if perr != nil {
			rows.Close()
			return nil, perr
		}
		snap.Earnings = append(snap.Earnings, earnings.Record{Identity: account.Identity(id), TotalEarned: d})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load earnings: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT identity, seq, tx_id FROM escrow_history ORDER BY identity, seq`)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			h    escrow.HistoryEntry
			id   string
			txID int64
		)
		if err = rows.Scan(&id, &h.Seq, &txID); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Identity = account.Identity(id)
		h.TxID = uint64(txID)
		snap.History = append(snap.History, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return snap, nil
}

// Apply implements escrow.Store.
func (s *SQLiteStore) Apply(ctx context.Context, batch *escrow.Batch) (err error) {
	start := time.Now()
	defer func() { s.observe("apply", "escrow_transactions", start, err) }()

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback()

	for _, tx := range batch.Transactions {
		if _, err = dbtx.ExecContext(ctx, sqliteUpsertTransaction, rowFromDomain(tx).args(formatTime)...); err != nil {
			return fmt.Errorf("upsert transaction %d: %w", tx.ID, err)
		}
	}
	now := formatTime(time.Now())
	for _, e := range batch.Earnings {
		_, err = dbtx.ExecContext(ctx, `INSERT INTO escrow_earnings (identity, total_earned, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (identity) DO UPDATE SET total_earned = excluded.total_earned, updated_at = excluded.updated_at`,
			e.Identity.String(), e.TotalEarned.String(), now)
		if err != nil {
			return fmt.Errorf("upsert earnings for %s: %w", e.Identity, err)
		}
	}
	for _, h := range batch.History {
		_, err = dbtx.ExecContext(ctx, `INSERT INTO escrow_history (identity, seq, tx_id) VALUES (?, ?, ?)`,
			h.Identity.String(), h.Seq, int64(h.TxID))
		if err != nil {
			return fmt.Errorf("append history for %s: %w", h.Identity, err)
		}
	}
	_, err = dbtx.ExecContext(ctx, `INSERT INTO escrow_meta (id, next_tx_id, retained) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET next_tx_id = excluded.next_tx_id, retained = excluded.retained`,
		int64(batch.NextTxID), batch.Retained.String())
	if err != nil {
		return fmt.Errorf("update escrow meta: %w", err)
	}

	if err = dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, query string, args ...any) ([]escrow.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []escrow.Transaction
	for rows.Next() {
		var (
			r                txRow
			created, updated string
		)
		if err := rows.Scan(r.dests(&created, &updated)...); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("transaction %d: invalid created_at: %w", r.ID, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("transaction %d: invalid updated_at: %w", r.ID, err)
		}
		tx, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	return out, nil
}

// GetTransaction returns one persisted transaction.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE id = ?`, int64(id))
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: %d", escrow.ErrNotFound, id)
	}
	return &txs[0], nil
}

// ListTransactions returns persisted transactions, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, f ListFilter) ([]escrow.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, int(*f.Status))
	}
	if !f.Identity.IsZero() {
		where = append(where, "(client_account = ? OR agent_account = ?)")
		args = append(args, f.Identity.String(), f.Identity.String())
	}
	query := `SELECT ` + txColumns + ` FROM escrow_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	return s.queryTransactions(ctx, query, args...)
}

// Stats summarizes persisted state.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: make(map[string]int), NextTxID: 1, Retained: decimal.Zero}

	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM escrow_transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		st.ByStatus[escrow.Status(status).String()] = n
		st.Transactions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM escrow_earnings`).Scan(&st.EarningsHolder); err != nil {
		return nil, fmt.Errorf("count earnings: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM escrow_history`).Scan(&st.HistoryEntries); err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}

	var (
		nextID   int64
		retained string
	)
	err = s.db.QueryRowContext(ctx, `SELECT next_tx_id, retained FROM escrow_meta WHERE id = 1`).Scan(&nextID, &retained)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read escrow meta: %w", err)
	}
	if err == nil {
		st.NextTxID = uint64(nextID)
		if st.Retained, err = parseDecimal("retained", retained); err != nil {
			return nil, err
		}
	}
	return st, nil
}
