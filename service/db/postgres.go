package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/shopspring/decimal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS escrow_transactions (
	id                  BIGINT PRIMARY KEY,
	tx_type             SMALLINT NOT NULL,
	status              SMALLINT NOT NULL,
	client_account      TEXT NOT NULL DEFAULT '',
	agent_account       TEXT NOT NULL DEFAULT '',
	amount              NUMERIC(78, 18) NOT NULL,
	agent_fee           NUMERIC(78, 18) NOT NULL,
	treasury_fee        NUMERIC(78, 18) NOT NULL,
	total_amount        NUMERIC(78, 18) NOT NULL,
	net_amount          NUMERIC(78, 18) NOT NULL,
	currency_code       TEXT NOT NULL,
	conversion_rate     NUMERIC(78, 18) NOT NULL,
	payment_method      TEXT NOT NULL DEFAULT '',
	client_name         TEXT NOT NULL DEFAULT '',
	client_phone_number TEXT NOT NULL DEFAULT '',
	agent_name          TEXT NOT NULL DEFAULT '',
	agent_phone_number  TEXT NOT NULL DEFAULT '',
	client_key          TEXT NOT NULL DEFAULT '',
	agent_key           TEXT NOT NULL DEFAULT '',
	ref_number          TEXT NOT NULL,
	client_approved     BOOLEAN NOT NULL DEFAULT FALSE,
	agent_approved      BOOLEAN NOT NULL DEFAULT FALSE,
	request_index       INTEGER NOT NULL DEFAULT -1,
	funded              BOOLEAN NOT NULL DEFAULT FALSE,
	reason              TEXT NOT NULL DEFAULT '',
	resolution          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_transactions_open
	ON escrow_transactions (request_index) WHERE status = 0;
CREATE INDEX IF NOT EXISTS idx_escrow_transactions_client ON escrow_transactions (client_account);
CREATE INDEX IF NOT EXISTS idx_escrow_transactions_agent ON escrow_transactions (agent_account);

CREATE TABLE IF NOT EXISTS escrow_earnings (
	identity     TEXT PRIMARY KEY,
	total_earned NUMERIC(78, 18) NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS escrow_history (
	identity TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	tx_id    BIGINT NOT NULL REFERENCES escrow_transactions (id),
	PRIMARY KEY (identity, seq)
);

CREATE TABLE IF NOT EXISTS escrow_meta (
	id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	next_tx_id BIGINT NOT NULL,
	retained   NUMERIC(78, 18) NOT NULL
);
`

// pgSelectColumns mirrors txColumns with numeric columns cast to text so
// they decode exactly into decimal.Decimal.
const pgSelectColumns = `id, tx_type, status, client_account, agent_account,
	amount::text, agent_fee::text, treasury_fee::text, total_amount::text, net_amount::text,
	currency_code, conversion_rate::text, payment_method,
	client_name, client_phone_number, agent_name, agent_phone_number,
	client_key, agent_key, ref_number,
	client_approved, agent_approved, request_index, funded,
	reason, resolution, created_at, updated_at`

const pgUpsertTransaction = `INSERT INTO escrow_transactions (` + txColumns + `)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric,
	$11, $12::numeric, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	client_account = EXCLUDED.client_account,
	agent_account = EXCLUDED.agent_account,
	conversion_rate = EXCLUDED.conversion_rate,
	client_name = EXCLUDED.client_name,
	client_phone_number = EXCLUDED.client_phone_number,
	agent_name = EXCLUDED.agent_name,
	agent_phone_number = EXCLUDED.agent_phone_number,
	client_key = EXCLUDED.client_key,
	agent_key = EXCLUDED.agent_key,
	client_approved = EXCLUDED.client_approved,
	agent_approved = EXCLUDED.agent_approved,
	request_index = EXCLUDED.request_index,
	funded = EXCLUDED.funded,
	reason = EXCLUDED.reason,
	resolution = EXCLUDED.resolution,
	updated_at = EXCLUDED.updated_at`

// PostgresStore persists escrow state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	rec  QueryRecorder
}

// NewPostgresStore wraps an open pool. rec may be nil.
func NewPostgresStore(pool *pgxpool.Pool, rec QueryRecorder) *PostgresStore {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &PostgresStore{pool: pool, rec: rec}
}

// Migrate creates the escrow tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create escrow schema: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) observe(op, table string, start time.Time, err error) {
	s.rec.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
}

// Load implements escrow.Store.
func (s *PostgresStore) Load(ctx context.Context) (snap *escrow.Snapshot, err error) {
	start := time.Now()
	defer func() { s.observe("load", "escrow_transactions", start, err) }()

	snap = &escrow.Snapshot{NextTxID: 1}

	var (
		nextID   int64
		retained string
	)
	err = s.pool.QueryRow(ctx, `SELECT next_tx_id, retained::text FROM escrow_meta WHERE id = 1`).
		Scan(&nextID, &retained)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load escrow meta: %w", err)
	default:
		snap.NextTxID = uint64(nextID)
		if snap.Retained, err = parseDecimal("retained", retained); err != nil {
			return nil, err
		}
	}

	if snap.Transactions, err = s.queryTransactions(ctx, `SELECT `+pgSelectColumns+` FROM escrow_transactions ORDER BY id`); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT identity, total_earned::text FROM escrow_earnings ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("failed to load earnings: %w", err)
	}
	for rows.Next() {
		var id, total string
		if err = rows.Scan(&id, &total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan earnings: %w", err)
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
		return nil, fmt.Errorf("failed to load earnings: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT identity, seq, tx_id FROM escrow_history ORDER BY identity, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h escrow.HistoryEntry
		var id string
		var txID int64
		if err = rows.Scan(&id, &h.Seq, &txID); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.Identity = account.Identity(id)
		h.TxID = uint64(txID)
		snap.History = append(snap.History, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return snap, nil
}

// Apply implements escrow.Store. The batch is written in one database
// transaction.
func (s *PostgresStore) Apply(ctx context.Context, batch *escrow.Batch) (err error) {
	start := time.Now()
	defer func() { s.observe("apply", "escrow_transactions", start, err) }()

	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback(ctx)
		}
	}()

	b := &pgx.Batch{}
	for _, tx := range batch.Transactions {
		b.Queue(pgUpsertTransaction, rowFromDomain(tx).args(func(t time.Time) any { return t })...)
	}
	for _, e := range batch.Earnings {
		b.Queue(`INSERT INTO escrow_earnings (identity, total_earned, updated_at)
			VALUES ($1, $2::numeric, now())
			ON CONFLICT (identity) DO UPDATE SET total_earned = EXCLUDED.total_earned, updated_at = now()`,
			e.Identity.String(), e.TotalEarned.String())
	}
	for _, h := range batch.History {
		b.Queue(`INSERT INTO escrow_history (identity, seq, tx_id) VALUES ($1, $2, $3)`,
			h.Identity.String(), h.Seq, int64(h.TxID))
	}
	b.Queue(`INSERT INTO escrow_meta (id, next_tx_id, retained) VALUES (1, $1, $2::numeric)
		ON CONFLICT (id) DO UPDATE SET next_tx_id = EXCLUDED.next_tx_id, retained = EXCLUDED.retained`,
		int64(batch.NextTxID), batch.Retained.String())

	if err = dbtx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to write escrow batch: %w", err)
	}
	if err = dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit escrow batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]escrow.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []escrow.Transaction
	for rows.Next() {
		var r txRow
		if err := rows.Scan(r.dests(&r.CreatedAt, &r.UpdatedAt)...); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return out, nil
}

// GetTransaction returns one persisted transaction.
func (s *PostgresStore) GetTransaction(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+pgSelectColumns+` FROM escrow_transactions WHERE id = $1`, int64(id))
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: %d", escrow.ErrNotFound, id)
	}
	return &txs[0], nil
}

// ListTransactions returns persisted transactions, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, f ListFilter) ([]escrow.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, int(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.Identity.IsZero() {
		args = append(args, f.Identity.String())
		where = append(where, fmt.Sprintf("(client_account = $%d OR agent_account = $%d)", len(args), len(args)))
	}
	query := `SELECT ` + pgSelectColumns + ` FROM escrow_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryTransactions(ctx, query, args...)
}

// Stats summarizes persisted state.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: make(map[string]int), NextTxID: 1, Retained: decimal.Zero}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM escrow_transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		st.ByStatus[escrow.Status(status).String()] = n
		st.Transactions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM escrow_earnings`).Scan(&st.EarningsHolder); err != nil {
		return nil, fmt.Errorf("failed to count earnings: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM escrow_history`).Scan(&st.HistoryEntries); err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}

	var (
		nextID   int64
		retained string
	)
	err = s.pool.QueryRow(ctx, `SELECT next_tx_id, retained::text FROM escrow_meta WHERE id = 1`).Scan(&nextID, &retained)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read escrow meta: %w", err)
	}
	if err == nil {
		st.NextTxID = uint64(nextID)
		if st.Retained, err = parseDecimal("retained", retained); err != nil {
			return nil, err
		}
	}
	return st, nil
}
