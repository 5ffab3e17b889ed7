package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/urfave/cli/v2"
)

// storeReader is the read side shared by the Postgres and SQLite stores.
type storeReader interface {
	GetTransaction(ctx context.Context, id uint64) (*escrow.Transaction, error)
	ListTransactions(ctx context.Context, f db.ListFilter) ([]escrow.Transaction, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

func dbStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show what the persistent store holds",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			st, err := store.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to read store stats: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, st)
			}

			fmt.Fprintf(stdout, "Transactions:     %d\n", st.Transactions)
			statuses := make([]string, 0, len(st.ByStatus))
			for s := range st.ByStatus {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(stdout, "  %-14s  %d\n", s, st.ByStatus[s])
			}
			fmt.Fprintf(stdout, "Earnings Holders: %d\n", st.EarningsHolder)
			fmt.Fprintf(stdout, "History Entries:  %d\n", st.HistoryEntries)
			fmt.Fprintf(stdout, "Next Tx ID:       %d\n", st.NextTxID)
			fmt.Fprintf(stdout, "Retained:         %s\n", st.Retained)
			return nil
		},
	}
}

func dbListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List persisted transactions, including terminal ones",
		Aliases: []string{"ls"},
		Flags: append(pageFlags(),
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status (requested, paired, disputed, completed, ...)"},
			&cli.StringFlag{Name: "party", Aliases: []string{"p"}, Usage: "Filter by client or agent identity"},
		),
		Action: func(c *cli.Context) error {
			f := db.ListFilter{Limit: c.Int("limit"), Offset: c.Int("offset")}
			if s := c.String("status"); s != "" {
				st, err := escrow.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Status = &st
			}
			if s := c.String("party"); s != "" {
				id, err := account.Parse(s)
				if err != nil {
					return err
				}
				f.Identity = id
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txs, err := store.ListTransactions(context.Background(), f)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			if wantsJSON(c) {
				return outputJSON(c, txs)
			}
			printTransactionTable(txs)
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txs))
			return nil
		},
	}
}

func dbGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Show one persisted transaction",
		Aliases:   []string{"get"},
		ArgsUsage: "TX_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}
			id, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid transaction id %q", c.Args().First())
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			tx, err := store.GetTransaction(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			return outputTransaction(c, tx)
		},
	}
}

// getStore connects to Postgres when a database URL is set, otherwise to
// the SQLite file at --sqlite-path.
func getStore(c *cli.Context) (storeReader, func(), error) {
	ctx := context.Background()

	if dbURL := c.String("database-url"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return db.NewPostgresStore(pool, nil), pool.Close, nil
	}

	if path := c.String("sqlite-path"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, fmt.Errorf("sqlite database %q: %w", path, err)
		}
		store, err := db.OpenSQLite(path, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	return nil, nil, fmt.Errorf("a store is required (set DATABASE_URL or SQLITE_PATH, or use --database-url / --sqlite-path)")
}
