package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/sargo-finance/sargo/client"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

// wantsJSON reports whether output should be JSON.
func wantsJSON(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// outputJSON writes v as indented JSON, or the results of the --jq
// expression applied to it.
func outputJSON(c *cli.Context, v any) error {
	expr := c.String("jq")
	if expr == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	code, err := compileJQ(expr)
	if err != nil {
		return err
	}
	results, err := runJQ(code, v)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	for _, r := range results {
		if s, ok := r.(string); ok {
			fmt.Fprintln(stdout, s)
			continue
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// runJQ runs code against v after normalising v through JSON, since gojq
// only accepts plain maps, slices and scalars.
func runJQ(code *gojq.Code, v any) ([]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to normalise output: %w", err)
	}

	var out []any
	iter := code.Run(input)
	for {
		r, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := r.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, r)
	}
}

// matchJQ reports whether code yields a truthy first result for v.
func matchJQ(code *gojq.Code, v any) bool {
	results, err := runJQ(code, v)
	if err != nil || len(results) == 0 {
		return false
	}
	return isTruthy(results[0])
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// apiClient builds an escrow API client acting as --identity.
func apiClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SARGO_SERVER_URL env var or use --server-url)")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	cl := client.NewClient(serverURL, nil, logger)

	if s := c.String("identity"); s != "" {
		id, err := account.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("--identity: %w", err)
		}
		cl = cl.WithIdentity(id)
	}
	return cl, nil
}

func requireIdentity(cl *client.Client) error {
	if cl.Identity().IsZero() {
		return fmt.Errorf("this command acts on behalf of an identity (set SARGO_IDENTITY or use --identity)")
	}
	return nil
}

func parseTxID(c *cli.Context) (uint64, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("transaction id is required")
	}
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid transaction id %q", c.Args().First())
	}
	return id, nil
}

func parseAmount(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}

func parseIdentityArg(c *cli.Context, what string) (account.Identity, error) {
	if c.NArg() < 1 {
		return account.None, fmt.Errorf("%s is required", what)
	}
	return account.Parse(c.Args().First())
}

// printTransactionDetailed prints a single transaction with all details.
func printTransactionDetailed(tx *escrow.Transaction) {
	fmt.Fprintln(stdout, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(stdout, "Transaction:     %d (%s)\n", tx.ID, tx.TxType)
	fmt.Fprintf(stdout, "Status:          %s\n", tx.Status)
	fmt.Fprintf(stdout, "Client:          %s\n", formatIdentity(tx.ClientAccount))
	fmt.Fprintf(stdout, "Agent:           %s\n", formatIdentity(tx.AgentAccount))
	fmt.Fprintf(stdout, "Amount:          %s\n", tx.Amount)
	fmt.Fprintf(stdout, "Agent Fee:       %s\n", tx.AgentFee)
	fmt.Fprintf(stdout, "Treasury Fee:    %s\n", tx.TreasuryFee)
	fmt.Fprintf(stdout, "Total:           %s\n", tx.TotalAmount)
	fmt.Fprintf(stdout, "Fiat:            %s @ %s via %s\n", tx.CurrencyCode, tx.ConversionRate, tx.PaymentMethod)
	fmt.Fprintf(stdout, "Approvals:       client=%v agent=%v\n", tx.ClientApproved, tx.AgentApproved)
	if tx.Reason != "" {
		fmt.Fprintf(stdout, "Reason:          %s\n", tx.Reason)
	}
	if tx.Resolution != "" {
		fmt.Fprintf(stdout, "Resolution:      %s\n", tx.Resolution)
	}
	fmt.Fprintf(stdout, "Created At:      %s\n", tx.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "Updated At:      %s\n", tx.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintln(stdout, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// printTransactionTable prints one row per transaction.
func printTransactionTable(txs []escrow.Transaction) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tAMOUNT\tTOTAL\tCURRENCY\tCLIENT\tAGENT\tUPDATED")
	for _, tx := range txs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.ID,
			tx.TxType,
			tx.Status,
			tx.Amount,
			tx.TotalAmount,
			tx.CurrencyCode,
			formatIdentity(tx.ClientAccount),
			formatIdentity(tx.AgentAccount),
			tx.UpdatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func formatIdentity(id account.Identity) string {
	if id.IsZero() {
		return "-"
	}
	return id.Short()
}

// outputTransaction prints tx as JSON or in detail.
func outputTransaction(c *cli.Context, tx *escrow.Transaction) error {
	if wantsJSON(c) {
		return outputJSON(c, tx)
	}
	printTransactionDetailed(tx)
	return nil
}
