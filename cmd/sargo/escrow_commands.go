package main

import (
	"context"
	"fmt"
	"os"

	"github.com/itchyny/gojq"
	"github.com/sargo-finance/sargo/client"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/urfave/cli/v2"
)

func escrowCommands() *cli.Command {
	return &cli.Command{
		Name:    "escrow",
		Aliases: []string{"tx"},
		Usage:   "Deposit and withdrawal lifecycle commands",
		Subcommands: []*cli.Command{
			orderCommand("deposit", "Open a deposit request (you pay fiat, receive tokens)"),
			orderCommand("withdraw", "Open a withdrawal request as an agent (you pay tokens, receive fiat)"),
			acceptCommand(),
			confirmCommand(),
			noteCommand("cancel", "reason", "Cancel an open or unconfirmed transaction", (*client.Client).Cancel),
			noteCommand("dispute", "reason", "Dispute a paired transaction", (*client.Client).Dispute),
			noteCommand("claim", "resolution", "Settle a disputed transaction in favour of the funder (arbiter)", (*client.Client).Claim),
			noteCommand("void", "resolution", "Void a disputed transaction (arbiter)", (*client.Client).Void),
			refundCommand(),
			getCommand(),
			requestsCommand(),
			historyCommand(),
			earningsCommand(),
			summaryCommand(),
		},
	}
}

func orderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Token amount", Required: true},
		&cli.StringFlag{Name: "currency", Aliases: []string{"c"}, Usage: "Fiat currency code", Required: true},
		&cli.StringFlag{Name: "rate", Aliases: []string{"r"}, Usage: "Fiat units per token", Required: true},
		&cli.StringFlag{Name: "method", Aliases: []string{"m"}, Usage: "Fiat payment method"},
		&cli.StringFlag{Name: "name", Usage: "Contact name shared with the counterparty"},
		&cli.StringFlag{Name: "phone", Usage: "Contact phone shared with the counterparty"},
		&cli.StringFlag{Name: "key", Usage: "Public key used to encrypt contact details"},
	}
}

func orderCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: orderFlags(),
		Action: func(c *cli.Context) error {
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			if err := requireIdentity(cl); err != nil {
				return err
			}
			amount, err := parseAmount("amount", c.String("amount"))
			if err != nil {
				return err
			}
			rate, err := parseAmount("rate", c.String("rate"))
			if err != nil {
				return err
			}

			ctx := context.Background()
			var id uint64
			if name == "deposit" {
				id, err = cl.InitiateDeposit(ctx, escrow.DepositRequest{
					Amount:            amount,
					CurrencyCode:      c.String("currency"),
					ConversionRate:    rate,
					PaymentMethod:     c.String("method"),
					ClientName:        c.String("name"),
					ClientPhoneNumber: c.String("phone"),
					ClientKey:         c.String("key"),
				})
			} else {
				id, err = cl.InitiateWithdrawal(ctx, escrow.WithdrawalRequest{
					Amount:           amount,
					CurrencyCode:     c.String("currency"),
					ConversionRate:   rate,
					PaymentMethod:    c.String("method"),
					AgentName:        c.String("name"),
					AgentPhoneNumber: c.String("phone"),
					AgentKey:         c.String("key"),
				})
			}
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", name, err)
			}

			if wantsJSON(c) {
				return outputJSON(c, map[string]uint64{"id": id})
			}
			fmt.Fprintf(stdout, "✓ %s request opened: %d\n", name, id)
			return nil
		},
	}
}

func acceptCommand() *cli.Command {
	return &cli.Command{
		Name:      "accept",
		Usage:     "Accept an open request as its counterparty",
		ArgsUsage: "TX_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Contact name shared with the counterparty"},
			&cli.StringFlag{Name: "phone", Usage: "Contact phone shared with the counterparty"},
			&cli.StringFlag{Name: "key", Usage: "Public key used to encrypt contact details"},
			&cli.StringFlag{Name: "rate", Usage: "Override the quoted conversion rate"},
		},
		Action: func(c *cli.Context) error {
			id, err := parseTxID(c)
			if err != nil {
				return err
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			if err := requireIdentity(cl); err != nil {
				return err
			}

			ctx := context.Background()
			current, err := cl.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			var rate = current.ConversionRate
			if s := c.String("rate"); s != "" {
				if rate, err = parseAmount("rate", s); err != nil {
					return err
				}
			}

			var tx *escrow.Transaction
			if current.TxType == escrow.Withdrawal {
				tx, err = cl.AcceptWithdrawal(ctx, id, escrow.ClientInfo{
					ClientName:        c.String("name"),
					ClientPhoneNumber: c.String("phone"),
					ClientKey:         c.String("key"),
					ConversionRate:    rate,
				})
			} else {
				tx, err = cl.AcceptDeposit(ctx, id, escrow.AgentInfo{
					AgentName:        c.String("name"),
					AgentPhoneNumber: c.String("phone"),
					AgentKey:         c.String("key"),
					ConversionRate:   rate,
				})
			}
			if err != nil {
				return fmt.Errorf("failed to accept transaction %d: %w", id, err)
			}
			return outputTransaction(c, tx)
		},
	}
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Confirm the fiat leg of a paired transaction",
		ArgsUsage: "TX_ID",
		Description: `Confirms as client or agent depending on which side of the transaction
the acting identity is on. Funds are released once both sides confirm.`,
		Action: func(c *cli.Context) error {
			id, err := parseTxID(c)
			if err != nil {
				return err
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			if err := requireIdentity(cl); err != nil {
				return err
			}

			ctx := context.Background()
			current, err := cl.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			var tx *escrow.Transaction
			switch cl.Identity() {
			case current.ClientAccount:
				tx, err = cl.ClientConfirm(ctx, id)
			case current.AgentAccount:
				tx, err = cl.AgentConfirm(ctx, id)
			default:
				return fmt.Errorf("%s is not a party to transaction %d", cl.Identity(), id)
			}
			if err != nil {
				return fmt.Errorf("failed to confirm transaction %d: %w", id, err)
			}
			return outputTransaction(c, tx)
		},
	}
}

type noteFunc func(cl *client.Client, ctx context.Context, id uint64, note string) (*escrow.Transaction, error)

func noteCommand(name, noteFlag, usage string, apply noteFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "TX_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: noteFlag, Usage: "Free-text " + noteFlag},
		},
		Action: func(c *cli.Context) error {
			id, err := parseTxID(c)
			if err != nil {
				return err
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			if err := requireIdentity(cl); err != nil {
				return err
			}
			tx, err := apply(cl, context.Background(), id, c.String(noteFlag))
			if err != nil {
				return fmt.Errorf("failed to %s transaction %d: %w", name, id, err)
			}
			return outputTransaction(c, tx)
		},
	}
}

func refundCommand() *cli.Command {
	return &cli.Command{
		Name:      "refund",
		Usage:     "Split a disputed transaction between client and agent (arbiter)",
		ArgsUsage: "TX_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "client-amount", Usage: "Amount returned to the client", Value: "0"},
			&cli.StringFlag{Name: "agent-amount", Usage: "Amount returned to the agent", Value: "0"},
			&cli.StringFlag{Name: "resolution", Usage: "Free-text resolution"},
		},
		Action: func(c *cli.Context) error {
			id, err := parseTxID(c)
			if err != nil {
				return err
			}
			clientAmount, err := parseAmount("client-amount", c.String("client-amount"))
			if err != nil {
				return err
			}
			agentAmount, err := parseAmount("agent-amount", c.String("agent-amount"))
			if err != nil {
				return err
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			if err := requireIdentity(cl); err != nil {
				return err
			}
			tx, err := cl.Refund(context.Background(), id, clientAmount, agentAmount, c.String("resolution"))
			if err != nil {
				return fmt.Errorf("failed to refund transaction %d: %w", id, err)
			}
			return outputTransaction(c, tx)
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one transaction",
		ArgsUsage: "TX_ID",
		Action: func(c *cli.Context) error {
			id, err := parseTxID(c)
			if err != nil {
				return err
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			tx, err := cl.GetTransaction(context.Background(), id)
			if err != nil {
				return err
			}
			return outputTransaction(c, tx)
		},
	}
}

func pageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum number of transactions (1-1000)"},
		&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Number of transactions to skip"},
	}
}

func requestsCommand() *cli.Command {
	return &cli.Command{
		Name:    "requests",
		Aliases: []string{"ls"},
		Usage:   "List open requests waiting for a counterparty",
		Flags: append(pageFlags(), &cli.StringSliceFlag{
			Name:  "where",
			Usage: "jq predicate each request must satisfy (repeatable), e.g. '.currency_code == \"KES\"'",
		}),
		Action: func(c *cli.Context) error {
			cl, err := apiClient(c)
			if err != nil {
				return err
			}

			filters := make([]*gojq.Code, 0, len(c.StringSlice("where")))
			for _, expr := range c.StringSlice("where") {
				code, err := compileJQ(expr)
				if err != nil {
					return err
				}
				filters = append(filters, code)
			}

			page, err := cl.ListRequests(context.Background(), c.Int("offset"), c.Int("limit"))
			if err != nil {
				return err
			}
			txs := filterTransactions(page.Requests, filters)

			if wantsJSON(c) {
				return outputJSON(c, txs)
			}
			printTransactionTable(txs)
			fmt.Fprintf(os.Stderr, "\nShowing %d of %d open requests\n", len(txs), page.Total)
			return nil
		},
	}
}

// filterTransactions keeps transactions that satisfy every filter.
func filterTransactions(txs []escrow.Transaction, filters []*gojq.Code) []escrow.Transaction {
	if len(filters) == 0 {
		return txs
	}
	out := make([]escrow.Transaction, 0, len(txs))
	for _, tx := range txs {
		keep := true
		for _, code := range filters {
			if !matchJQ(code, tx) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, tx)
		}
	}
	return out
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List the transactions an identity took part in",
		ArgsUsage: "[IDENTITY]",
		Flags:     pageFlags(),
		Action: func(c *cli.Context) error {
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			who := cl.Identity()
			if c.NArg() > 0 {
				if who, err = parseIdentityArg(c, "identity"); err != nil {
					return err
				}
			}
			if who.IsZero() {
				return fmt.Errorf("identity is required")
			}

			page, err := cl.ListHistory(context.Background(), who, c.Int("offset"), c.Int("limit"))
			if err != nil {
				return err
			}
			if wantsJSON(c) {
				return outputJSON(c, page)
			}
			printTransactionTable(page.Transactions)
			fmt.Fprintf(os.Stderr, "\nShowing %d of %d transactions for %s\n", page.Count, page.Total, who)
			return nil
		},
	}
}

func earningsCommand() *cli.Command {
	return &cli.Command{
		Name:      "earnings",
		Usage:     "Show cumulative fee earnings (all identities when none is given)",
		ArgsUsage: "[IDENTITY]",
		Action: func(c *cli.Context) error {
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			ctx := context.Background()

			if c.NArg() > 0 {
				who, err := parseIdentityArg(c, "identity")
				if err != nil {
					return err
				}
				rec, err := cl.GetEarnings(ctx, who)
				if err != nil {
					return err
				}
				if wantsJSON(c) {
					return outputJSON(c, rec)
				}
				fmt.Fprintf(stdout, "%s earned %s\n", rec.Identity, rec.TotalEarned)
				return nil
			}

			all, err := cl.ListEarnings(ctx)
			if err != nil {
				return err
			}
			if wantsJSON(c) {
				return outputJSON(c, all)
			}
			for _, rec := range all {
				fmt.Fprintf(stdout, "%s\t%s\n", rec.Identity, rec.TotalEarned)
			}
			return nil
		},
	}
}

func summaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Show custody accounting",
		Action: func(c *cli.Context) error {
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			s, err := cl.EscrowSummary(context.Background())
			if err != nil {
				return err
			}
			if wantsJSON(c) {
				return outputJSON(c, s)
			}
			fmt.Fprintf(stdout, "Escrow:         %s\n", s.Escrow)
			fmt.Fprintf(stdout, "Treasury:       %s\n", s.Treasury)
			fmt.Fprintf(stdout, "Custody:        %s\n", s.Custody)
			fmt.Fprintf(stdout, "Held:           %s\n", s.Held)
			fmt.Fprintf(stdout, "Retained:       %s\n", s.Retained)
			fmt.Fprintf(stdout, "Float:          %s\n", s.Float)
			fmt.Fprintf(stdout, "Open Requests:  %d\n", s.OpenRequests)
			fmt.Fprintf(stdout, "Next Tx ID:     %d\n", s.NextTxID)
			return nil
		},
	}
}

func transferCommands() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Direct token transfers through escrow",
		Subcommands: []*cli.Command{
			transferCommand("send", "Send tokens to another identity", (*client.Client).Send),
			transferCommand("credit", "Pay an identity out of the escrow float (owner)", (*client.Client).Credit),
		},
	}
}

type transferFunc func(cl *client.Client, ctx context.Context, req escrow.TransferRequest) (uint64, error)

func transferCommand(name, usage string, transfer transferFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "RECIPIENT",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Token amount", Required: true},
			&cli.StringFlag{Name: "currency", Aliases: []string{"c"}, Usage: "Fiat currency code for the record", Value: "USD"},
			&cli.StringFlag{Name: "rate", Aliases: []string{"r"}, Usage: "Fiat units per token for the record", Value: "1"},
		},
		Action: func(c *cli.Context) error {
			to, err := parseIdentityArg(c, "recipient")
			if err != nil {
				return err
			}
			amount, err := parseAmount("amount", c.String("amount"))
			if err != nil {
				return err
			}
			rate, err := parseAmount("rate", c.String("rate"))
			if err != nil {
				return err
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}
			if err := requireIdentity(cl); err != nil {
				return err
			}

			id, err := transfer(cl, context.Background(), escrow.TransferRequest{
				To:             to,
				Amount:         amount,
				CurrencyCode:   c.String("currency"),
				ConversionRate: rate,
			})
			if err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
			if wantsJSON(c) {
				return outputJSON(c, map[string]uint64{"id": id})
			}
			fmt.Fprintf(stdout, "✓ %s recorded as transaction %d\n", name, id)
			return nil
		},
	}
}
