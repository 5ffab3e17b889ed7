package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/sargo-finance/sargo/client"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/urfave/cli/v2"
)

func feeCommands() *cli.Command {
	return &cli.Command{
		Name:  "fees",
		Usage: "Fee rate commands",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Show the current fee rates",
				Action: func(c *cli.Context) error {
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					rates, err := cl.GetFees(context.Background())
					if err != nil {
						return err
					}
					return outputRates(c, rates)
				},
			},
			{
				Name:  "set",
				Usage: "Replace the fee rates (operator)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent-rate", Usage: "Share of an order paid to the fee earner", Required: true},
					&cli.StringFlag{Name: "treasury-rate", Usage: "Share of an order paid to the treasury", Required: true},
					&cli.StringFlag{Name: "transfer-rate", Usage: "Share of a direct send paid to the treasury", Required: true},
				},
				Action: func(c *cli.Context) error {
					var rates fee.Rates
					var err error
					if rates.AgentRate, err = parseAmount("agent-rate", c.String("agent-rate")); err != nil {
						return err
					}
					if rates.TreasuryRate, err = parseAmount("treasury-rate", c.String("treasury-rate")); err != nil {
						return err
					}
					if rates.TransferRate, err = parseAmount("transfer-rate", c.String("transfer-rate")); err != nil {
						return err
					}
					if err := rates.Validate(); err != nil {
						return err
					}
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					if err := requireIdentity(cl); err != nil {
						return err
					}
					updated, err := cl.SetFees(context.Background(), rates)
					if err != nil {
						return fmt.Errorf("failed to set fees: %w", err)
					}
					return outputRates(c, updated)
				},
			},
			{
				Name:      "quote",
				Usage:     "Price an amount without opening a transaction",
				ArgsUsage: "AMOUNT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "order or transfer", Value: "order"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("amount is required")
					}
					amount, err := parseAmount("amount", c.Args().First())
					if err != nil {
						return err
					}
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					q, err := cl.Quote(context.Background(), amount, c.String("kind"))
					if err != nil {
						return err
					}
					if wantsJSON(c) {
						return outputJSON(c, q)
					}
					fmt.Fprintf(stdout, "Amount:        %s\n", q.Amount)
					fmt.Fprintf(stdout, "Agent Fee:     %s\n", q.AgentFee)
					fmt.Fprintf(stdout, "Treasury Fee:  %s\n", q.TreasuryFee)
					fmt.Fprintf(stdout, "Total:         %s\n", q.TotalAmount)
					return nil
				},
			},
		},
	}
}

func outputRates(c *cli.Context, rates *fee.Rates) error {
	if wantsJSON(c) {
		return outputJSON(c, rates)
	}
	fmt.Fprintf(stdout, "Agent Rate:     %s\n", rates.AgentRate)
	fmt.Fprintf(stdout, "Treasury Rate:  %s\n", rates.TreasuryRate)
	fmt.Fprintf(stdout, "Transfer Rate:  %s\n", rates.TransferRate)
	return nil
}

func ledgerCommands() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Reference token ledger commands",
		Subcommands: []*cli.Command{
			{
				Name:      "mint",
				Usage:     "Issue tokens to an identity (owner)",
				ArgsUsage: "IDENTITY AMOUNT",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("requires IDENTITY and AMOUNT")
					}
					to, err := account.Parse(c.Args().Get(0))
					if err != nil {
						return err
					}
					amount, err := parseAmount("amount", c.Args().Get(1))
					if err != nil {
						return err
					}
					cl, err := actingClient(c)
					if err != nil {
						return err
					}
					bal, err := cl.Mint(context.Background(), to, amount)
					if err != nil {
						return fmt.Errorf("failed to mint: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, bal)
					}
					fmt.Fprintf(stdout, "✓ %s balance: %s\n", bal.Identity, bal.Amount)
					return nil
				},
			},
			{
				Name:      "burn",
				Usage:     "Destroy tokens held by the acting identity",
				ArgsUsage: "AMOUNT",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("amount is required")
					}
					amount, err := parseAmount("amount", c.Args().First())
					if err != nil {
						return err
					}
					cl, err := actingClient(c)
					if err != nil {
						return err
					}
					bal, err := cl.Burn(context.Background(), amount)
					if err != nil {
						return fmt.Errorf("failed to burn: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, bal)
					}
					fmt.Fprintf(stdout, "✓ %s balance: %s\n", bal.Identity, bal.Amount)
					return nil
				},
			},
			{
				Name:      "approve",
				Usage:     "Set the allowance escrow (or --spender) may pull from the acting identity",
				ArgsUsage: "AMOUNT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "spender", Usage: "Spender identity (defaults to the escrow custody identity)"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("amount is required")
					}
					amount, err := parseAmount("amount", c.Args().First())
					if err != nil {
						return err
					}
					spender := account.None
					if s := c.String("spender"); s != "" {
						if spender, err = account.Parse(s); err != nil {
							return err
						}
					}
					cl, err := actingClient(c)
					if err != nil {
						return err
					}
					allowance, err := cl.Approve(context.Background(), spender, amount)
					if err != nil {
						return fmt.Errorf("failed to approve: %w", err)
					}
					if wantsJSON(c) {
						return outputJSON(c, map[string]any{"allowance": allowance})
					}
					fmt.Fprintf(stdout, "✓ allowance: %s\n", allowance)
					return nil
				},
			},
			{
				Name:      "balance",
				Usage:     "Show balances (one identity, or all non-zero balances)",
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
						bal, err := cl.Balance(ctx, who)
						if err != nil {
							return err
						}
						if wantsJSON(c) {
							return outputJSON(c, bal)
						}
						fmt.Fprintf(stdout, "Balance:           %s\n", bal.Balance)
						fmt.Fprintf(stdout, "Escrow Allowance:  %s\n", bal.EscrowAllowance)
						return nil
					}

					sheet, err := cl.Balances(ctx)
					if err != nil {
						return err
					}
					if wantsJSON(c) {
						return outputJSON(c, sheet)
					}
					w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "IDENTITY\tBALANCE")
					for _, b := range sheet.Balances {
						fmt.Fprintf(w, "%s\t%s\n", b.Identity, b.Amount)
					}
					w.Flush()
					fmt.Fprintf(stdout, "\nTotal supply: %s\n", sheet.TotalSupply)
					return nil
				},
			},
		},
	}
}

func adminCommands() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Pause switch and role management (owner)",
		Subcommands: []*cli.Command{
			{
				Name:  "pause",
				Usage: "Halt all state-changing escrow operations",
				Action: func(c *cli.Context) error {
					cl, err := actingClient(c)
					if err != nil {
						return err
					}
					if err := cl.Pause(context.Background()); err != nil {
						return fmt.Errorf("failed to pause: %w", err)
					}
					fmt.Fprintln(stdout, "✓ escrow paused")
					return nil
				},
			},
			{
				Name:  "unpause",
				Usage: "Resume escrow operations",
				Action: func(c *cli.Context) error {
					cl, err := actingClient(c)
					if err != nil {
						return err
					}
					if err := cl.Unpause(context.Background()); err != nil {
						return fmt.Errorf("failed to unpause: %w", err)
					}
					fmt.Fprintln(stdout, "✓ escrow unpaused")
					return nil
				},
			},
			roleChangeCommand("grant", "Grant a role (operator, arbiter, agent)", (*client.Client).Grant),
			roleChangeCommand("revoke", "Revoke a role", (*client.Client).Revoke),
			{
				Name:      "roles",
				Usage:     "List the roles held by an identity",
				ArgsUsage: "IDENTITY",
				Action: func(c *cli.Context) error {
					who, err := parseIdentityArg(c, "identity")
					if err != nil {
						return err
					}
					cl, err := apiClient(c)
					if err != nil {
						return err
					}
					roles, err := cl.Roles(context.Background(), who)
					if err != nil {
						return err
					}
					return outputRoles(c, who, roles)
				},
			},
		},
	}
}

type roleFunc func(cl *client.Client, ctx context.Context, who account.Identity, role string) ([]string, error)

func roleChangeCommand(name, usage string, change roleFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "IDENTITY ROLE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires IDENTITY and ROLE")
			}
			who, err := account.Parse(c.Args().Get(0))
			if err != nil {
				return err
			}
			cl, err := actingClient(c)
			if err != nil {
				return err
			}
			roles, err := change(cl, context.Background(), who, c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to %s role: %w", name, err)
			}
			return outputRoles(c, who, roles)
		},
	}
}

func outputRoles(c *cli.Context, who account.Identity, roles []string) error {
	if wantsJSON(c) {
		return outputJSON(c, map[string]any{"identity": who, "roles": roles})
	}
	if len(roles) == 0 {
		fmt.Fprintf(stdout, "%s: (no roles)\n", who)
		return nil
	}
	fmt.Fprintf(stdout, "%s: %s\n", who, strings.Join(roles, ", "))
	return nil
}

// actingClient is apiClient for commands that require --identity.
func actingClient(c *cli.Context) (*client.Client, error) {
	cl, err := apiClient(c)
	if err != nil {
		return nil, err
	}
	if err := requireIdentity(cl); err != nil {
		return nil, err
	}
	return cl, nil
}
