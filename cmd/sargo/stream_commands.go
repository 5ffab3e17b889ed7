package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/sargo-finance/sargo/service/nats"
	"github.com/urfave/cli/v2"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream escrow events from the server via SSE (HTTP)",
		ArgsUsage: "[TX_ID]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only stream this event type, e.g. TransactionCompleted",
			},
		},
		Action: func(c *cli.Context) error {
			var txID uint64
			if c.NArg() > 0 {
				id, err := parseTxID(c)
				if err != nil {
					return err
				}
				txID = id
			}
			cl, err := apiClient(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !wantsJSON(c) {
				if txID != 0 {
					fmt.Fprintf(os.Stderr, "Connected to SSE stream for transaction %d\n", txID)
				} else {
					fmt.Fprintf(os.Stderr, "Connected to SSE stream for all transactions\n")
				}
				fmt.Fprintf(os.Stderr, "Streaming events... (Ctrl+C to stop)\n\n")
			}

			return cl.Stream(ctx, txID, c.String("type"), func(ev *natspkg.EventMessage) error {
				return printEvent(c, ev)
			})
		},
	}
}
