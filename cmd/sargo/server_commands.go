package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sargo-finance/sargo/client"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SARGO_SERVER_URL env var or use --server-url)")
			}

			cl := client.NewClient(serverURL, &http.Client{Timeout: c.Duration("timeout")}, nil)
			if err := cl.Health(context.Background()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			fmt.Fprintf(stdout, "✓ Server is healthy\n")
			fmt.Fprintf(stdout, "  URL: %s\n", serverURL)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(stdout, "sargo CLI\n")
			fmt.Fprintf(stdout, "  Version: %s\n", version)
			fmt.Fprintf(stdout, "  Commit:  %s\n", commit)
			fmt.Fprintf(stdout, "  Built:   %s\n", date)
			return nil
		},
	}
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate fresh identities for local development",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "Number of identities"},
		},
		Action: func(c *cli.Context) error {
			n := c.Int("count")
			if n < 1 || n > 100 {
				return fmt.Errorf("count must be between 1 and 100")
			}
			ids := make([]account.Identity, n)
			for i := range ids {
				ids[i] = account.Generate()
			}
			if wantsJSON(c) {
				return outputJSON(c, ids)
			}
			for _, id := range ids {
				fmt.Fprintln(stdout, id)
			}
			return nil
		},
	}
}
