package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "sargo",
		Usage: "P2P fiat/token escrow service CLI",
		Description: `A command-line tool for operating and debugging the sargo escrow service.

Use this CLI to drive escrow transactions over the HTTP API, inspect the
persistent store, manage the custody audit schedule and follow escrow events.`,
		Version:  fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: commands(),
		// Global flags available to all commands
		Flags: globalFlags(),
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		escrowCommands(),
		transferCommands(),
		feeCommands(),
		ledgerCommands(),
		adminCommands(),
		// Database inspection commands
		{
			Name:  "db",
			Usage: "Persistent store inspection commands",
			Subcommands: []*cli.Command{
				dbStatsCommand(),
				dbListCommand(),
				dbGetCommand(),
			},
		},
		// Temporal custody audit commands
		{
			Name:  "audit",
			Usage: "Custody audit schedule and workflow commands",
			Subcommands: []*cli.Command{
				auditScheduleCommand(),
				auditDescribeCommand(),
				auditPauseCommand(),
				auditResumeCommand(),
				auditDeleteCommand(),
				auditRunCommand(),
			},
		},
		// NATS event streaming commands
		{
			Name:  "nats",
			Usage: "NATS escrow event commands",
			Subcommands: []*cli.Command{
				subscribeCommand(),
				inspectStreamCommand(),
			},
		},
		streamCommand(),
		// Server utility commands
		{
			Name:  "server",
			Usage: "Server utility commands",
			Subcommands: []*cli.Command{
				healthCommand(),
				versionCommand(),
			},
		},
		{
			Name:  "dev",
			Usage: "Development helpers",
			Subcommands: []*cli.Command{
				keygenCommand(),
			},
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "Escrow API URL",
			EnvVars: []string{"SARGO_SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "identity",
			Aliases: []string{"as"},
			Usage:   "Identity to act as (base58 public key)",
			EnvVars: []string{"SARGO_IDENTITY"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "SQLite database path (used when no database-url is set)",
			EnvVars: []string{"SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal server address",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "temporal-task-queue",
			Usage:   "Temporal task queue of the audit worker",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			Value:   "sargo-custody-audit",
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL",
			EnvVars: []string{"NATS_URL"},
			Value:   "nats://localhost:4222",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output in JSON format",
		},
		&cli.StringFlag{
			Name:  "jq",
			Usage: "jq expression applied to JSON output (implies --json)",
		},
	}
}
