package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sargo-finance/sargo/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func auditScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Create or update the recurring custody audit",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Audit interval",
				EnvVars: []string{"AUDIT_INTERVAL"},
				Value:   5 * time.Minute,
			},
			&cli.StringFlag{
				Name:    "tolerance",
				Usage:   "Absolute drift still reported as balanced",
				EnvVars: []string{"AUDIT_TOLERANCE"},
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			if interval < time.Second {
				return fmt.Errorf("interval must be at least 1s")
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			input := temporal.AuditInput{Tolerance: c.String("tolerance")}
			if err := tc.UpsertAuditSchedule(context.Background(), interval, input); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Audit schedule %s runs every %v\n", temporal.AuditScheduleID, interval)
			return nil
		},
	}
}

func auditDescribeCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe",
		Usage:   "Describe the custody audit schedule",
		Aliases: []string{"desc"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.AuditScheduleID)
			desc, err := handle.Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			fmt.Fprintf(stdout, "Schedule ID:    %s\n", temporal.AuditScheduleID)
			fmt.Fprintf(stdout, "State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Fprintf(stdout, "Paused:         %v\n", desc.Schedule.State.Paused)

			if action := desc.Schedule.Action; action != nil {
				if wa, ok := action.(*client.ScheduleWorkflowAction); ok {
					fmt.Fprintf(stdout, "\nWorkflow:\n")
					fmt.Fprintf(stdout, "  Workflow:     %v\n", wa.Workflow)
					fmt.Fprintf(stdout, "  Task Queue:   %s\n", wa.TaskQueue)
				}
			}

			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Fprintf(stdout, "Interval %d:     every %v\n", i+1, interval.Every)
			}

			fmt.Fprintf(stdout, "\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Fprintf(stdout, "Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func auditPauseCommand() *cli.Command {
	return &cli.Command{
		Name:  "pause",
		Usage: "Pause the custody audit schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via sargo CLI",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.AuditScheduleID)
			if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: c.String("note")}); err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}
			fmt.Fprintf(stdout, "✓ Schedule paused: %s\n", temporal.AuditScheduleID)
			return nil
		},
	}
}

func auditResumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Resume the custody audit schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via sargo CLI",
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.AuditScheduleID)
			if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: c.String("note")}); err != nil {
				return fmt.Errorf("failed to resume schedule: %w", err)
			}
			fmt.Fprintf(stdout, "✓ Schedule resumed: %s\n", temporal.AuditScheduleID)
			return nil
		},
	}
}

func auditDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the custody audit schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Skip confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("force") {
				return fmt.Errorf("refusing to delete %s without --force", temporal.AuditScheduleID)
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteAuditSchedule(context.Background()); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Schedule deleted: %s\n", temporal.AuditScheduleID)
			return nil
		},
	}
}

func auditRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a custody audit now and wait for the result",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tolerance", Usage: "Absolute drift still reported as balanced"},
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Minute, Usage: "How long to wait for the result"},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			result, err := tc.RunAudit(ctx, temporal.AuditInput{Tolerance: c.String("tolerance")})
			if err != nil {
				return err
			}
			if wantsJSON(c) {
				return outputJSON(c, result)
			}
			fmt.Fprintf(stdout, "Status:         %s\n", result.Status)
			fmt.Fprintf(stdout, "Drift:          %s\n", result.Drift)
			fmt.Fprintf(stdout, "Custody:        %s\n", result.Custody)
			fmt.Fprintf(stdout, "Held:           %s\n", result.Held)
			fmt.Fprintf(stdout, "Retained:       %s\n", result.Retained)
			fmt.Fprintf(stdout, "Open Requests:  %d\n", result.OpenRequests)
			fmt.Fprintf(stdout, "Audited At:     %s\n", result.AuditedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
