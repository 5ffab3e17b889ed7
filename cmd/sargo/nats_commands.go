package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/events"
	natspkg "github.com/sargo-finance/sargo/service/nats"
	"github.com/urfave/cli/v2"
)

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to escrow events on JetStream",
		ArgsUsage: "[EVENT_TYPE]",
		Description: `Subscribe to escrow events published to NATS JetStream.

Events are published to the subject escrow.{EventType}. Without an
argument every event type is streamed.

Example:
  sargo nats subscribe TransactionDisputed --tx 42`,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "tx",
				Usage: "Only show events for this transaction id",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "sargo-cli",
			},
		},
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			subject := natspkg.SubjectFilter(events.Type(c.Args().First()))
			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			if !wantsJSON(c) {
				fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "\nWaiting for events... (Ctrl-C to exit)\n\n")
			}

			txID := c.Uint64("tx")
			msgChan := make(chan jetstream.Msg, 10)
			consumer, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to start consumer: %w", err)
			}
			defer consumer.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					ev, err := natspkg.DecodeEvent(msg.Data())
					if err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					if meta, err := msg.Metadata(); err == nil {
						ev.Sequence = meta.Sequence.Stream
					}
					msg.Ack()
					if txID != 0 && ev.TxID != txID {
						continue
					}
					count++
					if err := printEvent(c, ev); err != nil {
						return err
					}

				case <-ctx.Done():
					if !wantsJSON(c) {
						fmt.Fprintf(os.Stderr, "\n✅ Received %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the escrow events JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if wantsJSON(c) {
				return outputJSON(c, info)
			}
			fmt.Fprintf(stdout, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(stdout, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(stdout, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(stdout, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(stdout, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(stdout, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(stdout, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(stdout, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(stdout, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(stdout, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}

// printEvent writes one escrow event as a JSON line or a short summary.
func printEvent(c *cli.Context, ev *natspkg.EventMessage) error {
	if wantsJSON(c) {
		if c.String("jq") != "" {
			return outputJSON(c, ev)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	}

	line := fmt.Sprintf("%s  %-22s", ev.OccurredAt.Format(time.RFC3339), ev.Type)
	if ev.TxID != 0 {
		line += fmt.Sprintf("  tx=%d", ev.TxID)
	}
	if ev.Actor != "" {
		line += "  by=" + account.Identity(ev.Actor).Short()
	}
	if ev.Note != "" {
		line += fmt.Sprintf("  %q", ev.Note)
	}
	fmt.Fprintln(stdout, line)
	return nil
}
