package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sargo-finance/sargo/service/events"
)

// Publisher publishes escrow events to NATS. It satisfies events.Sink.
type Publisher interface {
	// Publish sends one event to the subject "escrow.{type}".
	Publish(ctx context.Context, event events.Event) error

	// PublishBatch sends several events, continuing past individual failures.
	PublishBatch(ctx context.Context, evs []events.Event) error

	// Close closes the connection to NATS.
	Close() error
}

// PublishRecorder receives publish timings. metrics.Metrics implements it.
type PublishRecorder interface {
	RecordNATSPublish(subject, status string, duration float64)
}

// JetStreamPublisher publishes escrow events to NATS JetStream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	rec    PublishRecorder
	logger *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for escrow events.
	StreamName = "ESCROW_EVENTS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "escrow.>"

	// StreamRetention is how long messages are retained.
	StreamRetention = 90 * 24 * time.Hour
)

// NewPublisher connects to NATS and ensures the stream exists. rec may be nil.
func NewPublisher(natsURL string, rec PublishRecorder, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("sargo-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:     nc,
		js:     js,
		rec:    rec,
		logger: logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)
	return publisher, nil
}

// EnsureStream creates the escrow stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Escrow transaction lifecycle events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// Publish implements events.Sink.
func (p *JetStreamPublisher) Publish(ctx context.Context, event events.Event) error {
	subject := events.Subject(event.Type)
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal escrow event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	if p.rec != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.rec.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish escrow event: %w", err)
	}

	p.logger.Debug("published escrow event",
		"subject", subject,
		"tx_id", event.TxID,
	)
	return nil
}

// PublishBatch publishes each event in order.
func (p *JetStreamPublisher) PublishBatch(ctx context.Context, evs []events.Event) error {
	failed := 0
	for _, ev := range evs {
		if err := p.Publish(ctx, ev); err != nil {
			p.logger.Error("failed to publish event in batch",
				"type", ev.Type,
				"tx_id", ev.TxID,
				"error", err,
			)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events failed to publish", failed, len(evs))
	}
	return nil
}

// JetStream exposes the JetStream context for consumers sharing the
// connection.
func (p *JetStreamPublisher) JetStream() jetstream.JetStream { return p.js }

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
