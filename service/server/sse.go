package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/sargo-finance/sargo/service/metrics"
	natspkg "github.com/sargo-finance/sargo/service/nats"
)

var sseKeepalive = 10 * time.Second

// EventSource delivers published escrow events matching a subject filter
// until the returned stop func is called.
type EventSource interface {
	Subscribe(ctx context.Context, subject string, deliver func(data []byte)) (stop func(), err error)
}

// EventStream is an EventSource backed by JetStream ephemeral consumers.
type EventStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewEventStream connects to NATS for streaming events to SSE clients.
func NewEventStream(natsURL string, logger *slog.Logger) (*EventStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("sargo-sse"),
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

	if err := natspkg.EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("SSE event stream initialized", "nats_url", natsURL)
	return &EventStream{nc: nc, js: js, logger: logger}, nil
}

// Subscribe creates an ephemeral consumer that only sees new messages.
func (s *EventStream) Subscribe(ctx context.Context, subject string, deliver func([]byte)) (func(), error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		deliver(msg.Data())
		msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}
	return cc.Stop, nil
}

// Close closes the NATS connection.
func (s *EventStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("SSE event stream closed")
	}
	return nil
}

// handleStreamEvents streams escrow events as Server-Sent Events. The
// optional {id} path parameter narrows the stream to one transaction and
// the optional type query parameter to one event type.
// GET /api/v1/stream/events?type=T
// GET /api/v1/stream/transactions/{id}
func handleStreamEvents(source EventSource, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var txID uint64
		if chi.URLParam(r, "id") != "" {
			id, err := txIDParam(r)
			if err != nil {
				writeFailure(w, r, logger, err)
				return
			}
			txID = id
		}
		evType := events.Type(r.URL.Query().Get("type"))
		subject := natspkg.SubjectFilter(evType)

		filter := "all"
		if txID != 0 {
			filter = "transaction"
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		msgChan := make(chan []byte, 16)
		stop, err := source.Subscribe(ctx, subject, func(data []byte) {
			select {
			case msgChan <- data:
			case <-ctx.Done():
			}
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to escrow events", "subject", subject, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}
		defer stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(filter, 1)
			defer m.RecordSSEConnectionChange(filter, -1)
		}
		logger.DebugContext(ctx, "SSE client connected",
			"subject", subject,
			"tx_id", txID,
			"remote_addr", r.RemoteAddr,
		)

		fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q,\"tx_id\":%d}\n\n", subject, txID)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case data := <-msgChan:
				ev, err := natspkg.DecodeEvent(data)
				if err != nil {
					logger.WarnContext(ctx, "dropping undecodable event", "error", err)
					continue
				}
				if txID != 0 && ev.TxID != txID {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
				if m != nil {
					m.RecordSSEEventSent(filter, string(ev.Type))
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
