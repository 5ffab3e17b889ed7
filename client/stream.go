package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	natspkg "github.com/sargo-finance/sargo/service/nats"
)

// ErrStopStream can be returned by a stream handler to end the stream
// without an error.
var ErrStopStream = errors.New("stop stream")

// Stream subscribes to escrow events over SSE and calls handle for each one
// until ctx is cancelled or handle returns an error. A zero txID streams
// every transaction; an empty eventType streams every event type.
func (c *Client) Stream(ctx context.Context, txID uint64, eventType string, handle func(*natspkg.EventMessage) error) error {
	path := "/api/v1/stream/events"
	if txID != 0 {
		path = fmt.Sprintf("/api/v1/stream/transactions/%d", txID)
	}
	if eventType != "" {
		path += "?" + url.Values{"type": {eventType}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams are long-lived, so the configured client timeout cannot apply.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && event != "connected" && data != "" {
				msg, err := natspkg.DecodeEvent([]byte(data))
				if err != nil {
					c.logger.Warn("skipping malformed event", "event", event, "error", err)
				} else if err := handle(msg); err != nil {
					if errors.Is(err, ErrStopStream) {
						return nil
					}
					return err
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}
