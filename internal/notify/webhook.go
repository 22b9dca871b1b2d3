// Package notify delivers lifecycle events to an external automation
// endpoint as JSON webhooks. Home-automation controllers that cannot hold
// an event-stream connection open subscribe this way instead.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/doorbridge/doorbridge/internal/bridge"
)

// deliveryTimeout bounds a single webhook POST including the body read.
const deliveryTimeout = 10 * time.Second

// Notifier POSTs each event to a single configured URL. Deliveries are
// sequential and unacknowledged failures are logged and dropped: the
// webhook is a best-effort mirror of the event feed, never a brake on it.
type Notifier struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a webhook notifier for the given URL. An empty URL produces
// an unconfigured notifier that delivers nothing.
func New(url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		httpClient: &http.Client{Timeout: deliveryTimeout},
		url:        url,
		logger:     logger.With("component", "notify"),
	}
}

// Configured reports whether a webhook URL is set.
func (n *Notifier) Configured() bool {
	return n.url != ""
}

// Run consumes events until the channel closes. Call it in its own
// goroutine with a subscription channel from the event hub.
func (n *Notifier) Run(events <-chan bridge.Event) {
	for ev := range events {
		if err := n.deliver(ev); err != nil {
			n.failed.Add(1)
			n.logger.Warn("webhook delivery failed",
				"type", ev.Type,
				"url", n.url,
				"error", err)
			continue
		}
		n.delivered.Add(1)
	}
}

// Delivered returns the number of successfully posted events.
func (n *Notifier) Delivered() uint64 { return n.delivered.Load() }

// Failed returns the number of deliveries that errored or were refused.
func (n *Notifier) Failed() uint64 { return n.failed.Load() }

func (n *Notifier) deliver(ev bridge.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshalling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ev.ID != "" {
		req.Header.Set("X-Delivery-ID", ev.ID)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending request: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: endpoint returned status %d", resp.StatusCode)
	}

	n.logger.Debug("webhook delivered",
		"type", ev.Type,
		"status", resp.StatusCode)
	return nil
}
