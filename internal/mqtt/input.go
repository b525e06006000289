package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/nakari/internal/mailbox"
)

// inputMessage is the JSON form accepted on the input topic. A payload
// that is not a JSON object is taken as plain text content.
type inputMessage struct {
	Content      string         `json:"content"`
	Priority     int            `json:"priority"`
	MaxToolCalls int            `json:"max_tool_calls"`
	Metadata     map[string]any `json:"metadata"`
}

// parseInput turns a payload into an event, or returns false when
// there is nothing to say.
func parseInput(topic string, payload []byte, defaultMaxToolCalls int) (mailbox.Event, bool) {
	var in inputMessage
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &in); err != nil {
			in = inputMessage{Content: trimmed}
		}
	} else {
		in.Content = trimmed
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return mailbox.Event{}, false
	}

	maxCalls := in.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCalls
	}
	ev := mailbox.NewEvent(mailbox.TypeUserText, in.Content, maxCalls)
	ev.Priority = in.Priority
	for k, v := range in.Metadata {
		ev.Metadata[k] = v
	}
	ev.Metadata["source"] = "mqtt"
	ev.Metadata["topic"] = topic
	return ev, true
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// logs how many messages were dropped in the window.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt input dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
