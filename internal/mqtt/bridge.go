package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/nakari/internal/buildinfo"
	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
	"github.com/nugget/nakari/internal/output"
	"github.com/nugget/nakari/internal/usage"
)

// Inbound rate limit on the input topic.
const (
	inputLimit         = 30
	inputLimitInterval = time.Minute
)

// ErrNotConnected is returned by Send before the first connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// publisher is the part of *autopaho.ConnectionManager the bridge
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// UsageSummarizer reports recorded token usage. *usage.Store
// satisfies it.
type UsageSummarizer interface {
	Summary(start, end time.Time) (*usage.Summary, error)
}

// Deps are the bridge's collaborators. Mailbox is required. Without
// Usage the status document reports zero tokens for today.
type Deps struct {
	Mailbox             *mailbox.Mailbox
	State               *mailbox.LoopState
	Bus                 *events.Bus
	Usage               UsageSummarizer
	InstanceID          string
	DefaultMaxToolCalls int
	Logger              *slog.Logger
}

// Bridge connects the agent to an MQTT broker.
type Bridge struct {
	cfg    config.MQTTConfig
	deps   Deps
	limit  *messageRateLimiter
	logger *slog.Logger

	mu  sync.RWMutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Bridge but does not connect. Call [Bridge.Start].
func New(cfg config.MQTTConfig, deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		deps:   deps,
		limit:  newMessageRateLimiter(inputLimit, inputLimitInterval, deps.Logger),
		logger: deps.Logger,
	}
}

func (b *Bridge) baseTopic() string         { return "nakari/" + b.cfg.DeviceName }
func (b *Bridge) inputTopic() string        { return b.baseTopic() + "/input" }
func (b *Bridge) replyTopic() string        { return b.baseTopic() + "/reply" }
func (b *Bridge) stateTopic() string        { return b.baseTopic() + "/state" }
func (b *Bridge) statusTopic() string       { return b.baseTopic() + "/status" }
func (b *Bridge) availabilityTopic() string { return b.baseTopic() + "/availability" }

// Start connects to the broker and mirrors loop events and periodic
// status until ctx is cancelled. Connection failures after the first
// attempt are retried in the background by autopaho.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: b.inputTopic(), QoS: 1}},
			}); err != nil {
				b.logger.Warn("mqtt subscribe failed", "topic", b.inputTopic(), "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "nakari-" + b.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.pub = cm
	b.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(connCtx)
	connCancel()
	if err != nil && ctx.Err() == nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limit.start(ctx)
	b.run(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It backs the mqtt connwatch probe.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Name implements output.Endpoint.
func (b *Bridge) Name() string { return "mqtt" }

// Send implements output.Endpoint by publishing the reply as JSON.
func (b *Bridge) Send(ctx context.Context, msg output.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return b.publish(ctx, b.replyTopic(), payload, 1, false)
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		return ErrNotConnected
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bridge) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

// handleMessage queues input-topic messages as events.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	if topic != b.inputTopic() {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}
	if !b.limit.allow() {
		return
	}
	ev, ok := parseInput(topic, payload, b.deps.DefaultMaxToolCalls)
	if !ok {
		b.logger.Debug("empty mqtt input ignored", "topic", topic)
		return
	}
	b.deps.Mailbox.Put(ev)
	b.logger.Info("mqtt input queued", "event_id", ev.ID, "length", len(ev.Content))
}

// run mirrors bus events and publishes status until ctx is done.
func (b *Bridge) run(ctx context.Context) {
	interval := b.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ch <-chan events.Event
	if b.deps.Bus != nil {
		sub := b.deps.Bus.Subscribe(128)
		defer b.deps.Bus.Unsubscribe(sub)
		ch = sub
	}

	b.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStatus(ctx)
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			b.mirror(ctx, e)
		}
	}
}

// statePayload is published retained on the state topic.
type statePayload struct {
	State     string    `json:"state"`
	EventID   string    `json:"event_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Bridge) mirror(ctx context.Context, e events.Event) {
	eventID, _ := e.Data["event_id"].(string)
	var st statePayload
	switch e.Kind {
	case events.KindThinking:
		st = statePayload{State: "thinking", EventID: eventID}
	case events.KindToolCall:
		tool, _ := e.Data["tool"].(string)
		st = statePayload{State: "processing", EventID: eventID, Tool: tool}
	case events.KindIdle:
		st = statePayload{State: "idle"}
	case events.KindReply:
		if speak, _ := e.Data["speak"].(bool); !speak {
			return
		}
		st = statePayload{State: "speaking", EventID: eventID}
	default:
		return
	}
	st.Timestamp = e.Timestamp

	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := b.publish(ctx, b.stateTopic(), payload, 0, true); err != nil {
		b.logger.Debug("mqtt state publish failed", "state", st.State, "error", err)
	}
}

// Status is published retained on the status topic every
// publish_interval.
type Status struct {
	InstanceID     string `json:"instance_id"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	Pending        int    `json:"pending"`
	Queued         int    `json:"queued"`
	CurrentEvent   string `json:"current_event,omitempty"`
	TokensToday    int64  `json:"tokens_today"`
	RequestsToday  int64  `json:"requests_today"`
	LastStatusTime string `json:"last_status"`
}

func (b *Bridge) status() Status {
	now := time.Now()
	s := Status{
		InstanceID:     b.deps.InstanceID,
		Version:        buildinfo.Version,
		Uptime:         buildinfo.Uptime().String(),
		LastStatusTime: now.Format(time.RFC3339),
	}
	if b.deps.Usage != nil {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		sum, err := b.deps.Usage.Summary(midnight, midnight.AddDate(0, 0, 1))
		if err != nil {
			b.logger.Warn("mqtt status usage summary failed", "error", err)
		} else {
			s.TokensToday = sum.TotalInputTokens + sum.TotalOutputTokens
			s.RequestsToday = int64(sum.TotalRecords)
		}
	}
	if b.deps.Mailbox != nil {
		s.Pending = b.deps.Mailbox.PendingCount()
		s.Queued = b.deps.Mailbox.Len()
	}
	if b.deps.State != nil {
		s.CurrentEvent = b.deps.State.CurrentID()
	}
	return s
}

func (b *Bridge) publishStatus(ctx context.Context) {
	payload, err := json.Marshal(b.status())
	if err != nil {
		b.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if err := b.publish(ctx, b.statusTopic(), payload, 0, true); err != nil {
		b.logger.Debug("mqtt status publish failed", "error", err)
	}
}
