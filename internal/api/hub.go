package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/yuin/goldmark"

	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
	"github.com/nugget/nakari/internal/output"
)

// Frame protocol version sent in every outbound envelope.
const protocolVersion = "1.0"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 1 << 20
	clientSendBuf  = 64
	defaultAudioMT = "audio/webm"
)

// Agent states reported to WebSocket clients.
const (
	StateIdle       = "idle"
	StateThinking   = "thinking"
	StateProcessing = "processing"
	StateSpeaking   = "speaking"
)

// Envelope is the frame format in both directions. Inbound frames may
// carry their body under "data" instead of "payload".
type Envelope struct {
	Version   string          `json:"version,omitempty"`
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) body() json.RawMessage {
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		return e.Payload
	}
	return e.Data
}

type userTextPayload struct {
	Content string `json:"content"`
}

type audioBlobPayload struct {
	AudioURI string         `json:"audio_uri"`
	MimeType string         `json:"mime_type"`
	Metadata map[string]any `json:"metadata"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub owns the /ws connections. It queues inbound frames as mailbox
// events, broadcasts replies as text frames, and mirrors bus events as
// state and action frames.
type Hub struct {
	mb           *mailbox.Mailbox
	bus          *events.Bus
	maxToolCalls int
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewHub creates a Hub. maxToolCalls is the budget given to events
// created from client frames.
func NewHub(mb *mailbox.Mailbox, bus *events.Bus, maxToolCalls int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		mb:           mb,
		bus:          bus,
		maxToolCalls: maxToolCalls,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Name implements output.Endpoint.
func (h *Hub) Name() string { return "websocket" }

// Send implements output.Endpoint by broadcasting a text frame with the
// reply rendered to HTML alongside the raw markdown.
func (h *Hub) Send(_ context.Context, msg output.Message) error {
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(msg.Text), &html); err != nil {
		h.logger.Debug("markdown render failed, sending text only", "error", err)
		html.Reset()
	}
	h.broadcast("text", map[string]any{
		"text":     msg.Text,
		"html":     html.String(),
		"speak":    msg.Speak,
		"event_id": msg.EventID,
		"isUser":   false,
	})
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the connection until the
// client goes away. A client_id query parameter is honored; otherwise
// a ULID is assigned.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = ulid.Make().String()
	}
	c := &wsClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		done: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	h.sendTo(c, "connected", map[string]any{
		"client_id":   id,
		"server_time": unixSeconds(time.Now()),
	})

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	if prev, ok := h.clients[c.id]; ok {
		prev.close()
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "client_id", c.id, "clients", n)
}

func (h *Hub) unregister(c *wsClient) {
	c.close()
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client disconnected", "client_id", c.id, "clients", n)
}

func (h *Hub) readPump(c *wsClient) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(c, data)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Malformed frames are
// logged and ignored so one bad client message never drops the socket.
func (h *Hub) handleFrame(c *wsClient, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("invalid websocket frame", "client_id", c.id, "error", err)
		return
	}

	switch env.Type {
	case "user_text":
		var p userTextPayload
		if err := json.Unmarshal(env.body(), &p); err != nil || p.Content == "" {
			h.logger.Debug("user_text without content ignored", "client_id", c.id)
			return
		}
		ev := mailbox.NewEvent(mailbox.TypeUserText, p.Content, h.maxToolCalls)
		ev.Metadata["source"] = "websocket"
		ev.Metadata["client_id"] = c.id
		h.mb.Put(ev)
		h.logger.Info("websocket user text queued", "client_id", c.id, "event_id", ev.ID)

	case "audio_blob":
		var p audioBlobPayload
		if err := json.Unmarshal(env.body(), &p); err != nil || p.AudioURI == "" {
			h.logger.Debug("audio_blob without audio_uri ignored", "client_id", c.id)
			return
		}
		if p.MimeType == "" {
			p.MimeType = defaultAudioMT
		}
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		ev := mailbox.NewEvent(mailbox.TypeASRTranscript, "", h.maxToolCalls)
		ev.Attachments = []mailbox.Attachment{{MimeType: p.MimeType, URI: p.AudioURI, Metadata: p.Metadata}}
		ev.Metadata["source"] = "websocket"
		ev.Metadata["client_id"] = c.id
		h.mb.Put(ev)
		h.logger.Info("websocket audio queued", "client_id", c.id, "event_id", ev.ID, "uri", p.AudioURI)

	case "ping":
		h.sendTo(c, "pong", map[string]any{"server_time": unixSeconds(time.Now())})

	default:
		h.logger.Warn("unknown websocket frame type", "client_id", c.id, "type", env.Type)
	}
}

// Run mirrors bus events to clients until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		ch := h.bus.Subscribe(256)
		defer h.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return nil
			case e, ok := <-ch:
				if !ok {
					h.closeAll()
					return nil
				}
				h.mirror(e)
			}
		}
	}
	<-ctx.Done()
	h.closeAll()
	return nil
}

// mirror translates a bus event into client frames.
func (h *Hub) mirror(e events.Event) {
	eventID, _ := e.Data["event_id"].(string)
	switch e.Kind {
	case events.KindThinking:
		h.broadcastState(StateThinking, eventID)
	case events.KindToolCall:
		h.broadcastState(StateProcessing, eventID)
		h.broadcast("action", map[string]any{"tool": e.Data["tool"], "event_id": eventID})
	case events.KindIdle:
		h.broadcastState(StateIdle, "")
	case events.KindReply:
		if speak, _ := e.Data["speak"].(bool); speak {
			h.broadcastState(StateSpeaking, eventID)
		}
	case events.KindLoopError:
		h.broadcast("error", map[string]any{"error": e.Data["error"]})
	}
}

func (h *Hub) broadcastState(state, eventID string) {
	p := map[string]any{"state": state, "event_id": nil}
	if eventID != "" {
		p["event_id"] = eventID
	}
	h.broadcast("state", p)
}

func (h *Hub) broadcast(typ string, payload any) {
	data, err := encodeFrame(typ, payload)
	if err != nil {
		h.logger.Error("encode websocket frame", "type", typ, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.enqueue(c, data)
	}
}

func (h *Hub) sendTo(c *wsClient, typ string, payload any) {
	data, err := encodeFrame(typ, payload)
	if err != nil {
		h.logger.Error("encode websocket frame", "type", typ, "error", err)
		return
	}
	h.enqueue(c, data)
}

// enqueue drops the client when its buffer is full rather than
// blocking the broadcaster.
func (h *Hub) enqueue(c *wsClient, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.logger.Warn("websocket client too slow, disconnecting", "client_id", c.id)
		c.close()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}

func encodeFrame(typ string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:   protocolVersion,
		Type:      typ,
		Timestamp: unixSeconds(time.Now()),
		Payload:   body,
	})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
