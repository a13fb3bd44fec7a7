package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/session"
)

// streamBuffer bounds the bus→broadcaster queue. The bus requires
// non-blocking subscribers, so overflow drops frames (clients recover via
// the REST catch-up on subscribe).
const streamBuffer = 1024

// writeTimeout bounds one WebSocket send.
const writeTimeout = 5 * time.Second

// SessionChannel returns the stream channel name for a session's events.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// ClientMessage is the JSON structure for client → server stream messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "session:abc-123"
}

// streamFrame is one event as delivered to stream clients.
type streamFrame struct {
	channel string
	payload []byte
}

// connection is one WebSocket client.
//
// subscriptions is only touched from the connection's own read loop and its
// deferred cleanup, so it needs no lock.
type connection struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// StreamManager fans pipeline events out to WebSocket clients by channel.
// It subscribes to the bus through a bounded queue so publishers never block
// on slow clients.
type StreamManager struct {
	store session.Store

	mu          sync.RWMutex
	connections map[string]*connection

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel → connection ids

	frames chan streamFrame
	done   chan struct{}
}

// NewStreamManager creates the manager and starts its broadcaster.
func NewStreamManager(bus *events.Bus, store session.Store) *StreamManager {
	m := &StreamManager{
		store:       store,
		connections: make(map[string]*connection),
		channels:    make(map[string]map[string]bool),
		frames:      make(chan streamFrame, streamBuffer),
		done:        make(chan struct{}),
	}

	bus.SubscribeAll(m.onEvent)
	go m.broadcastLoop()
	return m
}

// onEvent enqueues one bus event for broadcast. Non-blocking: frames are
// dropped when the queue is full.
func (m *StreamManager) onEvent(ev events.Event) {
	sessionID := ev.EventMeta().SessionID
	if sessionID == "" {
		return
	}
	payload, err := events.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case m.frames <- streamFrame{channel: SessionChannel(sessionID), payload: payload}:
	default:
		slog.Warn("Event stream queue full, dropping frame",
			"session_id", sessionID, "kind", ev.EventKind())
	}
}

func (m *StreamManager) broadcastLoop() {
	for {
		select {
		case <-m.done:
			return
		case frame := <-m.frames:
			m.broadcast(frame.channel, frame.payload)
		}
	}
}

// Close stops the broadcaster.
func (m *StreamManager) Close() {
	close(m.done)
}

// HandleHTTP upgrades the request and serves the connection until it closes.
func (m *StreamManager) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}
	m.handleConnection(r.Context(), conn)
}

// handleConnection runs one client's read loop until the connection closes.
func (m *StreamManager) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid stream message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *StreamManager) handleClientMessage(ctx context.Context, c *connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Catch-up: deliver the session's stored events so late subscribers
		// see the full story.
		m.catchup(ctx, c, msg.Channel)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *StreamManager) subscribe(c *connection, channel string) {
	m.channelMu.Lock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.id] = true
	m.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (m *StreamManager) unsubscribe(c *connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// catchup replays a session's persisted events to one client.
func (m *StreamManager) catchup(ctx context.Context, c *connection, channel string) {
	sessionID, ok := sessionIDFromChannel(channel)
	if !ok {
		return
	}
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return // unknown session: live events may still arrive later
	}
	for _, ev := range sess.Events {
		payload, err := events.Marshal(ev)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			return
		}
	}
}

func sessionIDFromChannel(channel string) (string, bool) {
	const prefix = "session:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}

// broadcast sends a frame to all connections subscribed to the channel.
func (m *StreamManager) broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	ids := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to stream client",
				"connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the count of connected clients.
func (m *StreamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *StreamManager) register(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *StreamManager) unregister(c *connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *StreamManager) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send stream message", "connection_id", c.id, "error", err)
	}
}

func (m *StreamManager) sendRaw(c *connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
