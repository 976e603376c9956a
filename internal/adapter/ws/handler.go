// Package ws streams agent runs to WebSocket clients. A client either starts
// a run over its own connection or observes the events of other runs.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/stream"
	"github.com/Strob0t/agentloop/internal/service"
)

const (
	writeTimeout = 5 * time.Second

	// DefaultSendQueue is the number of frames buffered per connection.
	DefaultSendQueue = 256
)

// AllSessions subscribes a connection to every session.
const AllSessions = "*"

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection. Observation is opt-in: a
// connection receives events only for subscribed sessions, or for all
// sessions after subscribing to "*". Frames reach the socket through a
// bounded queue drained by writeLoop.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	send   chan []byte

	mu       sync.Mutex
	sessions map[string]struct{}
}

func newConn(ws *websocket.Conn, cancel context.CancelFunc, queue int) *conn {
	return &conn{ws: ws, cancel: cancel, send: make(chan []byte, queue), sessions: make(map[string]struct{})}
}

func (c *conn) watches(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[AllSessions]; ok {
		return true
	}
	_, ok := c.sessions[sessionID]
	return ok
}

// offer queues data without blocking and reports whether it fit.
func (c *conn) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// enqueue queues data, waiting for room until ctx ends.
func (c *conn) enqueue(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop writes queued frames until ctx ends or a write fails.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Hub manages active connections. It implements service.EventSink so that
// every run's events reach the connections observing that session.
type Hub struct {
	runtime   *service.RuntimeService
	origins   []string
	sendQueue int
	log       *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub. runtime may be nil, in which case clients can
// observe runs but not start them. origins lists accepted Origin patterns;
// an empty list accepts same-host origins only.
func NewHub(runtime *service.RuntimeService, origins []string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		runtime:   runtime,
		origins:   origins,
		sendQueue: DefaultSendQueue,
		log:       log,
		conns:     make(map[*conn]struct{}),
	}
}

// SetSendQueue sets the per-connection frame buffer. An observer whose
// buffer is full is disconnected.
func (h *Hub) SetSendQueue(n int) {
	if n > 0 {
		h.sendQueue = n
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := newConn(ws, cancel, h.sendQueue)

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.InfoContext(ctx, "websocket connected", "remote", r.RemoteAddr)

	go func() {
		if err := c.writeLoop(ctx); err != nil && ctx.Err() == nil {
			h.log.DebugContext(ctx, "websocket write failed", "error", err)
		}
		h.remove(c)
	}()

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, c, TypeError, ErrorPayload{Error: "invalid message"})
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *conn, msg Message) {
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.SessionID == "" {
			h.reply(ctx, c, TypeError, ErrorPayload{Error: "session_id is required"})
			return
		}
		c.mu.Lock()
		if msg.Type == TypeSubscribe {
			c.sessions[p.SessionID] = struct{}{}
		} else {
			delete(c.sessions, p.SessionID)
		}
		c.mu.Unlock()
	case TypeRun:
		var p RunPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.reply(ctx, c, TypeError, ErrorPayload{Error: "invalid run payload"})
			return
		}
		if err := h.startRun(ctx, c, p); err != nil {
			h.reply(ctx, c, TypeError, ErrorPayload{Error: err.Error()})
		}
	default:
		h.reply(ctx, c, TypeError, ErrorPayload{Error: "unknown message type " + msg.Type})
	}
}

// startRun streams a run's events to c. The run is bound to the connection
// and is cancelled when the client disconnects.
func (h *Hub) startRun(ctx context.Context, c *conn, p RunPayload) error {
	if h.runtime == nil {
		return errors.New("runs are not enabled on this connection")
	}
	if strings.TrimSpace(p.Task) == "" {
		return errors.New("task is required")
	}
	if p.Tier != "" {
		if _, err := llm.ParseTier(p.Tier); err != nil {
			return err
		}
	}

	sessionID, events, err := h.runtime.RunStream(ctx, p.request())
	if err != nil {
		return err
	}
	h.reply(ctx, c, TypeRunStarted, RunStartedPayload{SessionID: sessionID})

	go func() {
		for ev := range events {
			h.reply(ctx, c, TypeRunEvent, ev)
		}
	}()
	return nil
}

// reply queues a message for c, waiting for room. Only the connection's
// own traffic blocks this way.
func (h *Hub) reply(ctx context.Context, c *conn, msgType string, payload any) {
	data, ok := encode(msgType, payload)
	if !ok {
		return
	}
	if err := c.enqueue(ctx, data); err != nil {
		h.log.DebugContext(ctx, "websocket reply dropped", "error", err)
	}
}

// Publish forwards ev to the connections observing its session. It never
// waits on a connection.
func (h *Hub) Publish(ctx context.Context, ev stream.Event) {
	if data, ok := encode(TypeRunEvent, ev); ok {
		h.fanOut(ctx, data, func(c *conn) bool { return c.watches(ev.SessionID) })
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	if data, ok := frame(msg); ok {
		h.fanOut(ctx, data, nil)
	}
}

// fanOut queues data for every connection matching want. A connection whose
// queue is full is too slow to follow and gets disconnected.
func (h *Hub) fanOut(ctx context.Context, data []byte, want func(*conn) bool) {
	for _, c := range h.snapshot() {
		if want != nil && !want(c) {
			continue
		}
		if !c.offer(data) {
			h.log.WarnContext(ctx, "websocket send queue full, disconnecting", "queue", cap(c.send))
			h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected")
	}
}
