package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/boz/go-throttle"
	"github.com/coder/websocket"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/events"
	"github.com/phpack/phpack/internal/types"
)

const (
	// MessageBuildEvent carries one events.BuildEvent
	MessageBuildEvent = "build_event"
	// MessageServerStats carries a snapshot of every live preview server
	MessageServerStats = "server_stats"
)

const (
	writeTimeout   = 5 * time.Second
	statsPeriod    = 500 * time.Millisecond
	brokerBuffer   = 256
	connSendBuffer = 64
)

// Message is the envelope of every websocket message
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// Hub fans build events and server stats out to websocket clients. Slow
// clients lose messages instead of stalling the hub.
type Hub struct {
	broker  *events.Broker
	stats   func() []types.ServerInstance
	origins []string
	log     *logrus.Entry

	mu       deadlock.RWMutex
	conns    map[*conn]struct{}
	throttle throttle.ThrottleDriver
}

// NewHub creates a hub. stats is polled when server activity is signalled.
// Browser clients must come from one of origins, given as scheme://host.
func NewHub(broker *events.Broker, stats func() []types.ServerInstance, origins []string, log *logrus.Entry) *Hub {
	h := &Hub{
		broker:  broker,
		stats:   stats,
		origins: origins,
		log:     log,
		conns:   make(map[*conn]struct{}),
	}
	h.throttle = throttle.ThrottleFunc(statsPeriod, true, h.broadcastStats)
	return h
}

// Run forwards broker events until ctx ends
func (h *Hub) Run(ctx context.Context) {
	ch, unsubscribe := h.broker.Subscribe(brokerBuffer)
	defer unsubscribe()
	defer h.throttle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(MessageBuildEvent, e)
		}
	}
}

// ServerActivity schedules a throttled server stats broadcast
func (h *Hub) ServerActivity() {
	h.throttle.Trigger()
}

func (h *Hub) broadcastStats() {
	if h.ConnectionCount() == 0 {
		return
	}
	h.Broadcast(MessageServerStats, h.stats())
}

// Broadcast queues a message for every client
func (h *Hub) Broadcast(kind string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).Warn("websocket payload marshal failed")
		return
	}
	data, err := json.Marshal(Message{Type: kind, Payload: body})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			h.log.Debug("websocket client too slow, message dropped")
		}
	}
}

// ConnectionCount returns the number of connected clients
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleWS upgrades the request and streams messages until the client leaves
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.WithError(err).Debug("websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, send: make(chan []byte, connSendBuffer), cancel: cancel}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("remote", r.RemoteAddr).Debug("websocket connected")

	go h.readLoop(ctx, c)
	h.writeLoop(ctx, c)
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	defer c.cancel()
	for {
		if _, _, err := c.ws.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	defer func() {
		h.remove(c)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Debug("websocket disconnected")
	}
}
