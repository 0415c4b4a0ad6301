// Package notify pushes conversation and registry changes to observers:
// WebSocket clients through Hub and a Telegram chat through Mirror.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/registry"
	"github.com/user/paywire/internal/types"
)

const subscriberID = "notify-hub"

// Message types sent to WebSocket clients.
const (
	TypeSnapshot = "snapshot"
	TypeEntry    = "entry"
	TypeAgent    = "agent"
	TypeCleared  = "cleared"
)

// Message is the JSON frame for incremental updates.
type Message struct {
	Type   string             `json:"type"`
	Entry  *types.Entry       `json:"entry,omitempty"`
	Agent  *types.AgentRecord `json:"agent,omitempty"`
	Change string             `json:"change,omitempty"`
}

// Snapshot is the first frame every client receives.
type Snapshot struct {
	Type         string              `json:"type"`
	Agents       []types.AgentRecord `json:"agents"`
	Conversation []types.Entry       `json:"conversation"`
}

// HubOptions tunes client queues and keepalive.
type HubOptions struct {
	SendBuffer   int
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
}

func (o HubOptions) withDefaults() HubOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	return o
}

// Hub fans conversation entries and agent changes out to WebSocket
// clients. A client that cannot keep up is disconnected.
type Hub struct {
	bus      *conversation.Bus
	registry *registry.Registry
	opts     HubOptions
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub over bus and reg. Call Start to begin streaming.
func NewHub(bus *conversation.Bus, reg *registry.Registry, opts HubOptions) *Hub {
	return &Hub{
		bus:      bus,
		registry: reg,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes the hub to the bus and registry.
func (h *Hub) Start() {
	h.bus.Subscribe(subscriberID, h.onEvent)
	h.registry.Subscribe(subscriberID, h.onChange)
}

// Close unsubscribes and disconnects every client.
func (h *Hub) Close() {
	h.bus.Unsubscribe(subscriberID)
	h.registry.Unsubscribe(subscriberID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams updates until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.opts.SendBuffer), backlogCap: h.opts.SendBuffer}
	if !h.add(c) {
		conn.Close()
		return
	}

	// The client is registered before the view is read, so nothing
	// appended in between is missed; start drops what the view covers.
	view := h.bus.View()
	agents := h.registry.List()
	if view.Entries == nil {
		view.Entries = []types.Entry{}
	}
	snap, err := json.Marshal(Snapshot{Type: TypeSnapshot, Agents: agents, Conversation: view.Entries})
	if err != nil {
		slog.Error("encode snapshot failed", "error", err)
		h.remove(c)
		conn.Close()
		return
	}
	if !c.start(snap, view) {
		h.remove(c)
	}

	slog.Debug("websocket client connected", "remote", r.RemoteAddr, "entries", len(view.Entries))
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	c.close()
}

func (h *Hub) onEvent(ev conversation.Event) {
	msg := Message{Type: TypeEntry, Entry: ev.Entry}
	if ev.Type == conversation.EventCleared {
		msg = Message{Type: TypeCleared}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("encode event failed", "error", err)
		return
	}
	h.broadcast(outbound{data: data, event: &ev})
}

func (h *Hub) onChange(ch registry.Change) {
	agent := ch.Agent
	data, err := json.Marshal(Message{Type: TypeAgent, Agent: &agent, Change: string(ch.Type)})
	if err != nil {
		slog.Error("encode agent change failed", "error", err)
		return
	}
	h.broadcast(outbound{data: data})
}

func (h *Hub) broadcast(o outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.deliver(o) {
			slog.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

type outbound struct {
	data  []byte
	event *conversation.Event
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	ready      bool
	closed     bool
	view       conversation.View
	backlog    []outbound
	backlogCap int
}

// start queues the snapshot followed by anything that arrived while the
// snapshot was being read and is not already part of it.
func (c *client) start(snapshot []byte, view conversation.View) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.view = view
	c.ready = true
	if !c.enqueue(snapshot) {
		return false
	}
	for _, o := range c.backlog {
		if o.event != nil && view.Covers(*o.event) {
			continue
		}
		if !c.enqueue(o.data) {
			return false
		}
	}
	c.backlog = nil
	return true
}

// deliver reports false when the client should be dropped.
func (c *client) deliver(o outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if !c.ready {
		c.backlog = append(c.backlog, o)
		return len(c.backlog) <= c.backlogCap
	}
	if o.event != nil && c.view.Covers(*o.event) {
		return true
	}
	return c.enqueue(o.data)
}

func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
