// Package websocket pushes live queue views to browsers. Clients subscribe
// to topics and receive every event broadcast to those topics. A
// SubscribeFunc installed on the hub decides whether a client may join a
// topic and sends it the current state before any later update.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/auth"
)

// Event types sent to clients.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
	EventError    = "error"
)

// Event is one message pushed to a client.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewEvent marshals v as the event payload.
func NewEvent(typ, topic string, v interface{}) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Event{Type: typ, Topic: topic, Timestamp: time.Now().UTC(), Data: data}, nil
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher broadcasts events to topic subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// SubscribeFunc handles a subscription request. It returns an error to
// refuse the topic, and otherwise must call Hub.Join itself.
type SubscribeFunc func(ctx context.Context, client *Client, topic string) error

// Client represents a single websocket connection.
type Client struct {
	ID     string
	UserID string
	Roles  []string
	Topics []string
	Send   chan []byte
	hub    *Hub
}

// MaxTopicsPerClient bounds how many topics one connection may follow.
const MaxTopicsPerClient = 32

const sendBuffer = 64

// NewClient returns a client ready to Register.
func NewClient(hub *Hub, userID string, roles []string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Roles:  roles,
		Topics: []string{},
		Send:   make(chan []byte, sendBuffer),
		hub:    hub,
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // topic -> set of clients
	all       map[*Client]struct{}
	subscribe SubscribeFunc
	logger    zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// OnSubscribe installs fn to vet and prime every subscription. Without it
// any topic is joined with no initial event.
func (h *Hub) OnSubscribe(fn SubscribeFunc) {
	h.mu.Lock()
	h.subscribe = fn
	h.mu.Unlock()
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(client, topic)
	}
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(client)
}

func (h *Hub) unregisterLocked(client *Client) {
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Join subscribes client to topic and queues initial ahead of any event
// broadcast afterwards. initial may be nil.
func (h *Hub) Join(client *Client, topic string, initial *Event) error {
	var data []byte
	if initial != nil {
		var err error
		if data, err = json.Marshal(initial); err != nil {
			return fmt.Errorf("marshal initial event: %w", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return fmt.Errorf("client %s is not connected", client.ID)
	}
	if _, dup := h.clients[topic][client]; !dup {
		if len(client.Topics) >= MaxTopicsPerClient {
			return fmt.Errorf("subscription limit of %d topics reached", MaxTopicsPerClient)
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
	if data != nil && !h.offerLocked(client, data) {
		h.unregisterLocked(client)
	}
	return nil
}

// Subscribe adds topics to a registered client without initial events.
func (h *Hub) Subscribe(client *Client, topics []string) {
	for _, topic := range topics {
		if err := h.Join(client, topic, nil); err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("subscribe failed")
		}
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(client, t)
	}
	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.mu.RLock()
		fn := h.subscribe
		h.mu.RUnlock()
		for _, topic := range msg.Topics {
			var err error
			if fn != nil {
				err = fn(ctx, client, topic)
			} else {
				err = h.Join(client, topic, nil)
			}
			if err != nil {
				h.SendTo(client, Event{Type: EventError, Topic: topic, Timestamp: time.Now().UTC(), Error: err.Error()})
			}
		}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		h.SendTo(client, Event{Type: EventError, Timestamp: time.Now().UTC(), Error: fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

// offerLocked queues data without blocking. Caller holds mu.
func (h *Hub) offerLocked(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// SendTo queues an event for one client.
func (h *Hub) SendTo(client *Client, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	if !h.offerLocked(client, data) {
		h.unregisterLocked(client)
	}
}

// Broadcast sends an event to every subscriber of topic. A client whose
// buffer is full is disconnected; on reconnect it gets a fresh snapshot
// rather than a gap in its view.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("dropping slow client")
			h.unregisterLocked(client)
		}
		h.mu.Unlock()
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.all {
		h.unregisterLocked(client)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Topics lists topics with at least one subscriber.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for t := range h.clients {
		out = append(out, t)
	}
	return out
}

// ---------------------------------------------------------------------------
// WebSocketHandler: echo handler for websocket connections
// ---------------------------------------------------------------------------

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WebSocketHandler upgrades requests and pumps messages between the
// connection and the hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler binds a handler to hub. An empty allowedOrigins
// accepts any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins ...string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and serves it until it closes.
// The caller's identity from the request context is attached to the client.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	client := NewClient(wsh.hub, auth.UserIDFromContext(ctx), auth.RolesFromContext(ctx))
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("client connected")

	go wsh.writePump(client, ws)
	wsh.readPump(ctx, client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.hub.logger.Debug().Str("client_id", client.ID).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			wsh.hub.SendTo(client, Event{Type: EventError, Timestamp: time.Now().UTC(), Error: "malformed message"})
			continue
		}
		wsh.hub.ProcessMessage(ctx, client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
