package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gocloud.dev/pubsub"
)

const (
	realtimeWriteWait    = 10 * time.Second
	realtimePongWait     = 60 * time.Second
	realtimePingInterval = 50 * time.Second
	realtimeMaxMessage   = 4096
)

// RealtimeEnvelope is what a websocket client receives for every update.
type RealtimeEnvelope struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type realtimeRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type realtimeClient struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// RealtimeHub consumes broadcast messages from a subscription and fans them out to the
// websocket clients that joined the message's room. A client whose buffer is full misses
// the update.
type RealtimeHub struct {
	subscription *pubsub.Subscription
	upgrader     websocket.Upgrader
	clientBuffer int
	dropped      atomic.Int64

	mu      sync.RWMutex
	rooms   map[string]map[*realtimeClient]struct{}
	clients map[*realtimeClient]struct{}
	closed  bool
}

func NewRealtimeHub(subscription *pubsub.Subscription, allowedOrigins []string) *RealtimeHub {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return &RealtimeHub{
		subscription: subscription,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		clientBuffer: 64,
		rooms:        make(map[string]map[*realtimeClient]struct{}),
		clients:      make(map[*realtimeClient]struct{}),
	}
}

// Run receives from the subscription until ctx is done.
func (h *RealtimeHub) Run(ctx context.Context) error {
	if h.subscription == nil {
		<-ctx.Done()
		return nil
	}

	for {
		message, err := h.subscription.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving broadcast: %w", err)
		}

		h.Deliver(message.Metadata[metadataRoom], message.Metadata[metadataEvent], message.Body)
		message.Ack()
	}
}

// Deliver hands the update to every client in room and returns how many received it.
func (h *RealtimeHub) Deliver(room string, event string, body []byte) int {
	if room == "" {
		return 0
	}

	payload, err := json.Marshal(RealtimeEnvelope{Room: room, Event: event, Data: body})
	if err != nil {
		slog.Warn("failed to encode realtime update", slog.String("room", room), slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.rooms[room] {
		select {
		case client.send <- payload:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped is the number of updates slow clients missed.
func (h *RealtimeHub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *RealtimeHub) register(client *realtimeClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *RealtimeHub) unregister(client *realtimeClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	delete(h.clients, client)
	close(client.send)
}

func (h *RealtimeHub) join(client *realtimeClient, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*realtimeClient]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *RealtimeHub) leave(client *realtimeClient, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(client, room)
}

// removeFromRoom expects h.mu to be held.
func (h *RealtimeHub) removeFromRoom(client *realtimeClient, room string) {
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members is the number of clients currently in room.
func (h *RealtimeHub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ServeHTTP upgrades the request to a websocket. The monitor and user query parameters
// join their rooms right away.
func (h *RealtimeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(r.Context(), "failed to upgrade to websocket", slog.String("error", err.Error()))
		return
	}

	client := &realtimeClient{
		conn:  conn,
		send:  make(chan []byte, h.clientBuffer),
		rooms: make(map[string]struct{}),
	}
	if !h.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(realtimeWriteWait))
		_ = conn.Close()
		return
	}

	query := r.URL.Query()
	if monitorID := query.Get("monitor"); monitorID != "" {
		h.join(client, MonitorRoom(monitorID))
	}
	if userID := query.Get("user"); userID != "" {
		h.join(client, UserRoom(userID))
	}

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *RealtimeHub) readLoop(client *realtimeClient) {
	defer func() {
		h.unregister(client)
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(realtimeMaxMessage)
	_ = client.conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})

	for {
		var request realtimeRequest
		if err := client.conn.ReadJSON(&request); err != nil {
			var syntaxError *json.SyntaxError
			var typeError *json.UnmarshalTypeError
			if errors.As(err, &syntaxError) || errors.As(err, &typeError) {
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		if request.ID == "" {
			continue
		}

		var room string
		switch request.Type {
		case "subscribe:monitor", "unsubscribe:monitor":
			room = MonitorRoom(request.ID)
		case "subscribe:user", "unsubscribe:user":
			room = UserRoom(request.ID)
		default:
			continue
		}

		event := "subscribed"
		if request.Type[0] == 'u' {
			h.leave(client, room)
			event = "unsubscribed"
		} else {
			h.join(client, room)
		}

		acknowledgement, _ := json.Marshal(RealtimeEnvelope{Room: room, Event: event})
		select {
		case client.send <- acknowledgement:
		default:
		}
	}
}

func (h *RealtimeHub) writeLoop(client *realtimeClient) {
	ticker := time.NewTicker(realtimePingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *RealtimeHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*realtimeClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
	}
}
