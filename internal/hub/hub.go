package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"plantwatch/internal/logger"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

// Message types pushed to presentation clients.
const (
	TypeSnapshot   = "snapshot"
	TypeAlerts     = "alerts"
	TypeConnection = "connection"
)

// Message is the envelope every push uses.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// InitialFunc returns the messages a client receives right after it connects.
type InitialFunc func() []Message

// Hub fans out snapshots, evaluations and connection changes to WebSocket
// clients. Broadcasts never block the caller; slow clients are dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	initial    InitialFunc
	upgrader   websocket.Upgrader
	done       chan struct{}

	mu      sync.RWMutex
	running bool
}

func New(initial InitialFunc) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		initial:    initial,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run serves registrations and broadcasts until ctx is done, then
// disconnects every client. A hub runs once.
func (h *Hub) Run(ctx context.Context) {
	log := logger.WithComponent("hub")
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		metrics.HubClients.Set(0)
		close(h.done)
		log.Info().Msg("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			metrics.HubClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			log.Debug().Str("remote", client.remote).Msg("client registered")
			h.greet(client)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					log.Warn().Str("remote", client.remote).Msg("client send buffer full, removing")
					delete(h.clients, client)
					close(client.send)
				}
			}
			metrics.HubClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

func (h *Hub) greet(client *Client) {
	if h.initial == nil {
		return
	}
	for _, msg := range h.initial() {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.HubClients.Set(float64(len(h.clients)))
		logger.WithComponent("hub").Debug().Str("remote", client.remote).Msg("client unregistered")
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client. It reports false when the
// message was dropped.
func (h *Hub) Broadcast(msgType string, payload any) bool {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		logger.WithComponent("hub").Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return false
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return false
	}

	select {
	case h.broadcast <- data:
		return true
	default:
		logger.WithComponent("hub").Warn().Str("type", msgType).Msg("broadcast queue full, dropping")
		return false
	}
}

// OnSnapshot pushes a new sensor snapshot.
func (h *Hub) OnSnapshot(ctx context.Context, snap models.SensorSnapshot) {
	h.Broadcast(TypeSnapshot, snap)
}

// OnState pushes a connection state change.
func (h *Hub) OnState(state models.ConnectionState) {
	h.Broadcast(TypeConnection, state)
}

// OnEvaluation pushes the alerts of an evaluation pass.
func (h *Hub) OnEvaluation(ctx context.Context, rec *models.EvaluationRecord) error {
	h.Broadcast(TypeAlerts, rec)
	return nil
}

// ServeWS upgrades the request and attaches a new client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("hub").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
