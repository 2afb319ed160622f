package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/session"
)

// ErrSlowConsumer is returned by Deliver when a client's send buffer is full.
// The client is disconnected.
var ErrSlowConsumer = errors.New("server: client send buffer full")

// Hub manages all WebSocket client connections, at most one per session
// key. It implements delivery.Deliverer for the sessions it holds.
type Hub struct {
	clients    map[session.Key]*Client
	register   chan *Client
	unregister chan *Client
	handler    delivery.FrameHandler
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *logger.Logger
}

// NewHub creates a Hub that reports connection lifecycle and inbound frames
// to handler.
func NewHub(handler delivery.FrameHandler, log *logger.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[session.Key]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.With("component", "Hub"),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Deliver sends env to the client holding target's session.
func (h *Hub) Deliver(_ context.Context, target delivery.Target, env delivery.Envelope) error {
	message, err := delivery.Encode(env)
	if err != nil {
		return err
	}

	h.mutex.RLock()
	client, ok := h.clients[target.SessionKey]
	h.mutex.RUnlock()
	if !ok {
		return delivery.ErrNoSession
	}
	if !h.safeSend(client, message) {
		h.evict(client)
		return ErrSlowConsumer
	}
	return nil
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in safeSend", "panic", r)
		}
	}()

	// The lock is held for the whole send so the channel cannot be closed
	// underneath it.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// evict drops a client whose send buffer overflowed. Closing the connection
// makes its read pump exit and unregister it.
func (h *Hub) evict(client *Client) {
	if client.conn == nil {
		return
	}
	h.log.Warn("Disconnecting slow client", "session", string(client.key), "addr", client.addr)
	if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
		h.log.Warn("Error closing slow client", "addr", client.addr, "error", err)
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns when Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// registerClient installs client as the holder of its session key. A
// previous connection with the same key is closed without ending the
// session.
func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	previous := h.clients[client.key]
	if previous != nil {
		previous.closed = true
	}
	client.closed = false
	h.clients[client.key] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if previous != nil {
		close(previous.send)
		h.log.Info("Replaced existing connection of session", "session", string(client.key), "previous_addr", previous.addr)
	}

	h.handler.Connect(h.ctx, client.principal)
	h.log.Info("Client registered",
		"session", string(client.key),
		"addr", client.addr,
		"clients", clientCount,
	)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	current, ok := h.clients[client.key]
	if !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.key)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.handler.Disconnect(h.ctx, client.principal)
	h.log.Info("Client unregistered",
		"session", string(client.key),
		"addr", client.addr,
		"clients", clientCount,
	)
}

// shutdownClients closes every active client connection.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("Error closing client connection", "addr", client.addr, "error", err)
			}
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops the hub and waits for all client goroutines to complete or
// the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
