// Package statews pushes the audio view to websocket clients.
//
// Messages are JSON text frames with an envelope {type, ts, data}. A client
// receives "state_init" with the full view on connect, then "state_changed"
// with the full view whenever the store changes. Bursty changes are coalesced.
package statews

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultSendBuf  = 32
	defaultFrameBuf = 128

	// frameWriteTimeout bounds one write (data, ping or close) to a peer.
	frameWriteTimeout = 5 * time.Second
	// peerIdleTimeout is how long a peer may stay silent (no pong, no message).
	peerIdleTimeout = 30 * time.Second
	// pingInterval leaves a third of the idle timeout for the pong to arrive.
	pingInterval = peerIdleTimeout * 2 / 3
)

// ============================================================================
// Hub
// ============================================================================

// Hub tracks connected clients and fans frames out to them. A client whose send
// queue is full is disconnected so it cannot stall the others.
type Hub struct {
	logger *slog.Logger

	// frames carries serialized frames from Publish to Run.
	frames chan []byte
	// leave carries clients whose read side failed.
	leave chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	sendBuf int
	dropped atomic.Uint64

	// done is closed when Run stops; pumps joins every client goroutine.
	done  chan struct{}
	pumps sync.WaitGroup
}

// HubConfig sizes the hub's queues. Zero values select defaults.
type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int
	// BroadcastBuf is the hub inbound frame queue size.
	BroadcastBuf int
}

func positiveOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		frames:  make(chan []byte, positiveOr(cfg.BroadcastBuf, defaultFrameBuf)),
		leave:   make(chan *Client, 64),
		clients: make(map[*Client]struct{}),
		sendBuf: positiveOr(cfg.SendBuf, defaultSendBuf),
		done:    make(chan struct{}),
	}
}

// Run delivers published frames until ctx is canceled, then disconnects every
// client and waits for their pumps to exit.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")
	defer h.logger.Info("ws hub stopped")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.shutdown()
			h.pumps.Wait()
			return

		case c := <-h.leave:
			h.evict(c, "unregister")

		case msg := <-h.frames:
			h.fanOut(msg)
		}
	}
}

// fanOut offers msg to every client. Clients that cannot take it are removed
// from the set under the lock and closed after it is released.
func (h *Hub) fanOut(msg []byte) {
	var overflowed []*Client

	h.mu.Lock()
	for c := range h.clients {
		if !c.offer(msg) {
			delete(h.clients, c)
			overflowed = append(overflowed, c)
		}
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	for _, c := range overflowed {
		c.close()
		h.logger.Info("ws client disconnected", "client_id", c.id, "remote_addr", c.remoteAddr, "reason", "slow_client", "clients", remaining)
	}
}

// register adds c and starts its pumps when it has a connection. It returns
// false once the hub has shut down.
//
// first, when non-nil, is queued on c before any broadcast can reach it. It runs
// under the hub lock, so c misses no broadcast dequeued after first was built.
// Such a broadcast may still carry a revision no newer than first.
func (h *Hub) register(c *Client, first func() ([]byte, error)) (bool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, nil
	}
	if first != nil {
		msg, err := first()
		if err != nil {
			h.mu.Unlock()
			return false, err
		}
		c.offer(msg)
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	if c.conn != nil {
		h.pumps.Add(2)
	}
	h.mu.Unlock()

	if c.conn != nil {
		go func() {
			defer h.pumps.Done()
			c.writePump()
		}()
		go func() {
			defer h.pumps.Done()
			c.readPump()
		}()
	}
	h.logger.Info("ws client registered", "client_id", c.id, "remote_addr", c.remoteAddr, "clients", n)
	return true, nil
}

// ClientCount reports the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// shutdown closes every client and refuses further registrations.
func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	victims := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		victims = append(victims, c)
	}
	clear(h.clients)
	h.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
	h.logger.Info("ws hub disconnected clients", "clients", len(victims))
}

func (h *Hub) evict(c *Client, reason string) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}
	c.close()
	h.logger.Info("ws client disconnected", "client_id", c.id, "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// Publish queues a serialized frame for every client. It never blocks: when the
// queue is full the frame is dropped and false is returned.
func (h *Hub) Publish(msg []byte) bool {
	select {
	case h.frames <- msg:
		return true
	default:
		total := h.dropped.Add(1)
		h.logger.Warn("ws hub frame queue full, dropping frame", "bytes", len(msg), "dropped_total", total)
		return false
	}
}

// Dropped reports how many frames Publish has discarded.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ============================================================================
// Client
// ============================================================================

// Client is one websocket connection with its own outbound queue.
type Client struct {
	hub *Hub

	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a fresh id and an outbound queue sized by hub.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	size := defaultSendBuf
	if hub != nil {
		size = hub.sendBuf
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		hub:        hub,
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, size),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// ID returns the client's identifier, used in logs.
func (c *Client) ID() string { return c.id }

// offer queues msg without blocking and reports whether it fit.
func (c *Client) offer(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close closes the connection and signals writePump to exit. Safe to call twice.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Info("ws peer closed", "client_id", c.id, "pump", pump, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Info("ws pump exiting", "client_id", c.id, "pump", pump, "error", err)
}

func (c *Client) writeFrame(kind int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	return c.conn.WriteMessage(kind, payload)
}

// writePump drains the send queue to the connection and keeps the peer alive
// with pings. It sends a close frame once the queue is closed.
func (c *Client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var err error
		select {
		case msg, open := <-c.send:
			if !open {
				_ = c.writeFrame(websocket.CloseMessage, nil)
				return
			}
			err = c.writeFrame(websocket.TextMessage, msg)
		case <-ping.C:
			err = c.writeFrame(websocket.PingMessage, nil)
		}
		if err != nil {
			c.logExit("write", err)
			return
		}
	}
}

// readPump discards inbound frames, which keeps control frames flowing, and
// hands the client back to the hub once the peer is gone.
func (c *Client) readPump() {
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(peerIdleTimeout))
	}
	_ = extend("")
	c.conn.SetPongHandler(extend)

	var err error
	for err == nil {
		_, _, err = c.conn.ReadMessage()
	}
	c.logExit("read", err)

	if c.hub == nil {
		return
	}
	select {
	case c.hub.leave <- c:
	case <-c.hub.done:
	}
}
