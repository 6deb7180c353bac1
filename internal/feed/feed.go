// Package feed pushes store changes to browser views over websockets.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/bus"
	"github.com/stellarlinkco/prospector/internal/store"
)

const (
	queueSize    = 256
	writeTimeout = 5 * time.Second
)

// Message is the frame sent to clients.
type Message struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	Kind     string `json:"kind,omitempty"`
	ID       string `json:"id,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Limit    int64  `json:"limit,omitempty"`
	At       string `json:"at,omitempty"`
}

type client struct {
	conn *websocket.Conn
	id   string
}

// Hub accepts websocket clients and broadcasts queued messages to all of them.
type Hub struct {
	clients sync.Map
	nextID  atomic.Int64
	queue   chan Message
	dropped atomic.Int64
	logger  *zap.Logger

	mu    sync.Mutex
	unsub []func()
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{queue: make(chan Message, queueSize), logger: logger.Named("feed")}
}

// Attach forwards st's change and capacity signals to connected clients.
func (h *Hub) Attach(st store.Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsub = append(h.unsub,
		st.OnChange(func(c bus.Change) {
			h.Publish(Message{Type: "change", Kind: c.Kind, ID: c.ID, At: c.At.UTC().Format(time.RFC3339Nano)})
		}),
		st.OnCapacityExceeded(func(ev bus.CapacityEvent) {
			h.Publish(Message{Type: "capacity", Kind: ev.Kind, ID: ev.ID, Size: ev.Size, Limit: ev.Limit})
		}),
	)
}

// Publish queues msg without blocking. Messages are dropped when the queue is full.
func (h *Hub) Publish(msg Message) {
	select {
	case h.queue <- msg:
	default:
		if h.dropped.Add(1) == 1 {
			h.logger.Warn("feed queue full, dropping messages")
		}
	}
}

// Run broadcasts queued messages until ctx ends, then detaches from the
// store and closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-h.queue:
			h.broadcast(ctx, msg)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for _, fn := range h.unsub {
		fn()
	}
	h.unsub = nil
	h.mu.Unlock()

	h.clients.Range(func(key, value any) bool {
		c := value.(*client)
		c.conn.CloseNow()
		return true
	})
	h.logger.Info("feed stopped")
}

func (h *Hub) broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode feed message", zap.Error(err))
		return
	}
	h.clients.Range(func(key, value any) bool {
		c := value.(*client)
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
			h.logger.Debug("feed write failed", zap.String("client", c.id), zap.Error(err))
		}
		return true
	})
}

// Clients reports how many websocket clients are connected.
func (h *Hub) Clients() int {
	n := 0
	h.clients.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
// Clients may send {"type":"ping"} and get a pong back.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept", zap.Error(err))
		return
	}

	clientID := fmt.Sprintf("feed-%d", h.nextID.Add(1))
	c := &client{conn: conn, id: clientID}

	ctx := r.Context()
	h.clients.Store(clientID, c)
	h.logger.Debug("client connected", zap.String("client", clientID))

	defer func() {
		h.clients.Delete(clientID)
		conn.CloseNow()
		h.logger.Debug("client disconnected", zap.String("client", clientID))
	}()

	if err := h.send(ctx, c, Message{Type: "hello", ClientID: clientID}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			_ = h.send(ctx, c, Message{Type: "pong"})
		}
	}
}

func (h *Hub) send(ctx context.Context, c *client, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}
