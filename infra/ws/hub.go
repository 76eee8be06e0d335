package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/ridedispatch/core/logger"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/registry"
)

// ErrSlowConsumer is returned when a connection's send queue is full.
var ErrSlowConsumer = errors.New("websocket send queue full")

// Config tunes connection handling.
type Config struct {
	SendQueue      int `json:"send_queue"`
	WriteTimeoutMS int `json:"write_timeout_ms"`
	PongTimeoutMS  int `json:"pong_timeout_ms"`
	MaxMessageSize int `json:"max_message_size"`
	// CommandTimeoutMS bounds the handling of one inbound command.
	CommandTimeoutMS int `json:"command_timeout_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.SendQueue <= 0 {
		c.SendQueue = 32
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 10000
	}
	if c.PongTimeoutMS <= 0 {
		c.PongTimeoutMS = 60000
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.CommandTimeoutMS <= 0 {
		c.CommandTimeoutMS = 5000
	}
}

// Hub owns every live puller connection. It implements notify.Notifier.
type Hub struct {
	cfg      Config
	conns    *registry.Registry[*Conn]
	mu       sync.RWMutex
	handler  messages.Handler
	logger   logger.Logger
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

var _ notify.Notifier = (*Hub)(nil)

// NewHub creates a hub that hands inbound commands to h.
func NewHub(cfg Config, h messages.Handler, log logger.Logger) *Hub {
	cfg.SetDefaults()
	return &Hub{
		cfg:     cfg,
		conns:   registry.New[*Conn](),
		handler: h,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the connection for pullerID until it
// closes. The puller is reported online on connect and offline once its
// last connection is gone.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, pullerID string) {
	if pullerID == "" {
		http.Error(w, "missing puller id", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade for %s: %v", pullerID, err)
		return
	}
	c := newConn(h, ws, pullerID)
	if prev, replaced := h.conns.Register(pullerID, c); replaced {
		h.logger.Infof("replacing connection for %s", pullerID)
		prev.close()
	}
	h.logger.Infow("puller connected", map[string]any{"puller_id": pullerID, "connections": h.conns.Len()})
	h.setPresence(pullerID, true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	c.readLoop()

	if h.conns.Unregister(pullerID, c) {
		h.setPresence(pullerID, false)
		h.logger.Infow("puller disconnected", map[string]any{"puller_id": pullerID})
	}
	c.close()
}

// SetHandler replaces the handler for inbound commands.
func (h *Hub) SetHandler(handler messages.Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) commandHandler() messages.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

func (h *Hub) setPresence(pullerID string, online bool) {
	handler := h.commandHandler()
	if handler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.commandTimeout())
	defer cancel()
	cmd := messages.PullerStatusUpdate{PullerID: pullerID, Online: online, Active: online}
	if err := handler.HandleCommand(ctx, cmd); err != nil {
		h.logger.Warnf("presence update for %s: %v", pullerID, err)
	}
}

func (h *Hub) commandTimeout() time.Duration {
	return time.Duration(h.cfg.CommandTimeoutMS) * time.Millisecond
}

// Notify queues msg for the puller's live connection.
func (h *Hub) Notify(_ context.Context, pullerID string, msg messages.Message) error {
	c, ok := h.conns.Lookup(pullerID)
	if !ok {
		return fmt.Errorf("ws notify %s: %w", pullerID, notify.ErrNotConnected)
	}
	payload, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

// Broadcast queues msg for every live connection. Slow consumers are
// skipped and reported in the joined error.
func (h *Hub) Broadcast(_ context.Context, msg messages.Message) error {
	payload, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	var errs []error
	for id, c := range h.conns.Snapshot() {
		if err := c.enqueue(payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Connected lists the pullers with a live connection.
func (h *Hub) Connected() []string {
	return h.conns.IDs()
}

// Close drops every connection and waits for the writers to exit.
func (h *Hub) Close() {
	for id, c := range h.conns.Snapshot() {
		h.conns.Unregister(id, c)
		c.close()
	}
	h.wg.Wait()
}
