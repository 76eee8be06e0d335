package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/ridedispatch/core/messages"
)

// Conn is one puller's socket. Writes happen only on the writer goroutine.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	pullerID string
	send     chan []byte

	once sync.Once
	done chan struct{}
}

func newConn(h *Hub, ws *websocket.Conn, pullerID string) *Conn {
	return &Conn{
		hub:      h,
		ws:       ws,
		pullerID: pullerID,
		send:     make(chan []byte, h.cfg.SendQueue),
		done:     make(chan struct{}),
	}
}

func (c *Conn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	writeTimeout := time.Duration(c.hub.cfg.WriteTimeoutMS) * time.Millisecond
	ping := time.NewTicker(time.Duration(c.hub.cfg.PongTimeoutMS) * time.Millisecond * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Warnf("write to %s: %v", c.pullerID, err)
				c.close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop decodes command envelopes until the socket fails. Commands are
// bound to the connection's puller so a client cannot act for another.
func (c *Conn) readLoop() {
	pongTimeout := time.Duration(c.hub.cfg.PongTimeoutMS) * time.Millisecond
	c.ws.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warnf("read from %s: %v", c.pullerID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		cmd, err := messages.DecodeEnvelope(data)
		if err != nil {
			c.hub.logger.Warnw("dropping inbound frame", map[string]any{"puller_id": c.pullerID, "error": err.Error()})
			c.reject(err)
			continue
		}
		handler := c.hub.commandHandler()
		if handler == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.commandTimeout())
		_ = handler.HandleCommand(ctx, bindPuller(cmd, c.pullerID))
		cancel()
	}
}

// reject answers an undecodable frame directly on this connection.
func (c *Conn) reject(err error) {
	payload, encErr := messages.Encode(messages.RequestFailed{Reason: "invalid_command", Detail: err.Error()})
	if encErr == nil {
		_ = c.enqueue(payload)
	}
}

func bindPuller(cmd messages.Command, pullerID string) messages.Command {
	switch v := cmd.(type) {
	case messages.Accept:
		v.PullerID = pullerID
		return v
	case messages.Reject:
		v.PullerID = pullerID
		return v
	case messages.PullerStatusUpdate:
		v.PullerID = pullerID
		return v
	}
	return cmd
}
