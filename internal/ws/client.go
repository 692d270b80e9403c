package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"livepoll/internal/broadcast"
	"livepoll/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 32
)

// client is one attached WebSocket connection. A reader goroutine
// dispatches inbound events; a writer goroutine drains the send channel
// so acks and broadcasts share a single serialized writer. The send
// channel is never closed: teardown closes done instead, so a hub
// delivery racing a disconnect degrades to a dropped frame.
type client struct {
	handler  *Handler
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	socketID string
	ip       string

	// Set on a successful join; read only from the reader goroutine.
	roomCode      string
	participantID string
}

// Send implements broadcast.Subscriber. It must not block: a client
// that cannot keep up, or one that is tearing down, gets its frames
// dropped rather than stalling the hub fan-out.
func (c *client) Send(ev broadcast.Event) bool {
	frame, err := json.Marshal(envelope{Event: string(ev.Type), Data: ev.Payload})
	if err != nil {
		return false
	}
	return c.push(frame)
}

func (c *client) enqueue(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.handler.logger.Error("ack marshal failed", "event", event, "err", err)
		return
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	if !c.push(frame) {
		c.handler.logger.Warn("dropping frame for slow client", "socket", c.socketID, "event", event)
	}
}

func (c *client) push(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Warn("unexpected socket close", "socket", c.socketID, "err", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.enqueue("error", errorAck{Error: "malformed message", Code: "INVALID_INPUT"})
			continue
		}
		c.handler.dispatch(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown detaches the connection from its room and marks the
// participant disconnected (never deleted) so a rejoin resumes their
// prior vote. Leaving the hub first narrows the window in which a
// fabric delivery can still reach this client; any such straggler hits
// the closed done channel and is dropped.
func (c *client) teardown() {
	if c.roomCode != "" {
		c.handler.hub.Leave(c.roomCode, c.socketID)
	}
	close(c.done)
	metrics.AddWSConnection(-1)
	if c.participantID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.handler.polls.Disconnect(ctx, c.participantID); err != nil {
			c.handler.logger.Warn("disconnect cleanup failed", "participant", c.participantID, "err", err)
		}
	}
}
