// Package transport carries the websocket surface: authenticated upgrades,
// per-connection read/write pumps, and the routing of join, chat, and
// administrator events into the room engine.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// sendBuffer is the per-connection outbound queue depth. A consumer that
// falls further behind than this starts losing broadcasts rather than
// stalling the room.
const sendBuffer = 256

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// wsConnection is the connection surface the pumps need, satisfied by
// *websocket.Conn and by test fakes.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one live websocket session. It satisfies events.SocketHandle, so
// the room engine can address it without knowing about websockets.
type Client struct {
	conn wsConnection
	hub  *Hub

	sessionID   string
	userKey     string
	displayName string
	adminToken  bool

	mu     sync.Mutex
	closed bool
	// set on joinRoom; nil until then
	room   *room.Room
	userID string

	send      chan []byte
	closeOnce sync.Once
}

// ID returns the session identifier the hub and rooms key this socket by.
func (c *Client) ID() string { return c.sessionID }

// Send enqueues one event for delivery. Never blocks: a full queue drops the
// message and the slow consumer misses it.
func (c *Client) Send(event string, payload any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	data, err := json.Marshal(events.Message{Event: event, Payload: payload})
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event",
			zap.String("event", event), zap.Error(err))
		return
	}

	defer func() {
		// Send may race a concurrent Disconnect closing the channel.
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Send raced disconnect", zap.String("sessionId", c.sessionID))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Send queue full, dropping event",
			zap.String("sessionId", c.sessionID), zap.String("event", event))
	}
}

// Disconnect tears the session down. Closing the send channel makes the
// write pump drain what is queued, emit a close frame, and close the
// connection; closeImmediate is accepted for interface parity but both paths
// drain the queue first.
func (c *Client) Disconnect(closeImmediate bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// currentRoom returns the room and userId this session joined with.
func (c *Client) currentRoom() (*room.Room, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.userID
}

func (c *Client) setRoom(rm *room.Room, userID string) {
	c.mu.Lock()
	c.room = rm
	c.userID = userID
	c.mu.Unlock()
}

// readPump consumes inbound frames until the peer goes away, handing each
// decoded message to the hub router.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Dropping malformed client frame",
				zap.String("sessionId", c.sessionID), zap.Error(err))
			continue
		}
		c.hub.route(context.Background(), c, msg)
	}
}

// writePump drains the send queue onto the wire. A closed queue means the
// session was disconnected; the remaining messages are flushed, then a close
// frame ends the connection.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.GetLogger().Debug("Write failed, closing session",
				zap.String("sessionId", c.sessionID), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
