package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single authenticated WebSocket connection of a user.
type Conn struct {
	ID          int
	Username    string
	Name        string
	ConnectedAt time.Time

	conn        *websocket.Conn
	context     context.Context
	manager     *ConnManager
	writeStream chan *Event
	logger      *slog.Logger
	closed      atomic.Bool
}

func (c *Conn) Ref() ConnRef {
	return ConnRef{Username: c.Username, ID: c.ID}
}

// Closed reports whether the connection was removed from the manager.
// The socket may still be draining queued events.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// close must be called with the manager lock held.
func (c *Conn) close() {
	c.closed.Store(true)
	close(c.writeStream)
}

// readLoop decodes inbound events and dispatches them one at a time, so the
// events of a connection are handled in the order they were received.
func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.manager.disconnect(c.Username, c.ID)
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			e, _ := NewEvent(ErrorEvent, ErrorEventPayload{
				Message: InvalidPayload(err.Error()).Error(),
				Code:    CodeInvalidPayload,
			})
			e.CorrelationID = event.CorrelationID
			c.manager.SendToConns(e, c.Ref())
			continue
		}
		// the cleanup of a removed connection has already run, anything it
		// dispatched now would outlive it
		if c.Closed() {
			c.logger.Debug(fmt.Sprintf("dropping %s from closed connection", event.Type))
			continue
		}
		event.Dispatcher = c.Username
		event.ConnID = c.ID

		c.logger.Debug(event.String())

		c.manager.dispatch(c.context, &event)
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flushing writer: %v", err))
				return
			}
		case <-c.context.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
