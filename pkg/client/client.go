// Package client is a Go client for the chat WebSocket protocol.
// It reconnects on its own when the connection drops and joins back the
// chats it had joined, since the server keeps no state across connections.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatline/core"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
)

const writeWait = 10 * time.Second

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	// StateFailed is reached when automatic reconnection gave up or the
	// server rejected the identity. Reconnect must be called to recover.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrAckTimeout is returned when the server did not answer in time.
	// The request may or may not have been processed.
	ErrAckTimeout      = errors.New("timed out waiting for acknowledgment")
	ErrNotConnected    = errors.New("not connected")
	ErrClosed          = errors.New("client closed")
	ErrUnauthenticated = errors.New("identity rejected")
)

// ServerError is an error event sent back by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// UserID is sent in the IdentityParam query parameter when set.
	UserID        string
	IdentityParam string
	// Token is a session token sent as the auth cookie when set.
	Token string

	// BaseDelay is the delay unit of the reconnect backoff: the n-th attempt waits BaseDelay×n.
	BaseDelay time.Duration
	// MaxAttempts is the number of automatic reconnect attempts. The default is 5.
	MaxAttempts uint64
	// SendTimeout bounds how long a request waits for its answer. The default is 10s.
	SendTimeout time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.IdentityParam == "" {
		c.IdentityParam = "userId"
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

type pendingRequest struct {
	accept []string
	reply  chan *core.Event
}

type Client struct {
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	rooms   map[string]struct{}
	pending map[int]*pendingRequest
	seq     int

	writeMu sync.Mutex
	events  chan *core.Event
}

// Dial connects to the server and waits for it to accept the identity.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("missing url")
	}
	config.setDefaults()

	c := &Client{
		config:  config,
		logger:  config.Logger,
		state:   StateConnecting,
		rooms:   make(map[string]struct{}),
		pending: make(map[int]*pendingRequest),
		events:  make(chan *core.Event, config.EventBuffer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	if err := c.attach(conn); err != nil {
		c.cancel()
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if c.config.UserID != "" {
		q := u.Query()
		q.Set(c.config.IdentityParam, c.config.UserID)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Cookie", (&http.Cookie{Name: core.AuthCookieName, Value: c.config.Token}).String())
	}

	conn, _, err := c.config.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// an accepted connection is acknowledged before anything else
	conn.SetReadDeadline(time.Now().Add(c.config.SendTimeout))
	var ack core.Event
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && isIdentityRejected(closeErr.Code) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, closeErr.Text)
		}
		return nil, fmt.Errorf("read acknowledgment: %w", err)
	}
	if ack.Type != core.ConnectedEvent {
		conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func isIdentityRejected(code int) bool {
	return code == core.CloseMissingIdentity || code == core.CloseUnresolvedIdentity
}

// attach makes conn the current connection, starts reading from it and joins
// back every chat that was joined.
func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	rooms := slices.Sorted(maps.Keys(c.rooms))
	c.mu.Unlock()

	c.wg.Go(func() { c.readLoop(conn) })

	// answers have no waiter and show up on Events, history included
	for _, id := range rooms {
		e, err := c.newRequest(joinChatEvent, chatRef{ChatID: id})
		if err != nil {
			return err
		}
		if err := c.write(conn, e); err != nil {
			c.logger.Warn(fmt.Sprintf("rejoin %s: %v", id, err))
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		var e core.Event
		if err := core.DecodeEvent(r, &e); err != nil {
			c.logger.Warn(err.Error())
			continue
		}
		c.route(&e)
	}
}

// route hands an answer to the request waiting for it, or publishes the event.
func (c *Client) route(e *core.Event) {
	if e.CorrelationID != 0 {
		c.mu.Lock()
		p, ok := c.pending[e.CorrelationID]
		if ok && (e.Type == core.ErrorEvent || slices.Contains(p.accept, e.Type)) {
			delete(c.pending, e.CorrelationID)
			c.mu.Unlock()
			p.reply <- e
			return
		}
		c.mu.Unlock()
	}

	select {
	case c.events <- e:
	default:
		c.logger.Warn(fmt.Sprintf("event buffer full, dropping %s", e.Type))
	}
}

func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	var closeErr *websocket.CloseError
	rejected := errors.As(err, &closeErr) && isIdentityRejected(closeErr.Code)
	if rejected {
		c.state = StateFailed
	} else {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	for _, p := range pending {
		close(p.reply)
	}

	c.logger.Warn(fmt.Sprintf("connection lost: %v", err))
	if !rejected {
		c.wg.Go(c.reconnectLoop)
	}
}

func (c *Client) reconnectLoop() {
	conn, err := c.redial(c.ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateReconnecting {
			c.state = StateFailed
		}
		c.mu.Unlock()
		c.logger.Error(fmt.Sprintf("reconnect: %v", err))
		return
	}
	if err := c.attach(conn); err != nil {
		c.logger.Debug(fmt.Sprintf("attach: %v", err))
	}
}

// linearBackoff waits base×n before the n-th retry. Together with the wait
// before the first attempt, attempt n starts base×n after the previous one failed.
func linearBackoff(base time.Duration, attempts uint64) retry.Backoff {
	var n int64 = 1
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
	return retry.WithMaxRetries(attempts-1, next)
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.config.BaseDelay):
	}

	attempt := 0
	return retry.DoValue(ctx, linearBackoff(c.config.BaseDelay, c.config.MaxAttempts),
		func(ctx context.Context) (*websocket.Conn, error) {
			attempt++
			conn, err := c.dial(ctx)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return nil, err
				}
				c.logger.Debug(fmt.Sprintf("reconnect attempt %d: %v", attempt, err))
				return nil, retry.RetryableError(err)
			}
			return conn, nil
		})
}

// Reconnect connects again after the client reached StateFailed.
// It is a no-op when the client is connected.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateReconnecting, StateConnecting:
		c.mu.Unlock()
		return errors.New("reconnect already in progress")
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateReconnecting {
			c.state = StateFailed
		}
		c.mu.Unlock()
		return err
	}
	return c.attach(conn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the events that are not answers to a request: messages,
// presence, read receipts and the history sent on join. It is closed by Close.
// Events are dropped when the channel is full.
func (c *Client) Events() <-chan *core.Event {
	return c.events
}

// Rooms returns the chats that are joined back on reconnect.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.rooms))
}

func (c *Client) newRequest(eventType string, payload interface{}) (*core.Event, error) {
	e, err := core.NewEvent(eventType, payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.seq++
	e.CorrelationID = c.seq
	c.mu.Unlock()
	return e, nil
}

func (c *Client) write(conn *websocket.Conn, e *core.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(e); err != nil {
		return fmt.Errorf("write %s: %w", e.Type, err)
	}
	return nil
}

// request sends an event and waits for an answer of one of the accepted types
// or an error event carrying the same correlation id.
func (c *Client) request(ctx context.Context, eventType string, payload interface{}, accept ...string) (*core.Event, error) {
	e, err := c.newRequest(eventType, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	p := &pendingRequest{accept: accept, reply: make(chan *core.Event, 1)}
	c.pending[e.CorrelationID] = p
	c.mu.Unlock()

	if err := c.write(conn, e); err != nil {
		c.forget(e.CorrelationID)
		return nil, err
	}

	timer := time.NewTimer(c.config.SendTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-p.reply:
		if !ok {
			return nil, ErrNotConnected
		}
		if reply.Type == core.ErrorEvent {
			var payload core.ErrorEventPayload
			if err := json.Unmarshal(reply.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode error event: %w", err)
			}
			return nil, &ServerError{Code: payload.Code, Message: payload.Message}
		}
		return reply, nil
	case <-timer.C:
		c.forget(e.CorrelationID)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.forget(e.CorrelationID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Close closes the connection and stops reconnecting. The Events channel is
// closed once every background goroutine has exited.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.mu.Unlock()

	c.cancel()
	for _, p := range pending {
		close(p.reply)
	}

	var err error
	if conn != nil {
		c.writeMu.Lock()
		err = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = multierr.Append(err, conn.Close())
	}

	c.wg.Wait()
	close(c.events)
	return err
}
