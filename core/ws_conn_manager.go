package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32 << 10

	defaultSendBufferSize = 256
)

// Close codes sent when a connection is rejected during the handshake.
const (
	CloseMissingIdentity    = 4001
	CloseUnresolvedIdentity = 4003
)

const ConnectedEvent = "connected"

// ErrConnClosed is returned when acting for a connection that is already gone.
var ErrConnClosed = errors.New("connection closed")

type ConnectedEventPayload struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActiveUser is a snapshot of an online user.
type ActiveUser struct {
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	ConnectedAt time.Time `json:"connectedAt"`
	Connections int       `json:"connections"`
}

// IdentityResolver resolves a user identifier to a user.
// It returns nil if the user does not exist.
type IdentityResolver interface {
	GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error)
}

type ConnIDGenerator interface {
	Next() int
}

type AutoIncrementConnIDGenerator struct {
	counter atomic.Int64
}

func (g *AutoIncrementConnIDGenerator) Next() int {
	return int(g.counter.Add(1))
}

// ConnManager accepts WebSocket connections, binds them to a resolved user and
// keeps track of who is online. A user may hold several connections at once.
type ConnManager struct {
	conns   map[string][]*Conn
	mu      sync.RWMutex
	closed  bool
	wg      conc.WaitGroup
	context context.Context
	logger  *slog.Logger

	authenticator Authenticator
	resolver      IdentityResolver
	idGenerator   ConnIDGenerator

	onUserConnected    func(context.Context, *Conn)
	onUserDisconnected func(context.Context, string)
	onConnectionClosed func(context.Context, *Conn)
	dispatch           func(context.Context, *Event)

	upgrader       websocket.Upgrader
	sendBufferSize int
	now            func() time.Time
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Delegate the check to CORS middleware
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithSendBufferSize(n int) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.sendBufferSize = n
		}
	}
}

func WithConnIDGenerator(g ConnIDGenerator) ManagerOption {
	return func(m *ConnManager) {
		m.idGenerator = g
	}
}

func NewConnManager(ctx context.Context, logger *slog.Logger, authenticator Authenticator,
	resolver IdentityResolver, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:              make(map[string][]*Conn),
		context:            ctx,
		logger:             logger,
		authenticator:      authenticator,
		resolver:           resolver,
		idGenerator:        &AutoIncrementConnIDGenerator{},
		upgrader:           defaultUpgrader,
		sendBufferSize:     defaultSendBufferSize,
		onUserConnected:    func(context.Context, *Conn) {},
		onUserDisconnected: func(context.Context, string) {},
		onConnectionClosed: func(context.Context, *Conn) {},
		dispatch:           func(context.Context, *Event) {},
		now:                time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnUserConnected is called when a user opens its first connection.
func (m *ConnManager) OnUserConnected(f func(context.Context, *Conn)) {
	m.onUserConnected = f
}

// OnUserDisconnected is called when the last connection of a user is closed.
func (m *ConnManager) OnUserDisconnected(f func(context.Context, string)) {
	m.onUserDisconnected = f
}

// OnConnectionClosed is called every time a connection is closed.
func (m *ConnManager) OnConnectionClosed(f func(context.Context, *Conn)) {
	m.onConnectionClosed = f
}

// OnEvent sets the function inbound events are dispatched to.
func (m *ConnManager) OnEvent(f func(context.Context, *Event)) {
	m.dispatch = f
}

func (m *ConnManager) IsUserConnected(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[username]
	return ok
}

// IsConnOpen reports whether the connection is still registered.
// Once it returns false the connection's cleanup has run or is about to.
func (m *ConnManager) IsConnOpen(ref ConnRef) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.conns[ref.Username], func(c *Conn) bool { return c.ID == ref.ID })
}

// ActiveUsers returns the online users ordered by user id.
func (m *ConnManager) ActiveUsers() []ActiveUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]ActiveUser, 0, len(m.conns))
	for _, username := range slices.Sorted(maps.Keys(m.conns)) {
		conns := m.conns[username]
		user := ActiveUser{
			UserID:      username,
			UserName:    conns[0].Name,
			ConnectedAt: conns[0].ConnectedAt,
			Connections: len(conns),
		}
		users = append(users, user)
	}
	return users
}

// Connect upgrades the request, authenticates it and registers the connection.
// When the identity cannot be established the connection is closed with an
// explicit close code and no state is created.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	username, err := m.authenticator.Authenticate(r)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingIdentity):
			m.reject(conn, CloseMissingIdentity, err.Error())
		case errors.Is(err, ErrUnresolvedIdentity):
			m.reject(conn, CloseUnresolvedIdentity, err.Error())
		default:
			m.reject(conn, websocket.CloseInternalServerErr, "authentication failed")
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	user, err := m.resolver.GetUserByUsername(r.Context(), username)
	if err != nil {
		m.reject(conn, websocket.CloseInternalServerErr, "identity lookup failed")
		return fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		m.reject(conn, CloseUnresolvedIdentity, ErrUnresolvedIdentity.Error())
		return ErrUnresolvedIdentity
	}

	id := m.idGenerator.Next()
	c := &Conn{
		ID:          id,
		Username:    user.Username,
		Name:        user.Name,
		ConnectedAt: m.now(),
		conn:        conn,
		context:     m.context,
		manager:     m,
		writeStream: make(chan *Event, m.sendBufferSize),
		logger:      m.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", user.Username, id))),
	}

	// the acknowledgment is queued before the connection becomes visible
	// so that it is always the first event the client receives
	ack, err := NewEvent(ConnectedEvent, ConnectedEventPayload{
		UserID:    c.Username,
		UserName:  c.Name,
		Timestamp: c.ConnectedAt,
	})
	if err != nil {
		m.reject(conn, websocket.CloseInternalServerErr, "")
		return err
	}
	c.writeStream <- ack

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.reject(conn, websocket.CloseGoingAway, "server shutting down")
		return errors.New("connection manager closed")
	}
	conns := m.conns[c.Username]
	first := len(conns) == 0
	m.conns[c.Username] = append(conns, c)
	m.wg.Go(c.readLoop)
	m.wg.Go(c.writeLoop)
	m.mu.Unlock()

	c.logger.Info("connected")
	if first {
		m.onUserConnected(m.context, c)
	}
	return nil
}

func (m *ConnManager) reject(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	conn.Close()
}

// disconnect removes a connection. It is a no-op if the connection is already gone.
func (m *ConnManager) disconnect(username string, id int) {
	m.mu.Lock()
	conns := m.conns[username]
	idx := slices.IndexFunc(conns, func(c *Conn) bool { return c.ID == id })
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	c := conns[idx]
	conns = slices.Delete(conns, idx, idx+1)
	userDisconnected := len(conns) == 0
	if userDisconnected {
		delete(m.conns, username)
	} else {
		m.conns[username] = conns
	}
	c.close()
	m.mu.Unlock()

	c.logger.Info("disconnected")
	m.onConnectionClosed(m.context, c)
	if userDisconnected {
		m.onUserDisconnected(m.context, username)
	}
}

// Close disconnects every connection, rejects new ones and waits for the
// connection goroutines to exit or ctx to be done.
func (m *ConnManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	refs := make([]ConnRef, 0)
	for _, conns := range m.conns {
		for _, c := range conns {
			refs = append(refs, c.Ref())
		}
	}
	m.mu.Unlock()

	for _, ref := range refs {
		m.disconnect(ref.Username, ref.ID)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue must be called with m.mu held. A connection whose buffer is full is
// considered too slow and gets disconnected.
func (m *ConnManager) enqueue(c *Conn, e *Event) {
	select {
	case c.writeStream <- e:
	default:
		c.logger.Warn("send buffer full, disconnecting")
		go m.disconnect(c.Username, c.ID)
	}
}

func (m *ConnManager) Send(e *Event, except ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for username, conns := range m.conns {
		if slices.Contains(except, username) {
			continue
		}
		for _, conn := range conns {
			m.enqueue(conn, e)
		}
	}
}

func (m *ConnManager) SendToUsers(e *Event, usernames ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range usernames {
		for _, conn := range m.conns[u] {
			m.enqueue(conn, e)
		}
	}
}

func (m *ConnManager) SendToConns(e *Event, refs ...ConnRef) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ref := range refs {
		for _, conn := range m.conns[ref.Username] {
			if conn.ID == ref.ID {
				m.enqueue(conn, e)
			}
		}
	}
}
