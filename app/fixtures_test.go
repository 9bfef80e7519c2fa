package chatline

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatline/core"
	"github.com/stretchr/testify/require"
)

var (
	baseTimeout = 2 * time.Second
	tick        = 10 * time.Millisecond
)

var (
	alice = core.User{Username: "alice", Name: "Alice", Password: "password123"}
	bob   = core.User{Username: "bob", Name: "Bob", Password: "password123"}
	carol = core.User{Username: "carol", Name: "Carol", Password: "password123"}
)

func testConfig() *Config {
	config := &Config{
		Port:           8080,
		Hostname:       "localhost",
		Mode:           DevMode,
		AllowedOrigins: []string{"*"},
	}
	config.Auth.Secret = Base64Encoded("test-secret")
	config.Auth.TokenExp = time.Hour
	config.SQLite.File = uuid.New().String()
	config.SQLite.Migrations = "../migrations"
	config.SQLite.Mode = "memory"
	config.WS.Identity = QueryIdentity
	config.WS.IdentityParam = "userId"
	config.WS.SendBuffer = 256
	config.Chat.HistoryLimit = 50
	config.Chat.SweepInterval = time.Minute
	return config
}

type appFixture struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	app    *App
	server *httptest.Server
}

// newAppFixture starts an app backed by a private in-memory database.
// Each option tweaks the config before the app is built.
func newAppFixture(t *testing.T, opts ...func(*Config)) *appFixture {
	config := testConfig()
	for _, opt := range opts {
		opt(config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, config)
	require.NoError(t, err)

	f := &appFixture{t: t, ctx: ctx, cancel: cancel, app: app}
	f.server = httptest.NewServer(app.Handler())
	t.Cleanup(f.tearDown)
	return f
}

func (f *appFixture) tearDown() {
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.cancel()
	f.app.Shutdown(ctx)
	f.server.Close()
}

func (f *appFixture) seedUsers(users ...core.User) {
	for _, u := range users {
		require.NoError(f.t, f.app.userStore.CreateUser(f.ctx, u))
	}
}

func (f *appFixture) seedChat(name string, owner core.User, members ...core.User) string {
	usernames := make([]string, 0, len(members))
	for _, m := range members {
		usernames = append(usernames, m.Username)
	}
	id, err := f.app.chatStore.CreateChat(f.ctx, name, owner.Username, usernames...)
	require.NoError(f.t, err)
	return id
}

func (f *appFixture) seedMessages(chatID string, sender core.User, contents ...string) []core.Message {
	messages := make([]core.Message, 0, len(contents))
	for _, c := range contents {
		m, err := f.app.chatStore.SendMessage(f.ctx, core.MessageCreateInput{
			ChatID:  chatID,
			Sender:  sender.Username,
			Content: c,
		})
		require.NoError(f.t, err)
		messages = append(messages, *m)
	}
	return messages
}

func (f *appFixture) request(method, path, token string, body interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.server.Client().Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

// signin returns the session token of the user.
func (f *appFixture) signin(u core.User) string {
	res := f.request(http.MethodPost, "/api/auth/signin", "", SigninPayload{Username: u.Username, Password: u.Password})
	require.Equal(f.t, http.StatusOK, res.StatusCode)
	var session core.Session
	decodeBody(f.t, res, &session)
	return session.Token
}

// presence events are broadcast to everyone and can arrive at any point.
var presenceEvents = []string{UserOnlineEvent, UserOfflineEvent}

type wsClient struct {
	t    *testing.T
	user string
	conn *websocket.Conn
	seq  int
}

// connect opens a connection for the user and consumes the connected acknowledgment.
func (f *appFixture) connect(user string) *wsClient {
	u, _ := url.Parse(strings.Replace(f.server.URL, "http://", "ws://", 1) + "/ws")
	q := u.Query()
	q.Set("userId", user)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: f.t, user: user, conn: conn}
	c.expect(core.ConnectedEvent)
	return c
}

// send writes an event and returns its correlation id.
func (c *wsClient) send(eventType string, payload interface{}) int {
	c.t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(c.t, err)
	c.seq++
	require.NoError(c.t, c.conn.WriteJSON(core.Event{Type: eventType, Payload: b, CorrelationID: c.seq}))
	return c.seq
}

// next returns the next event, whatever its type.
func (c *wsClient) next() *core.Event {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(baseTimeout))
	var e core.Event
	require.NoError(c.t, c.conn.ReadJSON(&e), "%s: waiting for an event", c.user)
	return &e
}

// expect returns the next event that is not a presence event and checks its type.
func (c *wsClient) expect(eventType string) *core.Event {
	c.t.Helper()
	for {
		e := c.next()
		if !slices.Contains(presenceEvents, eventType) && slices.Contains(presenceEvents, e.Type) {
			continue
		}
		require.Equal(c.t, eventType, e.Type, "%s: unexpected event %s", c.user, string(e.Payload))
		return e
	}
}

func (c *wsClient) expectPayload(eventType string, v interface{}) *core.Event {
	c.t.Helper()
	e := c.expect(eventType)
	require.NoError(c.t, json.Unmarshal(e.Payload, v))
	return e
}

func (c *wsClient) expectError(code string) *core.Event {
	c.t.Helper()
	var payload core.ErrorEventPayload
	e := c.expectPayload(core.ErrorEvent, &payload)
	require.Equal(c.t, code, payload.Code, payload.Message)
	return e
}

// collect reads until n events of the given type have arrived, skipping the others.
func (c *wsClient) collect(eventType string, n int) []*core.Event {
	c.t.Helper()
	events := make([]*core.Event, 0, n)
	for len(events) < n {
		if e := c.next(); e.Type == eventType {
			events = append(events, e)
		}
	}
	return events
}

// quiet checks that no event other than a presence event arrives for d.
// The connection cannot be read after a read deadline expires, so it must be the last read.
func (c *wsClient) quiet(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	for {
		var e core.Event
		err := c.conn.ReadJSON(&e)
		if err != nil {
			var netErr net.Error
			require.ErrorAs(c.t, err, &netErr)
			require.True(c.t, netErr.Timeout(), err.Error())
			return
		}
		if slices.Contains(presenceEvents, e.Type) {
			continue
		}
		c.t.Fatalf("%s: unexpected event %s %s", c.user, e.Type, string(e.Payload))
	}
}

// join joins the chat and returns the history that came with it.
func (c *wsClient) join(chatID string) ChatHistoryPayload {
	c.t.Helper()
	c.send(JoinChatEvent, ChatRefPayload{ChatID: chatID})
	var history ChatHistoryPayload
	c.expectPayload(ChatHistoryEvent, &history)
	c.expect(JoinedChatEvent)
	return history
}

func (c *wsClient) close() {
	c.conn.Close()
}

func unmarshal(e *core.Event, v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
