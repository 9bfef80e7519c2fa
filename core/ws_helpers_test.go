package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var baseTimeout = 2 * time.Second

var errResolverDown = errors.New("resolver down")

// mapResolver resolves the users it knows about. The user "broken" makes it fail.
type mapResolver map[string]string

func (r mapResolver) GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error) {
	if username == "broken" {
		return nil, errResolverDown
	}
	name, ok := r[username]
	if !ok {
		return nil, nil
	}
	return &UserWithoutSecrets{Username: username, Name: name}, nil
}

type wsFixture struct {
	t      *testing.T
	server *httptest.Server
	cm     *ConnManager
	cancel context.CancelFunc
}

func setUpWSFixture(t *testing.T, opts ...ManagerOption) *wsFixture {
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := mapResolver{"alice": "Alice", "bob": "Bob", "carol": "Carol"}

	cm := NewConnManager(ctx, logger, NewQueryAuthenticator("userId"), resolver, opts...)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cm.Connect(w, r)
	}))

	return &wsFixture{t: t, server: server, cm: cm, cancel: cancel}
}

func (f *wsFixture) tearDown() {
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.cm.Close(ctx)
	f.cancel()
	f.server.Close()
}

func (f *wsFixture) url(userID string) string {
	u, _ := url.Parse(strings.Replace(f.server.URL, "http://", "ws://", 1))
	if userID != "" {
		q := u.Query()
		q.Set("userId", userID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// dial opens a connection for userID and consumes the connected acknowledgment.
func (f *wsFixture) dial(userID string) *websocket.Conn {
	conn := f.dialRaw(userID)
	e := readEvent(f.t, conn)
	require.Equal(f.t, ConnectedEvent, e.Type)
	return conn
}

func (f *wsFixture) dialRaw(userID string) *websocket.Conn {
	conn, res, err := websocket.DefaultDialer.Dial(f.url(userID), nil)
	require.NoError(f.t, err)
	require.Equal(f.t, http.StatusSwitchingProtocols, res.StatusCode)
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return &e
}

// readCloseCode reads until the server closes the connection and returns the close code.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func writeEvent(t *testing.T, conn *websocket.Conn, e Event) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(e))
}
