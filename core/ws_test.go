package core

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRejectsUnknownIdentity(t *testing.T) {
	tcs := []struct {
		name   string
		userID string
		code   int
	}{
		{name: "missing identity", userID: "", code: CloseMissingIdentity},
		{name: "unresolved identity", userID: "ghost", code: CloseUnresolvedIdentity},
		{name: "resolver failure", userID: "broken", code: websocket.CloseInternalServerErr},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := setUpWSFixture(t)
			defer f.tearDown()

			var connected bool
			f.cm.OnUserConnected(func(context.Context, *Conn) { connected = true })

			conn := f.dialRaw(tc.userID)
			assert.Equal(t, tc.code, readCloseCode(t, conn))
			assert.False(t, connected)
			assert.Empty(t, f.cm.ActiveUsers())
		})
	}
}

func TestConnectAcknowledges(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	conn := f.dialRaw("alice")
	e := readEvent(t, conn)
	require.Equal(t, ConnectedEvent, e.Type)

	var payload ConnectedEventPayload
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, "Alice", payload.UserName)
	assert.False(t, payload.Timestamp.IsZero())

	assert.True(t, f.cm.IsUserConnected("alice"))
	users := f.cm.ActiveUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
	assert.Equal(t, 1, users[0].Connections)
}

func TestPresenceAcrossConnections(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	var (
		mu           sync.Mutex
		connected    []string
		disconnected []string
		closed       int
	)
	f.cm.OnUserConnected(func(_ context.Context, c *Conn) {
		mu.Lock()
		defer mu.Unlock()
		connected = append(connected, c.Username)
	})
	f.cm.OnUserDisconnected(func(_ context.Context, username string) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, username)
	})
	f.cm.OnConnectionClosed(func(context.Context, *Conn) {
		mu.Lock()
		defer mu.Unlock()
		closed++
	})

	first := f.dial("alice")
	second := f.dial("alice")

	mu.Lock()
	assert.Equal(t, []string{"alice"}, connected, "only the first connection brings the user online")
	mu.Unlock()
	assert.Equal(t, 2, f.cm.ActiveUsers()[0].Connections)

	first.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed == 1
	}, baseTimeout, baseTimeout/20)
	mu.Lock()
	assert.Empty(t, disconnected, "the user still has a connection")
	mu.Unlock()
	assert.True(t, f.cm.IsUserConnected("alice"))

	second.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	}, baseTimeout, baseTimeout/20)
	assert.False(t, f.cm.IsUserConnected("alice"))
	assert.Empty(t, f.cm.ActiveUsers())
}

func TestEventsAreDispatchedInOrder(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	n := 50
	received := make(chan *Event, n)
	f.cm.OnEvent(func(_ context.Context, e *Event) {
		received <- e
	})

	conn := f.dial("alice")
	for i := 1; i <= n; i++ {
		writeEvent(t, conn, Event{Type: "test", CorrelationID: i})
	}

	for i := 1; i <= n; i++ {
		select {
		case e := <-received:
			assert.Equal(t, i, e.CorrelationID)
			assert.Equal(t, "alice", e.Dispatcher)
			assert.NotZero(t, e.ConnID)
		case <-time.After(baseTimeout):
			require.FailNow(t, "timeout waiting for event", "event %d", i)
		}
	}
}

func TestMalformedEnvelope(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	received := make(chan *Event, 1)
	f.cm.OnEvent(func(_ context.Context, e *Event) {
		received <- e
	})

	conn := f.dial("alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	e := readEvent(t, conn)
	require.Equal(t, ErrorEvent, e.Type)
	var payload ErrorEventPayload
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, CodeInvalidPayload, payload.Code)

	// the connection survives
	writeEvent(t, conn, Event{Type: "test"})
	select {
	case e := <-received:
		assert.Equal(t, "test", e.Type)
	case <-time.After(baseTimeout):
		require.FailNow(t, "timeout waiting for event")
	}
}

func TestSendToUsersReachesEveryConnection(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	a1 := f.dial("alice")
	a2 := f.dial("alice")
	b := f.dial("bob")

	e, err := NewEvent("hello", map[string]string{"to": "alice"})
	require.NoError(t, err)
	f.cm.SendToUsers(e, "alice")

	assert.Equal(t, "hello", readEvent(t, a1).Type)
	assert.Equal(t, "hello", readEvent(t, a2).Type)

	e, err = NewEvent("broadcast", nil)
	require.NoError(t, err)
	f.cm.Send(e, "alice")
	assert.Equal(t, "broadcast", readEvent(t, b).Type)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	f := setUpWSFixture(t, WithSendBufferSize(1))
	defer f.tearDown()

	disconnected := make(chan string, 1)
	f.cm.OnUserDisconnected(func(_ context.Context, username string) {
		disconnected <- username
	})

	// the client never reads so the buffer eventually overflows
	f.dialRaw("alice")
	require.Eventually(t, func() bool { return f.cm.IsUserConnected("alice") }, baseTimeout, baseTimeout/20)

	e, err := NewEvent("flood", nil)
	require.NoError(t, err)
	for i := 0; i < 10000; i++ {
		f.cm.SendToUsers(e, "alice")
		if !f.cm.IsUserConnected("alice") {
			break
		}
	}

	select {
	case username := <-disconnected:
		assert.Equal(t, "alice", username)
	case <-time.After(baseTimeout):
		require.FailNow(t, "slow consumer was not disconnected")
	}
}

func TestClosedConnectionDoesNotDispatch(t *testing.T) {
	f := setUpWSFixture(t, WithSendBufferSize(1))
	defer f.tearDown()

	closed := make(chan struct{})
	f.cm.OnConnectionClosed(func(context.Context, *Conn) {
		close(closed)
	})

	held := make(chan struct{})
	openAfterClose := make(chan bool, 1)
	dispatched := make(chan string, 8)
	f.cm.OnEvent(func(_ context.Context, e *Event) {
		dispatched <- e.Type
		if e.Type != "hold" {
			return
		}
		close(held)
		select {
		case <-closed:
			openAfterClose <- f.cm.IsConnOpen(e.Source())
		case <-time.After(baseTimeout):
		}
	})

	conn := f.dial("alice")
	defer conn.Close()
	writeEvent(t, conn, Event{Type: "hold"})
	writeEvent(t, conn, Event{Type: "after"})
	<-held
	assert.Equal(t, "hold", <-dispatched)

	// the client stops reading, so large events back up until it is dropped
	flood, err := NewEvent("flood", strings.Repeat("x", 1<<20))
	require.NoError(t, err)
	for i := 0; i < 1000 && f.cm.IsUserConnected("alice"); i++ {
		f.cm.SendToUsers(flood, "alice")
	}

	select {
	case open := <-openAfterClose:
		assert.False(t, open)
	case <-time.After(baseTimeout):
		require.FailNow(t, "connection was not closed")
	}
	assert.Never(t, func() bool { return len(dispatched) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.cancel()
	defer f.server.Close()

	a := f.dial("alice")
	b := f.dial("bob")

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	require.NoError(t, f.cm.Close(ctx))

	assert.Equal(t, websocket.CloseNormalClosure, readCloseCode(t, a))
	assert.Equal(t, websocket.CloseNormalClosure, readCloseCode(t, b))
	assert.Empty(t, f.cm.ActiveUsers())

	// new connections are refused once closed
	conn := f.dialRaw("carol")
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn))
}
