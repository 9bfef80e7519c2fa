package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomRegistryJoin(t *testing.T) {
	r := NewRoomRegistry()

	res := r.Join("room", "alice", 1)
	assert.True(t, res.Created)
	assert.True(t, res.NewMember)
	assert.False(t, res.AlreadySubscribed)
	assert.Equal(t, []string{"alice"}, res.Members)

	t.Run("joining twice does not duplicate the member", func(t *testing.T) {
		res := r.Join("room", "alice", 1)
		assert.False(t, res.Created)
		assert.False(t, res.NewMember)
		assert.True(t, res.AlreadySubscribed)
		assert.Equal(t, []string{"alice"}, res.Members)
	})

	t.Run("second connection of a member", func(t *testing.T) {
		res := r.Join("room", "alice", 2)
		assert.False(t, res.NewMember)
		assert.False(t, res.AlreadySubscribed)
		assert.Equal(t, []string{"alice"}, res.Members)
		assert.Equal(t, []ConnRef{{Username: "alice", ID: 1}, {Username: "alice", ID: 2}}, r.Subscribers("room"))
	})

	t.Run("another member", func(t *testing.T) {
		res := r.Join("room", "bob", 3)
		assert.True(t, res.NewMember)
		assert.Equal(t, []string{"alice", "bob"}, res.Members)
		assert.Equal(t, []ConnRef{{Username: "bob", ID: 3}}, r.Subscribers("room", "alice"))
	})
}

func TestRoomRegistryLeave(t *testing.T) {
	t.Run("last member leaving deletes the room", func(t *testing.T) {
		r := NewRoomRegistry()
		r.Join("room", "alice", 1)
		r.Join("room", "bob", 2)

		res := r.Leave("room", "alice", 1)
		assert.True(t, res.MemberLeft)
		assert.False(t, res.RoomDeleted)
		assert.Equal(t, []string{"bob"}, res.Remaining)

		res = r.Leave("room", "bob", 2)
		assert.True(t, res.MemberLeft)
		assert.True(t, res.RoomDeleted)
		assert.Empty(t, res.Remaining)

		_, ok := r.Members("room")
		assert.False(t, ok)
		assert.Empty(t, r.Rooms())
	})

	t.Run("member with another connection stays", func(t *testing.T) {
		r := NewRoomRegistry()
		r.Join("room", "alice", 1)
		r.Join("room", "alice", 2)

		res := r.Leave("room", "alice", 1)
		assert.False(t, res.MemberLeft)
		assert.False(t, r.IsSubscribed("room", "alice", 1))
		assert.True(t, r.IsSubscribed("room", "alice", 2))
	})

	t.Run("leaving a room not joined is a no-op", func(t *testing.T) {
		r := NewRoomRegistry()
		r.Join("room", "alice", 1)

		assert.Equal(t, LeaveResult{RoomID: "missing"}, r.Leave("missing", "alice", 1))
		res := r.Leave("room", "bob", 1)
		assert.False(t, res.MemberLeft)
		assert.Equal(t, []string{"alice"}, res.Remaining)
	})
}

func TestRoomRegistryLeaveAll(t *testing.T) {
	r := NewRoomRegistry()
	r.Join("b", "alice", 1)
	r.Join("a", "alice", 1)
	r.Join("a", "bob", 2)
	r.Join("c", "alice", 9)

	results := r.LeaveAll("alice", 1)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].RoomID)
	assert.Equal(t, []string{"bob"}, results[0].Remaining)
	assert.Equal(t, "b", results[1].RoomID)
	assert.True(t, results[1].RoomDeleted)

	assert.Equal(t, []string{"c"}, r.RoomsOf("alice"))
	assert.Empty(t, r.LeaveAll("alice", 1))
}

func TestRoomRegistryInfo(t *testing.T) {
	r := NewRoomRegistry()
	_, ok := r.Info("room")
	assert.False(t, ok)

	r.Join("room", "bob", 2)
	r.Join("room", "alice", 1)
	info, ok := r.Info("room")
	require.True(t, ok)
	assert.Equal(t, "room", info.ID)
	assert.Equal(t, []string{"alice", "bob"}, info.Members)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestRoomRegistrySweep(t *testing.T) {
	r := NewRoomRegistry()
	r.Join("live", "alice", 1)
	// simulate a room left empty by a path that bypassed Leave
	r.mu.Lock()
	r.rooms["stale"] = &liveRoom{id: "stale", members: map[string]map[int]struct{}{"ghost": {}}}
	r.mu.Unlock()

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, []RoomInfo{{ID: "live", CreatedAt: r.rooms["live"].createdAt, Members: []string{"alice"}}}, r.Rooms())
	assert.Equal(t, 0, r.Sweep())
}

func TestRoomRegistryConcurrentJoinLeave(t *testing.T) {
	r := NewRoomRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user%d", i)
			r.Join("room", user, i)
			r.Join("room", user, i)
			r.Leave("room", user, i)
		}(i)
	}
	wg.Wait()

	_, ok := r.Members("room")
	assert.False(t, ok)
}

func TestRoomRegistryLock(t *testing.T) {
	r := NewRoomRegistry()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := r.Lock("room")
			defer unlock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 20)
	assert.Zero(t, r.locks.Len(), "idle locks must be released")
}
