package core

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// liveRoom is the in-memory view of a chat: the users that are currently
// subscribed to its live updates, and through which connections.
type liveRoom struct {
	id        string
	createdAt time.Time
	// members maps a username to the set of its subscribed connection ids.
	members map[string]map[int]struct{}
}

func (r *liveRoom) memberList() []string {
	return slices.Sorted(maps.Keys(r.members))
}

// RoomInfo is a snapshot of a live room.
type RoomInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Members   []string  `json:"members"`
}

type JoinResult struct {
	// Created is true when the join created the room.
	Created bool
	// NewMember is true when the user had no subscribed connection in the room before.
	NewMember bool
	// AlreadySubscribed is true when the connection was already subscribed to the room.
	AlreadySubscribed bool
	Members           []string
}

type LeaveResult struct {
	RoomID string
	// MemberLeft is true when the user has no subscribed connection left in the room.
	MemberLeft  bool
	RoomDeleted bool
	Remaining   []string
}

// RoomRegistry tracks live room membership. A room is created on its first
// join and removed as soon as its last member leaves.
// It is distinct from durable chat participation which lives in the ChatStore.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[string]*liveRoom
	locks *KeyedMutex
	now   func() time.Time
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*liveRoom),
		locks: NewKeyedMutex(),
		now:   time.Now,
	}
}

// Join subscribes the connection of a user to a room, creating the room if needed.
// Joining twice is a no-op on the membership set.
func (r *RoomRegistry) Join(roomID, username string, connID int) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult
	room, ok := r.rooms[roomID]
	if !ok {
		room = &liveRoom{
			id:        roomID,
			createdAt: r.now(),
			members:   make(map[string]map[int]struct{}),
		}
		r.rooms[roomID] = room
		res.Created = true
	}

	conns, ok := room.members[username]
	if !ok {
		conns = make(map[int]struct{})
		room.members[username] = conns
		res.NewMember = true
	}
	if _, ok := conns[connID]; ok {
		res.AlreadySubscribed = true
	}
	conns[connID] = struct{}{}
	res.Members = room.memberList()
	return res
}

// Leave unsubscribes the connection of a user from a room.
// It is safe to call for rooms the connection is not subscribed to.
func (r *RoomRegistry) Leave(roomID, username string, connID int) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leave(roomID, username, connID)
}

func (r *RoomRegistry) leave(roomID, username string, connID int) LeaveResult {
	res := LeaveResult{RoomID: roomID}
	room, ok := r.rooms[roomID]
	if !ok {
		return res
	}
	conns, ok := room.members[username]
	if !ok {
		res.Remaining = room.memberList()
		return res
	}
	if _, ok := conns[connID]; !ok {
		res.Remaining = room.memberList()
		return res
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(room.members, username)
		res.MemberLeft = true
	}
	if len(room.members) == 0 {
		delete(r.rooms, roomID)
		res.RoomDeleted = true
	}
	res.Remaining = room.memberList()
	return res
}

// LeaveAll unsubscribes the connection from every room it is subscribed to.
// Results are ordered by room id.
func (r *RoomRegistry) LeaveAll(username string, connID int) []LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var roomIDs []string
	for id, room := range r.rooms {
		if _, ok := room.members[username][connID]; ok {
			roomIDs = append(roomIDs, id)
		}
	}
	slices.Sort(roomIDs)

	results := make([]LeaveResult, 0, len(roomIDs))
	for _, id := range roomIDs {
		results = append(results, r.leave(id, username, connID))
	}
	return results
}

func (r *RoomRegistry) IsSubscribed(roomID, username string, connID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = room.members[username][connID]
	return ok
}

// Members returns the sorted list of users in the room.
// The second return value is false if the room does not exist.
func (r *RoomRegistry) Members(roomID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.memberList(), true
}

// Subscribers returns every subscribed connection of the room,
// skipping the connections of the excluded users.
func (r *RoomRegistry) Subscribers(roomID string, except ...string) []ConnRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var refs []ConnRef
	for _, username := range room.memberList() {
		if slices.Contains(except, username) {
			continue
		}
		for _, id := range slices.Sorted(maps.Keys(room.members[username])) {
			refs = append(refs, ConnRef{Username: username, ID: id})
		}
	}
	return refs
}

func (r *RoomRegistry) Info(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{ID: room.id, CreatedAt: room.createdAt, Members: room.memberList()}, true
}

// Rooms returns a snapshot of every live room ordered by id.
func (r *RoomRegistry) Rooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]RoomInfo, 0, len(r.rooms))
	for _, id := range slices.Sorted(maps.Keys(r.rooms)) {
		room := r.rooms[id]
		infos = append(infos, RoomInfo{ID: room.id, CreatedAt: room.createdAt, Members: room.memberList()})
	}
	return infos
}

// RoomsOf returns the ids of the rooms the user is a member of through any connection.
func (r *RoomRegistry) RoomsOf(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, room := range r.rooms {
		if _, ok := room.members[username]; ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Sweep removes rooms that have no members and returns how many were removed.
// Leave already removes empty rooms; Sweep catches any path that did not.
func (r *RoomRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, room := range r.rooms {
		for username, conns := range room.members {
			if len(conns) == 0 {
				delete(room.members, username)
			}
		}
		if len(room.members) == 0 {
			delete(r.rooms, id)
			removed++
		}
	}
	return removed
}

// Lock acquires the per-room lock and returns the function that releases it.
// Holding it across persist and broadcast makes every member observe
// messages in the order they were written.
func (r *RoomRegistry) Lock(roomID string) (unlock func()) {
	return r.locks.Lock(roomID)
}
