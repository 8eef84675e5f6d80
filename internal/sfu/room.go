// Package sfu implements the room/role policy, track fan-out, and peer
// connection machinery for the proctoring SFU.
package sfu

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Role identifies a peer's privilege level within a room.
type Role string

const (
	RoleProctor Role = "proctor"
	RoleStudent Role = "student"
)

var (
	// ErrRoomNotFound is returned when an operation names a room that does not exist.
	ErrRoomNotFound = errors.New("sfu: room not found")
	// ErrPeerExists is returned by CreateRoom when the proctor id is already a peer somewhere.
	ErrPeerExists = errors.New("sfu: peer already exists")
	// ErrRoomIDExhausted is returned when CreateRoom cannot find a free 6-digit id.
	ErrRoomIDExhausted = errors.New("sfu: could not allocate a room id")
)

const (
	roomIDMin          = 100000
	roomIDMax          = 999999
	roomIDCreateRetries = 16
)

// Peer is one participant: a proctor or a student, scoped to exactly one room.
type Peer struct {
	ID      string
	Role    Role
	RoomID  string
	Name    string
	Wallet  []byte // optional 20-byte account address
}

// Room is a proctoring session: one proctor, zero or more students.
type Room struct {
	ID        string
	ProctorID string
	// StudentIDs preserves join order.
	StudentIDs []string
	CreatedAt  time.Time
}

// RemovedPeer describes a peer that was just removed, for the caller to react to.
type RemovedPeer struct {
	ID     string
	RoomID string
	Role   Role
	Name   string
}

// RoomRegistry owns rooms and peers and enforces the forwarding policy.
// All access is guarded by a single RWMutex; should_forward_track and the
// getters take the read lock, mutating operations take the write lock.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	peers  map[string]*Peer
	rng    *rand.Rand
	rngMu  sync.Mutex
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*Room),
		peers: make(map[string]*Peer),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RoomRegistry) nextRoomID() string {
	r.rngMu.Lock()
	n := r.rng.Intn(roomIDMax-roomIDMin+1) + roomIDMin
	r.rngMu.Unlock()
	return itoa6(n)
}

func itoa6(n int) string {
	// Six decimal digits by construction (100000..=999999); no leading zeros are ever
	// generated because the range itself starts at 100000.
	digits := [6]byte{}
	for i := 5; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}

// CreateRoom generates a fresh 6-digit room id, retrying a bounded number of
// times on collision, and inserts the Room plus its Proctor peer.
func (r *RoomRegistry) CreateRoom(proctorID, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[proctorID]; exists {
		return "", ErrPeerExists
	}

	var id string
	for attempt := 0; attempt < roomIDCreateRetries; attempt++ {
		candidate := r.nextRoomID()
		if _, taken := r.rooms[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return "", ErrRoomIDExhausted
	}

	r.rooms[id] = &Room{
		ID:         id,
		ProctorID:  proctorID,
		StudentIDs: nil,
		CreatedAt:  time.Now(),
	}
	r.peers[proctorID] = &Peer{ID: proctorID, Role: RoleProctor, RoomID: id, Name: name}
	return id, nil
}

// JoinRoom adds a student to an existing room. Idempotent if already present.
func (r *RoomRegistry) JoinRoom(roomID, studentID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if existing, ok := r.peers[studentID]; ok && existing.RoomID == roomID {
		return nil // idempotent re-join
	}
	for _, s := range room.StudentIDs {
		if s == studentID {
			return nil
		}
	}
	room.StudentIDs = append(room.StudentIDs, studentID)
	r.peers[studentID] = &Peer{ID: studentID, Role: RoleStudent, RoomID: roomID, Name: name}
	return nil
}

// AddPeer inserts a peer with an explicit role directly, without touching any
// room's student list or checking that the room exists (used by the signaling
// layer's Join handling for proctors).
func (r *RoomRegistry) AddPeer(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peer.ID] = peer
}

// SetWallet attaches a wallet address to an existing peer.
func (r *RoomRegistry) SetWallet(peerID string, wallet []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		p.Wallet = wallet
	}
}

// RemovePeer removes a peer. If the peer was a proctor, the room and every
// student it contains are removed atomically along with it.
func (r *RoomRegistry) RemovePeer(peerID string) (*RemovedPeer, []RemovedPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return nil, nil
	}
	delete(r.peers, peerID)
	removed := &RemovedPeer{ID: peer.ID, RoomID: peer.RoomID, Role: peer.Role, Name: peer.Name}

	room, ok := r.rooms[peer.RoomID]
	if !ok {
		return removed, nil
	}

	if peer.Role == RoleProctor {
		var evicted []RemovedPeer
		for _, sid := range room.StudentIDs {
			if sp, ok := r.peers[sid]; ok {
				evicted = append(evicted, RemovedPeer{ID: sp.ID, RoomID: sp.RoomID, Role: sp.Role, Name: sp.Name})
				delete(r.peers, sid)
			}
		}
		delete(r.rooms, peer.RoomID)
		return removed, evicted
	}

	// Student leaving: drop from the room's ordered list.
	for i, sid := range room.StudentIDs {
		if sid == peerID {
			room.StudentIDs = append(room.StudentIDs[:i], room.StudentIDs[i+1:]...)
			break
		}
	}
	return removed, nil
}

// GetRoomProctor returns the proctor id for a room, if it exists.
func (r *RoomRegistry) GetRoomProctor(roomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return room.ProctorID, true
}

// GetRoomPeers returns a snapshot slice of every peer (proctor + students) in a room.
func (r *RoomRegistry) GetRoomPeers(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Peer, 0, len(room.StudentIDs)+1)
	if p, ok := r.peers[room.ProctorID]; ok {
		out = append(out, *p)
	}
	for _, sid := range room.StudentIDs {
		if p, ok := r.peers[sid]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// RoomExists reports whether a room id is currently live.
func (r *RoomRegistry) RoomExists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// GetPeer returns a copy of the peer record, if present.
func (r *RoomRegistry) GetPeer(peerID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (r *RoomRegistry) sameRoom(a, b string) bool {
	return a != "" && a == b
}

// ShouldForwardTrack implements the asymmetric forwarding policy:
// false for self, for cross-room pairs, or for unknown peers; proctor→anyone
// and student→proctor are true; student→student is always false.
func (r *RoomRegistry) ShouldForwardTrack(from, to string) bool {
	if from == to {
		return false
	}
	r.mu.RLock()
	fromPeer, fromOK := r.peers[from]
	toPeer, toOK := r.peers[to]
	r.mu.RUnlock()
	if !fromOK || !toOK {
		return false
	}
	if !r.sameRoom(fromPeer.RoomID, toPeer.RoomID) {
		return false
	}
	if fromPeer.Role == RoleProctor {
		return true
	}
	// from is a Student.
	return toPeer.Role == RoleProctor
}
