package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrInconsistentState = errors.New("inconsistent server state")
	ErrDecodeState       = errors.New("unable to decode server state")
)

type PeerState struct {
	Room   RoomID     `json:"room"`
	Events EventQueue `json:"events"`
}

type PeerRegistry map[PeerID]*PeerState

func (pr PeerRegistry) Get(id PeerID) (*PeerState, bool) {
	ps, ok := pr[id]
	return ps, ok
}

func (pr PeerRegistry) Add(id PeerID, ps *PeerState) {
	pr[id] = ps
}

func (pr PeerRegistry) Remove(id PeerID) (*PeerState, bool) {
	ps, ok := pr[id]
	if ok {
		delete(pr, id)
	}
	return ps, ok
}

// PeerSet is an unordered set of peers. It is encoded as a sorted JSON array
// so persisted snapshots are stable.
type PeerSet map[PeerID]struct{}

func (s PeerSet) Sorted() []PeerID {
	ids := make([]PeerID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s PeerSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *PeerSet) UnmarshalJSON(b []byte) error {
	var ids []PeerID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	set := make(PeerSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	*s = set
	return nil
}

type RoomRegistry map[RoomID]PeerSet

// Members returns a sorted copy of the room's member set,
// empty if the room is unknown.
func (rr RoomRegistry) Members(room RoomID) []PeerID {
	set, ok := rr[room]
	if !ok {
		return []PeerID{}
	}
	return set.Sorted()
}

func (rr RoomRegistry) Add(room RoomID, id PeerID) {
	set, ok := rr[room]
	if !ok {
		set = make(PeerSet)
		rr[room] = set
	}
	set[id] = struct{}{}
}

// Remove drops id from the room and deletes the room entry once it is empty.
func (rr RoomRegistry) Remove(room RoomID, id PeerID) {
	set, ok := rr[room]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(rr, room)
	}
}

func (rr RoomRegistry) Contains(room RoomID, id PeerID) bool {
	_, ok := rr[room][id]
	return ok
}

// ServerState is the unit every operation loads, mutates and commits.
type ServerState struct {
	Peers PeerRegistry `json:"peers"`
	Rooms RoomRegistry `json:"rooms"`
}

func NewServerState() *ServerState {
	return &ServerState{
		Peers: make(PeerRegistry),
		Rooms: make(RoomRegistry),
	}
}

func (st *ServerState) Clone() *ServerState {
	c := &ServerState{
		Peers: make(PeerRegistry, len(st.Peers)),
		Rooms: make(RoomRegistry, len(st.Rooms)),
	}
	for id, ps := range st.Peers {
		c.Peers[id] = &PeerState{
			Room:   ps.Room,
			Events: slices.Clone(ps.Events),
		}
	}
	for room, set := range st.Rooms {
		cs := make(PeerSet, len(set))
		for id := range set {
			cs[id] = struct{}{}
		}
		c.Rooms[room] = cs
	}
	return c
}

// Validate checks that every peer is a member of exactly the room it points
// to and every room member has a peer state.
func (st *ServerState) Validate() error {
	for id, ps := range st.Peers {
		if ps == nil {
			return fmt.Errorf("%w: peer %s has no state", ErrInconsistentState, id)
		}
		if !st.Rooms.Contains(ps.Room, id) {
			return fmt.Errorf("%w: peer %s is not a member of room %q", ErrInconsistentState, id, ps.Room)
		}
	}
	for room, set := range st.Rooms {
		for id := range set {
			ps, ok := st.Peers[id]
			if !ok {
				return fmt.Errorf("%w: room %q lists unknown peer %s", ErrInconsistentState, room, id)
			}
			if ps.Room != room {
				return fmt.Errorf("%w: room %q lists peer %s of room %q", ErrInconsistentState, room, id, ps.Room)
			}
		}
	}
	return nil
}

func EncodeState(st *ServerState) ([]byte, error) {
	return json.Marshal(st)
}

// DecodeState parses a persisted snapshot. An empty input is an empty state.
func DecodeState(b []byte) (*ServerState, error) {
	st := NewServerState()
	if len(b) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, errors.Join(ErrDecodeState, err)
	}
	if st.Peers == nil {
		st.Peers = make(PeerRegistry)
	}
	if st.Rooms == nil {
		st.Rooms = make(RoomRegistry)
	}
	if err := st.Validate(); err != nil {
		return nil, errors.Join(ErrDecodeState, err)
	}
	return st, nil
}
