// Package rendezvous implements room membership and event fan-out over a
// single ServerState snapshot. It performs no I/O: callers load a snapshot,
// run one operation and commit the result.
package rendezvous

import (
	"errors"

	"github.com/adwski/webrtc-rendezvous/backend/model"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
)

type (
	Engine struct {
		newPeerID func() model.PeerID
	}

	Config struct {
		// NewPeerID mints identifiers for joining peers, model.NewPeerID if nil.
		NewPeerID func() model.PeerID
	}

	// Result of JoinOrPoll. Notified lists peers that got new events
	// as a side effect (existing room members on join).
	Result struct {
		PeerID   model.PeerID
		Events   []string
		Joined   bool
		Notified []model.PeerID
	}
)

func NewEngine(cfg Config) *Engine {
	e := &Engine{newPeerID: cfg.NewPeerID}
	if e.newPeerID == nil {
		e.newPeerID = model.NewPeerID
	}
	return e
}

// JoinOrPoll drains the queue of a known peer. An empty or unknown peerID
// joins room as a freshly minted peer instead.
func (e *Engine) JoinOrPoll(st *model.ServerState, room model.RoomID, peerID model.PeerID) Result {
	if peerID != "" {
		if ps, ok := st.Peers.Get(peerID); ok {
			return Result{
				PeerID: peerID,
				Events: ps.Events.Drain(),
			}
		}
	}
	return e.join(st, room)
}

// Poll drains the queue of a known peer. Unlike JoinOrPoll it never joins:
// a peer removed in the meantime yields ErrUnknownPeer.
func (e *Engine) Poll(st *model.ServerState, peerID model.PeerID) (Result, error) {
	ps, ok := st.Peers.Get(peerID)
	if !ok {
		return Result{}, ErrUnknownPeer
	}
	return Result{
		PeerID: peerID,
		Events: ps.Events.Drain(),
	}, nil
}

func (e *Engine) join(st *model.ServerState, room model.RoomID) Result {
	id := e.newPeerID()
	for {
		// a collision is practically impossible with uuids, but ids are never reused
		if _, taken := st.Peers.Get(id); !taken {
			break
		}
		id = e.newPeerID()
	}

	existing := st.Rooms.Members(room)

	ps := &model.PeerState{Room: room}
	ps.Events.Push(model.IDAssignedEvent(id))
	for _, member := range existing {
		ps.Events.Push(model.NewPeerEvent(member))
	}
	st.Peers.Add(id, ps)
	st.Rooms.Add(room, id)

	notified := make([]model.PeerID, 0, len(existing))
	newPeer := model.NewPeerEvent(id)
	for _, member := range existing {
		if mps, ok := st.Peers.Get(member); ok {
			mps.Events.Push(newPeer)
			notified = append(notified, member)
		}
	}

	return Result{
		PeerID:   id,
		Events:   ps.Events.Drain(),
		Joined:   true,
		Notified: notified,
	}
}

// QueueSignal appends an already encoded event to receiver's queue.
func (e *Engine) QueueSignal(st *model.ServerState, receiver model.PeerID, event string) error {
	ps, ok := st.Peers.Get(receiver)
	if !ok {
		return ErrUnknownPeer
	}
	ps.Events.Push(event)
	return nil
}

// RemovePeer deletes the peer with its undelivered events and tells the
// remaining room members. Removing an unknown peer is a no-op. It returns
// the notified members and whether the peer existed.
func (e *Engine) RemovePeer(st *model.ServerState, peerID model.PeerID) ([]model.PeerID, bool) {
	ps, ok := st.Peers.Remove(peerID)
	if !ok {
		return nil, false
	}
	st.Rooms.Remove(ps.Room, peerID)

	remaining := st.Rooms.Members(ps.Room)
	notified := make([]model.PeerID, 0, len(remaining))
	left := model.PeerLeftEvent(peerID)
	for _, member := range remaining {
		if mps, ok := st.Peers.Get(member); ok {
			mps.Events.Push(left)
			notified = append(notified, member)
		}
	}
	return notified, true
}

func (e *Engine) ListRoomPeers(st *model.ServerState, room model.RoomID) []model.PeerID {
	return st.Rooms.Members(room)
}
