package model

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrInvalidPeerID = errors.New("invalid peer id")
)

type (
	// PeerID is minted once per join and never reused.
	PeerID string

	// RoomID is a client supplied room name.
	RoomID string
)

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// ParsePeerID accepts any uuid form google/uuid understands and
// returns it in canonical lower-case form.
func ParsePeerID(s string) (PeerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", errors.Join(ErrInvalidPeerID, err)
	}
	return PeerID(id.String()), nil
}

func (id PeerID) String() string {
	return string(id)
}
