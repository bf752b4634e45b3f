package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Events delivered to peers, encoded as single-key JSON objects:
//
//	{"IdAssigned":"<id>"}
//	{"NewPeer":"<id>"}
//	{"PeerLeft":"<id>"}
//	{"Signal":{"sender":"<id>","data":...}}
const (
	EventTypeIDAssigned = "IdAssigned"
	EventTypeNewPeer    = "NewPeer"
	EventTypePeerLeft   = "PeerLeft"
	EventTypeSignal     = "Signal"

	RequestTypeKeepAlive = "KeepAlive"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
)

type SignalEvent struct {
	Sender PeerID          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

type SignalRequest struct {
	Receiver PeerID          `json:"receiver"`
	Data     json.RawMessage `json:"data"`
}

// Request is what a peer sends to the server. Signal is nil for KeepAlive.
type Request struct {
	Signal *SignalRequest `json:"Signal,omitempty"`
}

func (r Request) IsKeepAlive() bool {
	return r.Signal == nil
}

func IDAssignedEvent(id PeerID) string {
	return encodeEvent(EventTypeIDAssigned, id)
}

func NewPeerEvent(id PeerID) string {
	return encodeEvent(EventTypeNewPeer, id)
}

func PeerLeftEvent(id PeerID) string {
	return encodeEvent(EventTypePeerLeft, id)
}

func SignalEventPayload(sender PeerID, data json.RawMessage) string {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return encodeEvent(EventTypeSignal, SignalEvent{Sender: sender, Data: data})
}

func encodeEvent(typ string, v any) string {
	// values are ids or raw JSON that already passed json.Unmarshal
	b, _ := json.Marshal(map[string]any{typ: v})
	return string(b)
}

// ParseRequest decodes either `"KeepAlive"` or `{"Signal":{"receiver":..,"data":..}}`.
func ParseRequest(b []byte) (Request, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return Request{}, errors.Join(ErrMalformedRequest, err)
		}
		if s != RequestTypeKeepAlive {
			return Request{}, errors.Join(ErrMalformedRequest, errors.New("unknown request type "+s))
		}
		return Request{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Request{}, errors.Join(ErrMalformedRequest, err)
	}
	sigRaw, ok := raw[EventTypeSignal]
	if !ok || len(raw) != 1 {
		return Request{}, errors.Join(ErrMalformedRequest, errors.New("expected a single Signal object"))
	}
	var sig SignalRequest
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return Request{}, errors.Join(ErrMalformedRequest, err)
	}
	receiver, err := ParsePeerID(string(sig.Receiver))
	if err != nil {
		return Request{}, errors.Join(ErrMalformedRequest, err)
	}
	sig.Receiver = receiver
	return Request{Signal: &sig}, nil
}
