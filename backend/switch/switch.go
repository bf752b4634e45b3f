package _switch

import (
	"sync"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/rs/zerolog"
)

// Switch wakes up long-polling peers when something was queued for them.
// A wake-up carries no data: the woken poller drains its queue from the
// store like any other poll.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	subs   map[model.PeerID]map[chan struct{}]struct{}
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		subs:   make(map[model.PeerID]map[chan struct{}]struct{}),
	}
}

// Subscribe returns a channel that receives after the next Notify for peerID.
// Wake-ups are coalesced. The returned func must be called to unsubscribe.
func (sw *Switch) Subscribe(peerID model.PeerID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	sw.mx.Lock()
	peerSubs, ok := sw.subs[peerID]
	if !ok {
		peerSubs = make(map[chan struct{}]struct{})
		sw.subs[peerID] = peerSubs
	}
	peerSubs[ch] = struct{}{}
	sw.mx.Unlock()

	sw.logger.Trace().Str("peer", peerID.String()).Msg("waiter subscribed")

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sw.mx.Lock()
			defer sw.mx.Unlock()
			if peerSubs, ok := sw.subs[peerID]; ok {
				delete(peerSubs, ch)
				if len(peerSubs) == 0 {
					delete(sw.subs, peerID)
				}
			}
		})
	}
}

func (sw *Switch) Notify(peerIDs ...model.PeerID) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	for _, id := range peerIDs {
		woken := 0
		for ch := range sw.subs[id] {
			select {
			case ch <- struct{}{}:
				woken++
			default:
				// already has a pending wake-up
			}
		}
		if woken > 0 {
			sw.logger.Trace().Str("peer", id.String()).Int("waiters", woken).Msg("waiters notified")
		}
	}
}

// Waiters reports how many pollers currently wait for peerID.
func (sw *Switch) Waiters(peerID model.PeerID) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.subs[peerID])
}
