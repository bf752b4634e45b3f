package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/metrics"
	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/rendezvous"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	defaultMaxPollWait = 25 * time.Second
)

var (
	ErrJoin        = errors.New("unable to join or poll")
	ErrSignal      = errors.New("unable to queue signal")
	ErrRemove      = errors.New("unable to remove peer")
	ErrView        = errors.New("unable to read state")
	ErrRateLimited = errors.New("signal rate exceeded")
)

type (
	// Store runs fn against the latest snapshot and commits the result.
	// Nothing is committed when fn fails.
	Store interface {
		Update(ctx context.Context, fn func(*model.ServerState) error) error
		View(ctx context.Context, fn func(*model.ServerState) error) error
	}

	Switch interface {
		Subscribe(peerID model.PeerID) (<-chan struct{}, func())
		Notify(peerIDs ...model.PeerID)
	}

	Metrics interface {
		Joined(delivered int)
		Polled(delivered int)
		Signal(result string)
		PeerRemoved()
		ObserveState(peers, rooms int)
	}

	Limiter interface {
		Allow(key string) bool
	}

	Service struct {
		store       Store
		engine      *rendezvous.Engine
		sw          Switch
		metrics     Metrics
		limiter     Limiter
		maxPollWait time.Duration
		logger      zerolog.Logger
	}

	Config struct {
		Store   Store
		Switch  Switch
		Metrics Metrics
		// Limiter is optional.
		Limiter Limiter
		// Engine defaults to one minting uuid peer ids.
		Engine      *rendezvous.Engine
		MaxPollWait time.Duration
		Logger      *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:       cfg.Store,
		engine:      cfg.Engine,
		sw:          cfg.Switch,
		metrics:     cfg.Metrics,
		limiter:     cfg.Limiter,
		maxPollWait: cfg.MaxPollWait,
		logger:      cfg.Logger.With().Str("component", "service").Logger(),
	}
	if svc.engine == nil {
		svc.engine = rendezvous.NewEngine(rendezvous.Config{})
	}
	if svc.metrics == nil {
		svc.metrics = nopMetrics{}
	}
	if svc.maxPollWait <= 0 {
		svc.maxPollWait = defaultMaxPollWait
	}
	return svc
}

// JoinOrPoll joins room as a new peer when peerID is empty or unknown,
// otherwise drains the peer's events. A known peer without events waits
// up to wait (capped by MaxPollWait) for something to arrive.
func (svc *Service) JoinOrPoll(
	ctx context.Context,
	room model.RoomID,
	peerID model.PeerID,
	wait time.Duration,
) (rendezvous.Result, error) {
	if peerID == "" || wait <= 0 {
		return svc.joinOrPoll(ctx, room, peerID)
	}
	wait = min(wait, svc.maxPollWait)

	// subscribe before the first poll so nothing queued in between is missed
	wake, unsubscribe := svc.sw.Subscribe(peerID)
	defer unsubscribe()

	res, err := svc.joinOrPoll(ctx, room, peerID)
	if err != nil || res.Joined || len(res.Events) > 0 {
		return res, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-wake:
	case <-timer.C:
		return res, nil
	case <-ctx.Done():
		return res, nil
	}
	return svc.poll(ctx, peerID)
}

// poll is the re-poll after a wake-up. The peer may have been removed
// while waiting; it is then reported with no events and is not re-joined.
func (svc *Service) poll(ctx context.Context, peerID model.PeerID) (rendezvous.Result, error) {
	var res rendezvous.Result
	err := svc.store.Update(ctx, func(st *model.ServerState) error {
		var pollErr error
		res, pollErr = svc.engine.Poll(st, peerID)
		return pollErr
	})
	switch {
	case errors.Is(err, rendezvous.ErrUnknownPeer):
		svc.logger.Debug().
			Str("peerID", peerID.String()).
			Msg("peer removed while waiting")
		return rendezvous.Result{PeerID: peerID, Events: []string{}}, nil
	case err != nil:
		return rendezvous.Result{}, errors.Join(ErrJoin, err)
	}
	svc.metrics.Polled(len(res.Events))
	return res, nil
}

func (svc *Service) joinOrPoll(ctx context.Context, room model.RoomID, peerID model.PeerID) (rendezvous.Result, error) {
	var (
		res          rendezvous.Result
		peers, rooms int
	)
	err := svc.store.Update(ctx, func(st *model.ServerState) error {
		res = svc.engine.JoinOrPoll(st, room, peerID)
		peers, rooms = len(st.Peers), len(st.Rooms)
		svc.traceState(st)
		return nil
	})
	if err != nil {
		return rendezvous.Result{}, errors.Join(ErrJoin, err)
	}
	svc.metrics.ObserveState(peers, rooms)

	if res.Joined {
		svc.metrics.Joined(len(res.Events))
		svc.sw.Notify(res.Notified...)
		svc.logger.Debug().
			Str("peerID", res.PeerID.String()).
			Str("roomID", string(room)).
			Int("members", len(res.Notified)).
			Msg("peer joined room")
	} else {
		svc.metrics.Polled(len(res.Events))
		svc.logger.Trace().
			Str("peerID", res.PeerID.String()).
			Int("events", len(res.Events)).
			Msg("peer polled")
	}
	return res, nil
}

// Signal queues req for its receiver on behalf of sender. KeepAlive
// requests are accepted without touching the state.
func (svc *Service) Signal(ctx context.Context, sender model.PeerID, req model.Request) error {
	if req.IsKeepAlive() {
		svc.metrics.Signal(metrics.SignalKeepAlive)
		return nil
	}
	if svc.limiter != nil && !svc.limiter.Allow(sender.String()) {
		svc.metrics.Signal(metrics.SignalRateLimited)
		return ErrRateLimited
	}

	receiver := req.Signal.Receiver
	event := model.SignalEventPayload(sender, req.Signal.Data)
	err := svc.store.Update(ctx, func(st *model.ServerState) error {
		return svc.engine.QueueSignal(st, receiver, event)
	})
	if err != nil {
		if errors.Is(err, rendezvous.ErrUnknownPeer) {
			svc.metrics.Signal(metrics.SignalUnknownPeer)
		}
		return errors.Join(ErrSignal, err)
	}
	svc.metrics.Signal(metrics.SignalDelivered)
	svc.sw.Notify(receiver)

	svc.logger.Trace().
		Str("sender", sender.String()).
		Str("receiver", receiver.String()).
		Msg("signal queued")
	return nil
}

// RemovePeer is idempotent: removing an unknown peer succeeds.
func (svc *Service) RemovePeer(ctx context.Context, peerID model.PeerID) error {
	var (
		notified     []model.PeerID
		removed      bool
		peers, rooms int
	)
	err := svc.store.Update(ctx, func(st *model.ServerState) error {
		notified, removed = svc.engine.RemovePeer(st, peerID)
		peers, rooms = len(st.Peers), len(st.Rooms)
		svc.traceState(st)
		return nil
	})
	if err != nil {
		return errors.Join(ErrRemove, err)
	}
	if !removed {
		return nil
	}
	svc.metrics.ObserveState(peers, rooms)
	svc.metrics.PeerRemoved()
	// the removed peer is woken too so a pending long-poll does not hang
	svc.sw.Notify(append(notified, peerID)...)

	svc.logger.Debug().
		Str("peerID", peerID.String()).
		Int("notified", len(notified)).
		Msg("peer removed")
	return nil
}

func (svc *Service) RoomPeers(ctx context.Context, room model.RoomID) ([]model.PeerID, error) {
	var peers []model.PeerID
	err := svc.store.View(ctx, func(st *model.ServerState) error {
		peers = svc.engine.ListRoomPeers(st, room)
		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrView, err)
	}
	return peers, nil
}

func (svc *Service) PeerExists(ctx context.Context, peerID model.PeerID) (bool, error) {
	var ok bool
	err := svc.store.View(ctx, func(st *model.ServerState) error {
		_, ok = st.Peers.Get(peerID)
		return nil
	})
	if err != nil {
		return false, errors.Join(ErrView, err)
	}
	return ok, nil
}

func (svc *Service) traceState(st *model.ServerState) {
	if svc.logger.GetLevel() > zerolog.TraceLevel || zerolog.GlobalLevel() > zerolog.TraceLevel {
		return
	}
	svc.logger.Trace().Msg(spew.Sdump(st))
}

type nopMetrics struct{}

func (nopMetrics) Joined(int)            {}
func (nopMetrics) Polled(int)            {}
func (nopMetrics) Signal(string)         {}
func (nopMetrics) PeerRemoved()          {}
func (nopMetrics) ObserveState(int, int) {}
