package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/metrics"
	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/ratelimit"
	"github.com/adwski/webrtc-rendezvous/backend/rendezvous"
	store "github.com/adwski/webrtc-rendezvous/backend/storage/memory"
	sw "github.com/adwski/webrtc-rendezvous/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store is down")

type failingStore struct{}

func (failingStore) Update(context.Context, func(*model.ServerState) error) error { return errStore }
func (failingStore) View(context.Context, func(*model.ServerState) error) error   { return errStore }

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *metrics.Metrics) {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New()
	cfg := Config{
		Store:       store.NewMemStore(),
		Switch:      sw.NewSwitch(&logger),
		Metrics:     m,
		MaxPollWait: 2 * time.Second,
		Logger:      &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(cfg), m
}

func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				sum += g.GetValue()
			}
		}
	}
	return sum
}

func signalReq(receiver model.PeerID, data string) model.Request {
	return model.Request{Signal: &model.SignalRequest{Receiver: receiver, Data: json.RawMessage(data)}}
}

func TestService_JoinSignalLeave(t *testing.T) {
	svc, m := newTestService(t, nil)
	ctx := context.Background()

	a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
	require.NoError(t, err)
	require.True(t, a.Joined)

	b, err := svc.JoinOrPoll(ctx, "r1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{model.IDAssignedEvent(b.PeerID), model.NewPeerEvent(a.PeerID)}, b.Events)

	require.NoError(t, svc.Signal(ctx, b.PeerID, signalReq(a.PeerID, `{"sdp":"offer"}`)))

	got, err := svc.JoinOrPoll(ctx, "r1", a.PeerID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		model.NewPeerEvent(b.PeerID),
		model.SignalEventPayload(b.PeerID, json.RawMessage(`{"sdp":"offer"}`)),
	}, got.Events)

	peers, err := svc.RoomPeers(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.PeerID{a.PeerID, b.PeerID}, peers)

	require.NoError(t, svc.RemovePeer(ctx, b.PeerID))
	require.NoError(t, svc.RemovePeer(ctx, b.PeerID))

	exists, err := svc.PeerExists(ctx, b.PeerID)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err = svc.JoinOrPoll(ctx, "r1", a.PeerID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{model.PeerLeftEvent(b.PeerID)}, got.Events)

	assert.Equal(t, 2.0, metricValue(t, m, "rendezvous_joins_total"))
	assert.Equal(t, 2.0, metricValue(t, m, "rendezvous_polls_total"))
	assert.Equal(t, 1.0, metricValue(t, m, "rendezvous_peers_removed_total"))
	assert.Equal(t, 1.0, metricValue(t, m, "rendezvous_signals_total"))
	assert.Equal(t, 1.0, metricValue(t, m, "rendezvous_peers"))
	assert.Equal(t, 1.0, metricValue(t, m, "rendezvous_rooms"))
}

func TestService_SignalErrors(t *testing.T) {
	t.Run("unknown receiver", func(t *testing.T) {
		svc, m := newTestService(t, nil)
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)

		err = svc.Signal(ctx, a.PeerID, signalReq(model.NewPeerID(), `"hi"`))
		assert.ErrorIs(t, err, ErrSignal)
		assert.ErrorIs(t, err, rendezvous.ErrUnknownPeer)
		assert.Equal(t, 1.0, metricValue(t, m, "rendezvous_signals_total"))
	})

	t.Run("keepalive", func(t *testing.T) {
		svc, _ := newTestService(t, func(cfg *Config) { cfg.Store = failingStore{} })
		assert.NoError(t, svc.Signal(context.Background(), model.NewPeerID(), model.Request{}))
	})

	t.Run("rate limited", func(t *testing.T) {
		svc, _ := newTestService(t, func(cfg *Config) {
			cfg.Limiter = ratelimit.New(ratelimit.Config{PerSecond: 0.001, Burst: 1})
		})
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)
		b, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)

		require.NoError(t, svc.Signal(ctx, b.PeerID, signalReq(a.PeerID, `1`)))
		assert.ErrorIs(t, svc.Signal(ctx, b.PeerID, signalReq(a.PeerID, `2`)), ErrRateLimited)
		assert.NoError(t, svc.Signal(ctx, a.PeerID, signalReq(b.PeerID, `3`)))
	})
}

func TestService_StoreFailures(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *Config) { cfg.Store = failingStore{} })
	ctx := context.Background()

	_, err := svc.JoinOrPoll(ctx, "r1", "", 0)
	assert.ErrorIs(t, err, ErrJoin)
	assert.ErrorIs(t, err, errStore)

	assert.ErrorIs(t, svc.Signal(ctx, model.NewPeerID(), signalReq(model.NewPeerID(), `1`)), ErrSignal)
	assert.ErrorIs(t, svc.RemovePeer(ctx, model.NewPeerID()), ErrRemove)

	_, err = svc.RoomPeers(ctx, "r1")
	assert.ErrorIs(t, err, ErrView)
	_, err = svc.PeerExists(ctx, model.NewPeerID())
	assert.ErrorIs(t, err, ErrView)
}

func TestService_LongPoll(t *testing.T) {
	t.Run("woken by signal", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)

		done := make(chan rendezvous.Result)
		go func() {
			res, err := svc.JoinOrPoll(ctx, "r1", a.PeerID, time.Minute)
			assert.NoError(t, err)
			done <- res
		}()

		require.Eventually(t, func() bool {
			return svc.sw.(*sw.Switch).Waiters(a.PeerID) == 1
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, svc.Signal(ctx, model.NewPeerID(), signalReq(a.PeerID, `"ping"`)))

		select {
		case res := <-done:
			require.Len(t, res.Events, 1)
			assert.Contains(t, res.Events[0], `"ping"`)
		case <-time.After(time.Second):
			t.Fatal("long poll was not woken")
		}
	})

	t.Run("woken by join", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)

		done := make(chan rendezvous.Result)
		go func() {
			res, _ := svc.JoinOrPoll(ctx, "r1", a.PeerID, time.Minute)
			done <- res
		}()
		require.Eventually(t, func() bool {
			return svc.sw.(*sw.Switch).Waiters(a.PeerID) == 1
		}, time.Second, 5*time.Millisecond)

		b, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)

		res := <-done
		assert.Equal(t, []string{model.NewPeerEvent(b.PeerID)}, res.Events)
	})

	t.Run("removed while waiting", func(t *testing.T) {
		svc, m := newTestService(t, nil)
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)
		b, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)
		_, err = svc.JoinOrPoll(ctx, "r1", a.PeerID, 0)
		require.NoError(t, err)

		done := make(chan rendezvous.Result)
		go func() {
			res, err := svc.JoinOrPoll(ctx, "r1", b.PeerID, time.Minute)
			assert.NoError(t, err)
			done <- res
		}()
		require.Eventually(t, func() bool {
			return svc.sw.(*sw.Switch).Waiters(b.PeerID) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, svc.RemovePeer(ctx, b.PeerID))

		select {
		case res := <-done:
			assert.False(t, res.Joined)
			assert.Equal(t, b.PeerID, res.PeerID)
			assert.Empty(t, res.Events)
		case <-time.After(time.Second):
			t.Fatal("long poll was not woken")
		}

		peers, err := svc.RoomPeers(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []model.PeerID{a.PeerID}, peers)

		res, err := svc.JoinOrPoll(ctx, "r1", a.PeerID, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{model.PeerLeftEvent(b.PeerID)}, res.Events)
		assert.Equal(t, 2.0, metricValue(t, m, "rendezvous_joins_total"))
		assert.Equal(t, 1.0, metricValue(t, m, "rendezvous_peers"))
	})

	t.Run("times out empty", func(t *testing.T) {
		svc, _ := newTestService(t, func(cfg *Config) { cfg.MaxPollWait = 50 * time.Millisecond })
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)

		start := time.Now()
		res, err := svc.JoinOrPoll(ctx, "r1", a.PeerID, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, res.Events)
		assert.Less(t, time.Since(start), 10*time.Second)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("pending events return immediately", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		ctx := context.Background()
		a, err := svc.JoinOrPoll(ctx, "r1", "", 0)
		require.NoError(t, err)
		require.NoError(t, svc.Signal(ctx, model.NewPeerID(), signalReq(a.PeerID, `1`)))

		res, err := svc.JoinOrPoll(ctx, "r1", a.PeerID, time.Hour)
		require.NoError(t, err)
		assert.Len(t, res.Events, 1)
	})

	t.Run("join never waits", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		res, err := svc.JoinOrPoll(context.Background(), "r1", model.NewPeerID(), time.Hour)
		require.NoError(t, err)
		assert.True(t, res.Joined)
	})

	t.Run("canceled context", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		a, err := svc.JoinOrPoll(context.Background(), "r1", "", 0)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res, err := svc.JoinOrPoll(ctx, "r1", a.PeerID, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, res.Events)
	})
}
