package badger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	cfg.InMemory = true
	s, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(st *model.ServerState) error {
		st.Peers.Add("p1", &model.PeerState{Room: "r1"})
		st.Rooms.Add("r1", "p1")
		return nil
	}))
}

func TestStore_RequiresDir(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewStore(Config{Logger: &logger})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestStore_UpdateAndView(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.View(ctx, func(st *model.ServerState) error {
		assert.Empty(t, st.Peers)
		return nil
	}))

	seed(t, s)

	require.NoError(t, s.View(ctx, func(st *model.ServerState) error {
		assert.Equal(t, []model.PeerID{"p1"}, st.Rooms.Members("r1"))
		return nil
	}))
}

func TestStore_FailedUpdateNotCommitted(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	seed(t, s)

	errBoom := errors.New("boom")
	err := s.Update(ctx, func(st *model.ServerState) error {
		st.Peers["p1"].Events.Push("lost")
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	require.NoError(t, s.View(ctx, func(st *model.ServerState) error {
		assert.Zero(t, st.Peers["p1"].Events.Len())
		return nil
	}))
}

func TestStore_ConflictIsRetried(t *testing.T) {
	var conflicts atomic.Int32
	s := newTestStore(t, Config{OnConflict: func() { conflicts.Add(1) }})
	ctx := context.Background()
	seed(t, s)

	calls := 0
	err := s.Update(ctx, func(st *model.ServerState) error {
		calls++
		if calls == 1 {
			// a competing commit lands between our load and our commit
			require.NoError(t, s.Update(ctx, func(inner *model.ServerState) error {
				inner.Peers["p1"].Events.Push("inner")
				return nil
			}))
		}
		st.Peers["p1"].Events.Push("outer")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 1, conflicts.Load())

	require.NoError(t, s.View(ctx, func(st *model.ServerState) error {
		assert.Equal(t, model.EventQueue{"inner", "outer"}, st.Peers["p1"].Events)
		return nil
	}))
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	s := newTestStore(t, Config{ConflictRetries: 1000})
	ctx := context.Background()
	seed(t, s)

	const (
		workers   = 8
		perWorker = 5
	)
	wg := &sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				assert.NoError(t, s.Update(ctx, func(st *model.ServerState) error {
					st.Peers["p1"].Events.Push("ev")
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.View(ctx, func(st *model.ServerState) error {
		assert.Equal(t, workers*perWorker, st.Peers["p1"].Events.Len())
		return nil
	}))
}
