package memory

import (
	"context"
	"sync"

	"github.com/adwski/webrtc-rendezvous/backend/model"
)

// MemStore keeps the snapshot in process memory. The mutex serializes
// whole load-mutate-commit cycles.
type MemStore struct {
	mx *sync.Mutex
	st *model.ServerState
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		st: model.NewServerState(),
	}
}

// Update runs fn on a copy of the current snapshot and commits it
// only if fn succeeds.
func (ms *MemStore) Update(ctx context.Context, fn func(*model.ServerState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	st := ms.st.Clone()
	if err := fn(st); err != nil {
		return err
	}
	ms.st = st
	return nil
}

func (ms *MemStore) View(ctx context.Context, fn func(*model.ServerState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return fn(ms.st)
}

func (ms *MemStore) Close() error {
	return nil
}
