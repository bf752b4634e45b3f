// Package badger keeps the snapshot under a single key of a badger database
// and resolves concurrent commits with optimistic transactions.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

const (
	defaultConflictRetries = 10
)

var (
	stateKey = []byte("rendezvous/state")

	ErrOpen             = errors.New("unable to open badger store")
	ErrTooManyConflicts = errors.New("too many conflicting commits")
)

type (
	Store struct {
		logger zerolog.Logger
		db     *badger.DB

		retries    int
		onConflict func()
	}

	Config struct {
		Logger *zerolog.Logger
		// Dir is ignored when InMemory is set.
		Dir      string
		InMemory bool
		// ConflictRetries bounds how many times a conflicting commit is replayed.
		ConflictRetries int
		// OnConflict is called on every conflicting commit, may be nil.
		OnConflict func()
	}
)

func NewStore(cfg Config) (*Store, error) {
	s := &Store{
		logger:     cfg.Logger.With().Str("component", "badger-store").Logger(),
		retries:    cfg.ConflictRetries,
		onConflict: cfg.OnConflict,
	}
	if s.retries <= 0 {
		s.retries = defaultConflictRetries
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, errors.Join(ErrOpen, errors.New("dir is required"))
	}
	opts = opts.WithLogger(&badgerLogger{logger: s.logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	s.db = db
	s.logger.Debug().Str("dir", cfg.Dir).Bool("in_memory", cfg.InMemory).Msg("badger store opened")
	return s, nil
}

// Update replays load-mutate-commit while the commit conflicts with a
// concurrent one, up to the configured number of retries.
func (s *Store) Update(ctx context.Context, fn func(*model.ServerState) error) error {
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			st, err := loadState(txn)
			if err != nil {
				return err
			}
			if err = fn(st); err != nil {
				return err
			}
			b, err := model.EncodeState(st)
			if err != nil {
				return err
			}
			return txn.Set(stateKey, b)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if s.onConflict != nil {
			s.onConflict()
		}
		s.logger.Debug().Int("attempt", attempt).Msg("commit conflict, retrying")
	}
	return ErrTooManyConflicts
}

func (s *Store) View(ctx context.Context, fn func(*model.ServerState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		st, err := loadState(txn)
		if err != nil {
			return err
		}
		return fn(st)
	})
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func loadState(txn *badger.Txn) (*model.ServerState, error) {
	item, err := txn.Get(stateKey)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.NewServerState(), nil
		}
		return nil, err
	}
	b, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return model.DecodeState(b)
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
