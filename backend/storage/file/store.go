package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	DefaultStateFile = "rendezvous_state.json"

	stateFilePerm = 0o600
)

var (
	ErrLoad   = errors.New("unable to load state file")
	ErrCommit = errors.New("unable to commit state file")
)

type (
	// Store persists the snapshot as one JSON document which is reread
	// before and rewritten after every mutation.
	Store struct {
		logger zerolog.Logger
		fs     afero.Fs
		mx     *sync.Mutex
		path   string
	}

	Config struct {
		Logger *zerolog.Logger
		// Fs defaults to the OS filesystem.
		Fs   afero.Fs
		Path string
	}
)

func NewStore(cfg Config) *Store {
	s := &Store{
		logger: cfg.Logger.With().Str("component", "file-store").Logger(),
		fs:     cfg.Fs,
		mx:     &sync.Mutex{},
		path:   cfg.Path,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.path == "" {
		s.path = DefaultStateFile
	}
	return s
}

func (s *Store) Update(ctx context.Context, fn func(*model.ServerState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if err = fn(st); err != nil {
		return err
	}
	return s.commit(st)
}

func (s *Store) View(ctx context.Context, fn func(*model.ServerState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	return fn(st)
}

func (s *Store) Close() error {
	return nil
}

// load treats a missing file as an empty state. A file that does not decode
// is reported and replaced by an empty state on the next commit.
func (s *Store) load() (*model.ServerState, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.NewServerState(), nil
		}
		return nil, errors.Join(ErrLoad, err)
	}
	st, err := model.DecodeState(b)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("discarding undecodable state file")
		return model.NewServerState(), nil
	}
	return st, nil
}

func (s *Store) commit(st *model.ServerState) error {
	b, err := model.EncodeState(st)
	if err != nil {
		return errors.Join(ErrCommit, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Join(ErrCommit, err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return errors.Join(ErrCommit, err)
	}
	if err = tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Join(ErrCommit, err)
	}
	if err = s.fs.Chmod(tmpName, stateFilePerm); err != nil {
		s.logger.Debug().Err(err).Msg("cannot chmod temporary state file")
	}
	if err = s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Join(ErrCommit, fmt.Errorf("rename %s: %w", tmpName, err))
	}
	s.logger.Trace().Int("bytes", len(b)).Msg("state committed")
	return nil
}
