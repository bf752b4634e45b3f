package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-rendezvous/backend/config"
	"github.com/adwski/webrtc-rendezvous/backend/metrics"
	"github.com/adwski/webrtc-rendezvous/backend/ratelimit"
	httpServer "github.com/adwski/webrtc-rendezvous/backend/server/http"
	websocketServer "github.com/adwski/webrtc-rendezvous/backend/server/websocket"
	"github.com/adwski/webrtc-rendezvous/backend/service"
	badgerStore "github.com/adwski/webrtc-rendezvous/backend/storage/badger"
	fileStore "github.com/adwski/webrtc-rendezvous/backend/storage/file"
	memStore "github.com/adwski/webrtc-rendezvous/backend/storage/memory"
	sw "github.com/adwski/webrtc-rendezvous/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type stateStore interface {
	service.Store
	io.Closer
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	m := metrics.New()

	st, err := newStore(cfg, m, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close state store")
		}
	}()

	svc := service.NewService(service.Config{
		Store:   st,
		Switch:  sw.NewSwitch(&logger),
		Metrics: m,
		Limiter: ratelimit.New(ratelimit.Config{
			PerSecond: cfg.SignalRate,
			Burst:     cfg.SignalBurst,
			MaxKeys:   cfg.RateLimitPeers,
		}),
		MaxPollWait: cfg.MaxPollWait,
		Logger:      &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Service:    svc,
		Metrics:    m.Handler(),
		ListenAddr: cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: cfg.WSListenAddr,
	})

	logger.Info().
		Str("store", cfg.Store).
		Dur("maxPollWait", cfg.MaxPollWait).
		Float64("signalRate", cfg.SignalRate).
		Msg("starting rendezvous server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func newStore(cfg *config.Config, m *metrics.Metrics, logger *zerolog.Logger) (stateStore, error) {
	switch cfg.Store {
	case config.StoreFile:
		return fileStore.NewStore(fileStore.Config{
			Logger: logger,
			Fs:     afero.NewOsFs(),
			Path:   cfg.StateFile,
		}), nil
	case config.StoreBadger:
		return badgerStore.NewStore(badgerStore.Config{
			Logger:          logger,
			Dir:             cfg.BadgerDir,
			ConflictRetries: cfg.ConflictRetries,
			OnConflict:      m.StoreConflict,
		})
	default:
		return memStore.NewMemStore(), nil
	}
}
