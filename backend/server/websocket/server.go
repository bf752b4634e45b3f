package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/rendezvous"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultPeerRemoveTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	txQueueSize = 16
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// PresenceService is what a presence socket needs: its peer must exist,
	// it may carry signals and its end removes the peer.
	PresenceService interface {
		PeerExists(ctx context.Context, peerID model.PeerID) (bool, error)
		Signal(ctx context.Context, sender model.PeerID, req model.Request) error
		RemovePeer(ctx context.Context, peerID model.PeerID) error
	}

	// Notice is sent back over the socket when a request could not be served.
	Notice struct {
		Error string `json:"error"`
	}

	Config struct {
		Logger     *zerolog.Logger
		Service    PresenceService
		ListenAddr string
		// PingInterval and PongWait default to 5s and 7s.
		PingInterval time.Duration
		PongWait     time.Duration
	}

	Server struct {
		svc PresenceService
		ws  *websocket.Upgrader
		*http.Server

		pingInterval time.Duration
		pongWait     time.Duration

		// sessions outlive the handler that upgraded them
		sessCtx    context.Context
		sessCancel context.CancelFunc
		sessWG     *sync.WaitGroup
		sessMx     *sync.Mutex
		sessClosed bool

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.Service,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		sessCtx:      sessCtx,
		sessCancel:   sessCancel,
		sessWG:       &sync.WaitGroup{},
		sessMx:       &sync.Mutex{},
	}
	if srv.pingInterval <= 0 {
		srv.pingInterval = defaultPingInterval
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + defaultPongWait - defaultPingInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{peerID}", srv.presence)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.CloseSessions()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// CloseSessions ends every presence session and waits until their peers
// are removed. Hijacked connections are not closed by http.Server.Shutdown.
func (srv *Server) CloseSessions() {
	srv.sessMx.Lock()
	srv.sessClosed = true
	srv.sessMx.Unlock()

	srv.sessCancel()
	srv.sessWG.Wait()
}

// addSession registers a session unless CloseSessions has already run.
func (srv *Server) addSession() bool {
	srv.sessMx.Lock()
	defer srv.sessMx.Unlock()
	if srv.sessClosed {
		return false
	}
	srv.sessWG.Add(1)
	return true
}

func (srv *Server) presence(w http.ResponseWriter, r *http.Request) {
	peerID, err := model.ParsePeerID(r.PathValue("peerID"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	exists, err := srv.svc.PeerExists(r.Context(), peerID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to look up peer")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// registered before the client sees the upgrade so CloseSessions cannot miss it
	if !srv.addSession() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.sessWG.Done()
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	srv.logger.Debug().
		Str("peerID", peerID.String()).
		Msg("presence session created")

	ctx, cancel := context.WithCancel(srv.sessCtx)
	go func() {
		defer srv.sessWG.Done()
		srv.handleWSConn(ctx, cancel, conn, peerID)
	}()
}

func (srv *Server) destroySession(peerID model.PeerID, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPeerRemoveTimeout)
	defer cancel()
	if err := srv.svc.RemovePeer(ctx, peerID); err != nil {
		logger.Error().Err(err).Msg("failed to remove peer")
		return
	}
	logger.Debug().Msg("presence session ended, peer removed")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	peerID model.PeerID,
) {
	wg := &sync.WaitGroup{}
	tx := make(chan Notice, txQueueSize)

	logger := srv.logger.With().
		Str("peerID", peerID.String()).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, peerID, tx, &logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, tx, &logger)
		cancel()
	}()
	// the receiver blocks in ReadMessage, closing the connection unblocks it
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(peerID, &logger)
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan Notice,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case notice := <-tx:
			b, wsErr := json.Marshal(&notice)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				break SendLoop
			}
			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.TextMessage, b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	peerID model.PeerID,
	tx chan<- Notice,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			req, reqErr := model.ParseRequest(msg)
			if reqErr == nil {
				reqErr = srv.svc.Signal(ctx, peerID, req)
			}
			if reqErr == nil {
				continue
			}
			logger.Debug().Err(reqErr).Msg("request rejected")

			notice := Notice{Error: reqErr.Error()}
			if errors.Is(reqErr, rendezvous.ErrUnknownPeer) {
				notice.Error = "Peer not found"
			}
			select {
			case tx <- notice:
			case <-ctx.Done():
				break RecvLoop
			default:
				logger.Warn().Msg("notice dropped, client is not reading")
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
