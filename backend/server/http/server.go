package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/rendezvous"
	"github.com/adwski/webrtc-rendezvous/backend/service"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 64 << 10

	headerPeerID = "X-Peer-Id"

	infoPage = "Rendezvous Signaling Server (Long-Polling)\n" +
		"\n" +
		"Endpoints:\n" +
		"- GET /health - Health check\n" +
		"- GET /poll/{room}?peer_id={id}&wait={duration} - Join/poll room for events\n" +
		"- POST /signal - Send signal (X-Peer-Id header required)\n" +
		"- DELETE /peers/{id} - Leave\n" +
		"- GET /rooms/{room}/peers - List room members\n" +
		"- GET /metrics - Prometheus metrics\n" +
		"\n" +
		"Protocol:\n" +
		"1. GET /poll/{room} to join and get peer_id + initial events\n" +
		"2. Poll GET /poll/{room}?peer_id={id} for new events\n" +
		"3. POST /signal with X-Peer-Id header to send signals\n" +
		"\n" +
		"Response format: {\"peer_id\": \"uuid\", \"events\": [...]}\n"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RendezvousService interface {
	JoinOrPoll(ctx context.Context, room model.RoomID, peerID model.PeerID, wait time.Duration) (rendezvous.Result, error)
	Signal(ctx context.Context, sender model.PeerID, req model.Request) error
	RemovePeer(ctx context.Context, peerID model.PeerID) error
	RoomPeers(ctx context.Context, room model.RoomID) ([]model.PeerID, error)
}

type PollResponse struct {
	PeerID model.PeerID `json:"peer_id"`
	Events []string     `json:"events"`
}

type RoomPeersResponse struct {
	Room  model.RoomID   `json:"room"`
	Peers []model.PeerID `json:"peers"`
}

type Server struct {
	logger      zerolog.Logger
	svc         RendezvousService
	maxBodySize int64
	*http.Server
}

type Config struct {
	Logger  *zerolog.Logger
	Service RendezvousService
	// Metrics is served on /metrics when set.
	Metrics     http.Handler
	ListenAddr  string
	MaxBodySize int64
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:         cfg.Service,
		maxBodySize: cfg.MaxBodySize,
	}
	if srv.maxBodySize <= 0 {
		srv.maxBodySize = defaultMaxBodySize
	}

	r := http.NewServeMux()
	r.HandleFunc("OPTIONS /", corsHandler)
	r.HandleFunc("GET /health", health)
	r.HandleFunc("POST /signal", srv.signal)
	r.HandleFunc("DELETE /peers/{peerID}", srv.removePeer)
	r.HandleFunc("GET /rooms/{room}/peers", srv.roomPeers)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}
	// every other GET is a join or poll, see roomFromPath
	r.HandleFunc("GET /{path...}", srv.joinOrPoll)
	r.HandleFunc("/", notFound)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: allowAnyOrigin(r),
	}
	return srv
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "content-type, x-peer-id")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, "Not Found")
}

func (srv *Server) joinOrPoll(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFromPath(r.URL.Path)
	if !ok {
		writeText(w, http.StatusOK, infoPage)
		return
	}

	// an unparsable peer id is treated as absent and results in a fresh join
	peerID, _ := model.ParsePeerID(r.URL.Query().Get("peer_id"))

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid wait parameter")
		return
	}

	res, err := srv.svc.JoinOrPoll(r.Context(), room, peerID, wait)
	if err != nil {
		srv.logger.Error().Err(err).Str("roomID", string(room)).Msg("join or poll failed")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	srv.logger.Trace().
		Str("roomID", string(room)).
		Str("peerID", res.PeerID.String()).
		Bool("joined", res.Joined).
		Int("events", len(res.Events)).
		Msg("join or poll served")

	srv.writeJSON(w, http.StatusOK, &PollResponse{PeerID: res.PeerID, Events: res.Events})
}

// roomFromPath strips an optional poll/ or events/ prefix, the rest of
// the path is the room name and may contain slashes. Bare prefixes and
// the names health and signal are not rooms.
func roomFromPath(path string) (model.RoomID, bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" || path == "poll" || path == "events" {
		return "", false
	}
	room := path
	if rest, ok := strings.CutPrefix(path, "poll/"); ok {
		room = rest
	} else if rest, ok = strings.CutPrefix(path, "events/"); ok {
		room = rest
	}
	if room == "" || room == "health" || room == "signal" {
		return "", false
	}
	return model.RoomID(room), true
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	sender, err := model.ParsePeerID(r.Header.Get(headerPeerID))
	if err != nil {
		writeText(w, http.StatusBadRequest, "Missing or invalid X-Peer-Id header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, srv.maxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		writeText(w, http.StatusBadRequest, "Failed to read body: "+err.Error())
		return
	}

	req, err := model.ParseRequest(body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	err = srv.svc.Signal(r.Context(), sender, req)
	switch {
	case err == nil:
		writeText(w, http.StatusOK, "OK")
	case errors.Is(err, rendezvous.ErrUnknownPeer):
		writeText(w, http.StatusNotFound, "Peer not found")
	case errors.Is(err, service.ErrRateLimited):
		writeText(w, http.StatusTooManyRequests, "Too Many Requests")
	default:
		srv.logger.Error().Err(err).Str("sender", sender.String()).Msg("signal failed")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (srv *Server) removePeer(w http.ResponseWriter, r *http.Request) {
	peerID, err := model.ParsePeerID(r.PathValue("peerID"))
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid peer id")
		return
	}
	if err = srv.svc.RemovePeer(r.Context(), peerID); err != nil {
		srv.logger.Error().Err(err).Str("peerID", peerID.String()).Msg("remove peer failed")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) roomPeers(w http.ResponseWriter, r *http.Request) {
	room := model.RoomID(r.PathValue("room"))
	peers, err := srv.svc.RoomPeers(r.Context(), room)
	if err != nil {
		srv.logger.Error().Err(err).Str("roomID", string(room)).Msg("list room peers failed")
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	srv.writeJSON(w, http.StatusOK, &RoomPeersResponse{Room: room, Peers: peers})
}

// parseWait accepts a Go duration ("10s") or a number of seconds ("10").
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, errors.New("negative wait")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative wait")
	}
	return d, nil
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, "application/json", b)
}

func writeText(w http.ResponseWriter, code int, s string) {
	writeBytes(w, code, "text/plain; charset=utf-8", []byte(s))
}

func writeBytes(w http.ResponseWriter, code int, contentType string, b []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
