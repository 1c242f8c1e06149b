package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomshare/internal/admission"
	"roomshare/internal/room"
	"roomshare/internal/share"
	"roomshare/internal/validate"
)

// Options wires a Server to its components. Rooms, Shares, Admission and
// Files are required.
type Options struct {
	Rooms          *room.Directory
	Shares         *share.Registry
	Admission      *admission.Controller
	Files          *FileStore
	MaxUploadBytes int64
	PublicURL      string
	WSPath         string
	TrustedProxies []string
	Now            func() time.Time
	Logger         *slog.Logger
}

// Server is the websocket and HTTP front of the room directory, the share
// registry and admission control.
type Server struct {
	rooms          *room.Directory
	shares         *share.Registry
	admission      *admission.Controller
	files          *FileStore
	hub            *Hub
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time
	publicURL      string
	wsPath         string
	maxUploadBytes int64
	trustedProxies []*net.IPNet
	started        time.Time

	events *room.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a Server and starts forwarding room lifecycle events.
// Call Close to stop it.
func NewServer(opts Options) (*Server, error) {
	if opts.Rooms == nil || opts.Shares == nil || opts.Admission == nil || opts.Files == nil {
		return nil, errors.New("server: rooms, shares, admission and files are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if opts.WSPath == "" {
		opts.WSPath = "/join"
	}
	proxies, err := validate.Networks(opts.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server: trusted proxies: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		rooms:          opts.Rooms,
		shares:         opts.Shares,
		admission:      opts.Admission,
		files:          opts.Files,
		hub:            NewHub(),
		metrics:        NewMetrics(),
		logger:         opts.Logger.With("component", "server"),
		now:            opts.Now,
		publicURL:      strings.TrimRight(opts.PublicURL, "/"),
		wsPath:         opts.WSPath,
		maxUploadBytes: opts.MaxUploadBytes,
		trustedProxies: proxies,
		started:        opts.Now(),
		events:         opts.Rooms.Subscribe(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.wg.Add(1)
	go s.forwardEvents()
	return s, nil
}

// Handler returns the routed, logged and panic-safe HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.wsPath, s.ServeWS)
	mux.HandleFunc("POST /api/rooms", s.HandleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{key}", s.HandleRoom)
	mux.HandleFunc("GET /api/rooms/{key}/users", s.HandleRoomUsers)
	mux.HandleFunc("GET /api/rooms/{key}/messages", s.HandleRoomMessages)
	mux.HandleFunc("POST /api/rooms/{key}/files", s.HandleUpload)
	mux.HandleFunc("GET /api/rooms/{key}/files/{id}", s.HandleRoomFile)
	mux.HandleFunc("POST /api/shares", s.HandleCreateShare)
	mux.HandleFunc("GET /api/shares", s.HandleListShares)
	mux.HandleFunc("GET /api/shares/{id}", s.HandleShareInfo)
	mux.HandleFunc("POST /api/shares/{id}/revoke", s.HandleRevokeShare)
	mux.HandleFunc("DELETE /api/shares/{id}", s.HandleDeleteShare)
	mux.HandleFunc("GET /api/shares/{id}/logs", s.HandleShareLogs)
	mux.HandleFunc("GET /s/{id}", s.HandlePublicDownload)
	mux.HandleFunc("GET /api/stats", s.HandleStats)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	return s.withRecover(s.withRequestLog(s.withGeneralLimit(mux)))
}

// Hub exposes the connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics exposes the server counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) forwardEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.events.C:
			if !ok {
				return
			}
			if ev.Kind == room.EventRoomDestroyed {
				s.onRoomDestroyed(ev)
			}
		}
	}
}

// onRoomDestroyed tells attached sockets the room is gone and purges its
// files, keeping any that a live share still points at.
func (s *Server) onRoomDestroyed(ev room.Event) {
	if s.rooms.Exists(ev.RoomKey) {
		// Recreated before the event was handled.
		return
	}
	payload, err := s.encode(ServerEnvelope{Type: TypeRoomDestroyed, Room: ev.RoomKey, Reason: ev.Reason})
	if err == nil {
		for _, client := range s.hub.detachRoom(ev.RoomKey) {
			client.clearRoom(ev.RoomKey)
			client.enqueue(payload)
		}
	}
	removed, err := s.files.PurgeRoom(s.ctx, ev.RoomKey, s.shares.HasLiveShareForFile)
	if err != nil {
		s.logger.Error("purge room files", "room", ev.RoomKey, "err", err)
		return
	}
	if removed > 0 {
		s.logger.Info("room files purged", "room", ev.RoomKey, "files", removed, "reason", ev.Reason)
	}
}

// SweepRooms removes inactive rooms. Their files go through the usual
// destroyed-event path.
func (s *Server) SweepRooms(ctx context.Context) []string {
	removed := s.rooms.CleanupInactiveRooms()
	if len(removed) > 0 {
		s.logger.Info("inactive rooms removed", "count", len(removed))
	}
	return removed
}

// SweepShares hard-deletes expired shares, prunes old access logs and
// purges files no room and no live share holds.
func (s *Server) SweepShares(ctx context.Context) share.CleanupResult {
	res := s.shares.CleanupExpiredShares()
	live := s.rooms.Rooms()
	keys := make([]string, 0, len(live))
	for _, info := range live {
		keys = append(keys, info.Key)
	}
	purged, err := s.files.PurgeOrphans(ctx, keys, s.shares.HasLiveShareForFile)
	if err != nil {
		s.logger.Error("purge orphan files", "err", err)
	}
	if len(res.Removed) > 0 || res.PrunedLogs > 0 || purged > 0 {
		s.logger.Info("share sweep", "removed", len(res.Removed), "pruned_logs", res.PrunedLogs, "files", purged)
	}
	return res
}

// SweepAdmission evicts idle limiter keys.
func (s *Server) SweepAdmission(ctx context.Context) admission.SweepResult {
	return s.admission.Sweep()
}

// Stats is the body of /api/stats.
type Stats struct {
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Rooms         room.Stats      `json:"rooms"`
	Shares        share.Stats     `json:"shares"`
	Admission     admission.Stats `json:"admission"`
	Files         int64           `json:"files"`
	FileBytes     int64           `json:"file_bytes"`
	Connections   int             `json:"connections"`
	EventsDropped uint64          `json:"events_dropped"`
	Counters      MetricsSnapshot `json:"counters"`
}

func (s *Server) Stats(ctx context.Context) Stats {
	st := Stats{
		Version:       Version,
		UptimeSeconds: int64(s.now().Sub(s.started) / time.Second),
		Rooms:         s.rooms.Stats(),
		Shares:        s.shares.Stats(),
		Admission:     s.admission.Stats(),
		Connections:   s.hub.Connections(),
		EventsDropped: s.events.Dropped(),
		Counters:      s.metrics.Snapshot(),
	}
	count, size, err := s.files.Totals(ctx)
	if err != nil {
		s.logger.Warn("file totals", "err", err)
	}
	st.Files, st.FileBytes = count, size
	return st
}

// Close stops event forwarding. Connections are left to the HTTP server's
// shutdown.
func (s *Server) Close() {
	s.cancel()
	s.events.Close()
	s.wg.Wait()
}

func (s *Server) broadcast(key string, envelope ServerEnvelope, except *Client) {
	payload, err := s.encode(envelope)
	if err != nil {
		s.logger.Error("encode envelope", "type", envelope.Type, "err", err)
		return
	}
	s.hub.broadcast(key, payload, except)
}

func (s *Server) encode(envelope ServerEnvelope) ([]byte, error) {
	if envelope.Ts == 0 {
		envelope.Ts = s.now().Unix()
	}
	return json.Marshal(envelope)
}
