package internal

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"roomshare/internal/admission"
	"roomshare/internal/apperr"
	"roomshare/internal/ident"
	"roomshare/internal/room"
	"roomshare/internal/validate"
)

const (
	maxJSONBody         = 1 << 20
	defaultHistoryLimit = 50
	generatedKeyLength  = 10
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type createRoomRequest struct {
	Room     string `json:"room"`
	Password string `json:"password"`
}

type roomResponse struct {
	room.Info
	Connections int    `json:"connections"`
	InviteLink  string `json:"invite_link,omitempty"`
}

// HandleCreateRoom creates a room, or returns the existing one unchanged.
// An empty key asks the server to pick one.
func (s *Server) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.admission.CheckRate(admission.Strict, s.clientIP(r)); err != nil {
		s.metrics.IncRejected("rate")
		writeAppError(w, err)
		return
	}
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, apperr.Validationf("invalid json body"))
		return
	}
	key := strings.TrimSpace(req.Room)
	if key == "" {
		key = ident.RoomKey(generatedKeyLength)
	}
	info, err := s.rooms.CreateRoom(key, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	resp := roomResponse{Info: info, Connections: s.hub.Count(key)}
	if link, err := s.rooms.InviteLink(key, s.joinURL(r)); err == nil {
		resp.InviteLink = link
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleRoom describes a room. It never creates one.
func (s *Server) HandleRoom(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validate.RoomKey(key); err != nil {
		writeAppError(w, err)
		return
	}
	info, ok := s.rooms.Room(key)
	if !ok {
		writeAppError(w, room.ErrRoomNotFound)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Info: info, Connections: s.hub.Count(key)})
}

func (s *Server) HandleRoomUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.rooms.Users(r.PathValue("key"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) HandleRoomMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeAppError(w, apperr.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	messages, err := s.rooms.Messages(r.PathValue("key"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats(r.Context()))
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// baseURL is the externally visible http(s) origin.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// joinURL is the websocket endpoint clients dial.
func (s *Server) joinURL(r *http.Request) string {
	u, err := url.Parse(s.baseURL(r))
	if err != nil {
		return s.wsPath
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + s.wsPath
	return u.String()
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: apperr.KindOf(err).String()})
}

// writeAppError maps err onto a status. Saturation of shared download
// capacity is 503; per-client quotas are 429. Errors outside the
// taxonomy are reported without detail.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, admission.ErrTooManyStreams) || errors.Is(err, admission.ErrBandwidthExceeded) {
		status = http.StatusServiceUnavailable
	}
	if secs := admission.RetryAfterSeconds(err); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeJSON(w, status, errorBody{Error: "internal error", Kind: apperr.Internal.String()})
		return
	}
	writeError(w, status, err)
}
