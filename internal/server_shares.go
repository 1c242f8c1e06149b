package internal

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"roomshare/internal/admission"
	"roomshare/internal/apperr"
	"roomshare/internal/room"
	"roomshare/internal/share"
	"roomshare/internal/validate"
)

// socketHeader carries the caller's websocket id on owner-only share
// requests. The bound user is the only accepted proof of ownership.
const socketHeader = "X-Socket-ID"

var ErrSocketRequired = apperr.New(apperr.AuthRequired, "socket_id of a joined connection is required")

type createShareRequest struct {
	FileID        string `json:"file_id"`
	Room          string `json:"room"`
	SocketID      string `json:"socket_id"`
	ExpiresInDays int    `json:"expires_in_days"`
	Password      string `json:"password"`
	AutoPassword  bool   `json:"auto_password"`
	DisplayName   string `json:"display_name"`
}

type createShareResponse struct {
	Share    share.Info `json:"share"`
	URL      string     `json:"url"`
	Password string     `json:"password,omitempty"`
}

// HandleCreateShare publishes a room file under a public share id. The
// plaintext password is only ever returned here.
func (s *Server) HandleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, apperr.Validationf("invalid json body"))
		return
	}
	if err := s.admission.CheckRate(admission.ShareCreate, s.clientIP(r)+"|"+req.Room); err != nil {
		s.metrics.IncRejected("rate")
		writeAppError(w, err)
		return
	}
	creator, err := s.requesterBySocket(req.SocketID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if creator.RoomKey != req.Room {
		writeAppError(w, ErrNotInRoom)
		return
	}
	if req.FileID == "" {
		writeAppError(w, share.ErrMissingFile)
		return
	}
	f, err := s.files.Get(r.Context(), req.FileID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if f.RoomKey != req.Room {
		writeAppError(w, ErrFileNotFound)
		return
	}

	mode := share.PasswordNone
	switch {
	case req.Password != "":
		mode = share.PasswordExplicit
	case req.AutoPassword:
		mode = share.PasswordAuto
	}
	created, secret, err := s.shares.CreateShare(share.CreateRequest{
		FileID:        f.ID,
		FileName:      f.Name,
		Size:          f.Size,
		RoomKey:       req.Room,
		CreatorID:     creator.ID,
		ExpiresInDays: req.ExpiresInDays,
		Mode:          mode,
		Password:      req.Password,
		DisplayName:   req.DisplayName,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	info, err := s.shares.GetShareInfo(created.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.metrics.IncShareCreated()
	writeJSON(w, http.StatusCreated, createShareResponse{
		Share:    info,
		URL:      s.baseURL(r) + "/s/" + created.ID,
		Password: secret,
	})
}

// requester resolves the user bound to the socket named by the
// X-Socket-ID header or the socket_id query parameter.
func (s *Server) requester(r *http.Request) (room.User, error) {
	socketID := r.Header.Get(socketHeader)
	if socketID == "" {
		socketID = r.URL.Query().Get("socket_id")
	}
	return s.requesterBySocket(socketID)
}

func (s *Server) requesterBySocket(socketID string) (room.User, error) {
	if socketID == "" {
		return room.User{}, ErrSocketRequired
	}
	user, ok := s.rooms.UserBySocket(socketID)
	if !ok {
		return room.User{}, ErrNotInRoom
	}
	return user, nil
}

// HandleListShares lists the shares created by the caller's user.
func (s *Server) HandleListShares(w http.ResponseWriter, r *http.Request) {
	user, err := s.requester(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": s.shares.ListByCreator(user.ID)})
}

// HandleShareInfo returns the public view of a share: no password hash,
// no access log.
func (s *Server) HandleShareInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.shares.GetShareInfo(r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) HandleRevokeShare(w http.ResponseWriter, r *http.Request) {
	user, err := s.requester(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.shares.RevokeShare(r.PathValue("id"), user.ID); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleDeleteShare(w http.ResponseWriter, r *http.Request) {
	user, err := s.requester(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.shares.DeleteShare(r.PathValue("id"), user.ID); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleShareLogs(w http.ResponseWriter, r *http.Request) {
	user, err := s.requester(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	logs, err := s.shares.AccessLogs(r.PathValue("id"), user.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// HandlePublicDownload streams a shared file. Checks run cheapest first:
// request rate, stream slot, share validity and password, then the
// client's byte budget. Every attempt on a known share is logged to it.
func (s *Server) HandlePublicDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validate.ShareID(id); err != nil {
		writeAppError(w, err)
		return
	}
	ip := s.clientIP(r)
	record := func(bytes int64, err error) {
		entry := share.AccessLog{
			Timestamp: s.now(),
			ClientIP:  ip,
			UserAgent: r.UserAgent(),
			Success:   err == nil,
			Bytes:     bytes,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.shares.RecordAccess(id, entry)
		s.metrics.IncDownload(err == nil, bytes)
	}

	if err := s.admission.CheckRate(admission.PublicDownload, ip); err != nil {
		s.metrics.IncRejected("rate")
		record(0, err)
		writeAppError(w, err)
		return
	}
	token, err := s.admission.TryAcquireStream()
	if err != nil {
		s.metrics.IncRejected("streams")
		record(0, err)
		writeAppError(w, err)
		return
	}
	defer token.Release()

	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Share-Password")
	}
	sh, err := s.shares.CheckDownload(id, password)
	if err != nil {
		record(0, err)
		writeAppError(w, err)
		return
	}
	blob, f, err := s.files.Open(r.Context(), sh.FileID)
	if err != nil {
		record(0, err)
		writeAppError(w, err)
		return
	}
	defer blob.Close()
	if err := s.admission.CheckBandwidth(ip, f.Size); err != nil {
		s.metrics.IncRejected("bandwidth")
		record(0, err)
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(sh.DisplayName(), `"`, "")))
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, blob)
	if err != nil {
		s.logger.Warn("share download interrupted", "share", id, "ip", ip, "bytes", n, "err", err)
	}
	record(n, err)
}
