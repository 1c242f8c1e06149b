package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomshare/internal/apperr"
	"roomshare/internal/ident"
	"roomshare/internal/room"
	"roomshare/internal/storage"
	"roomshare/internal/validate"
)

var (
	ErrFileNotFound = apperr.New(apperr.NotFound, "file not found")
	ErrFileTooLarge = apperr.New(apperr.Validation, "file too large")
	ErrNotInRoom    = apperr.New(apperr.PermissionDenied, "connection is not in this room")
)

// FileStore keeps uploaded blobs under <dir>/<room>/<id>-<name> and their
// metadata in the catalog.
type FileStore struct {
	catalog *storage.Store
	dir     string
	now     func() time.Time
	logger  *slog.Logger
}

// NewFileStore returns a store rooted at dir. dir is created on first save.
func NewFileStore(catalog *storage.Store, dir string, now func() time.Time, logger *slog.Logger) *FileStore {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err == nil {
		dir = abs
	}
	return &FileStore{catalog: catalog, dir: dir, now: now, logger: logger.With("component", "files")}
}

// Dir returns the absolute upload directory.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Save copies src to disk while hashing it and records the file.
func (fs *FileStore) Save(ctx context.Context, roomKey, uploaderID, name, mimeType string, src io.Reader) (storage.File, error) {
	if err := validate.RoomKey(roomKey); err != nil {
		return storage.File{}, err
	}
	name, err := validate.Filename(name)
	if err != nil {
		return storage.File{}, err
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	fileID := ident.NewID()
	roomDir := filepath.Join(fs.dir, sanitizePathComponent(roomKey))
	storagePath := filepath.Join(roomDir, fmt.Sprintf("%s-%s", fileID, sanitizePathComponent(name)))
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return storage.File{}, fmt.Errorf("create upload directory: %w", err)
	}
	dest, err := os.Create(storagePath)
	if err != nil {
		return storage.File{}, fmt.Errorf("create file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), src)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(storagePath)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return storage.File{}, ErrFileTooLarge
		}
		return storage.File{}, fmt.Errorf("save file: %w", err)
	}

	f := storage.File{
		ID:         fileID,
		RoomKey:    roomKey,
		Name:       name,
		Size:       written,
		MimeType:   mimeType,
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
		Path:       storagePath,
		UploaderID: uploaderID,
		CreatedAt:  fs.now(),
	}
	if err := fs.catalog.CreateFile(ctx, f); err != nil {
		_ = os.Remove(storagePath)
		return storage.File{}, fmt.Errorf("record file: %w", err)
	}
	fs.logger.Info("file stored", "room", roomKey, "file", fileID, "size", written)
	return f, nil
}

// Get returns the catalog entry of id.
func (fs *FileStore) Get(ctx context.Context, id string) (storage.File, error) {
	f, err := fs.catalog.GetFile(ctx, id)
	if err != nil {
		return storage.File{}, err
	}
	if f == nil {
		return storage.File{}, ErrFileNotFound
	}
	return *f, nil
}

// Open returns the blob of id for reading. The caller closes it.
func (fs *FileStore) Open(ctx context.Context, id string) (*os.File, storage.File, error) {
	f, err := fs.Get(ctx, id)
	if err != nil {
		return nil, storage.File{}, err
	}
	if !fs.contains(f.Path) {
		return nil, storage.File{}, apperr.New(apperr.PermissionDenied, "invalid file path")
	}
	blob, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.File{}, ErrFileNotFound
		}
		return nil, storage.File{}, err
	}
	return blob, f, nil
}

func (fs *FileStore) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, fs.dir+string(filepath.Separator))
}

// PurgeRoom deletes every file of roomKey for which keep returns false.
func (fs *FileStore) PurgeRoom(ctx context.Context, roomKey string, keep func(fileID string) bool) (int, error) {
	files, err := fs.catalog.ListRoomFiles(ctx, roomKey)
	if err != nil {
		return 0, err
	}
	removed, err := fs.purge(ctx, files, keep)
	if removed == len(files) {
		_ = os.Remove(filepath.Join(fs.dir, sanitizePathComponent(roomKey)))
	}
	return removed, err
}

// PurgeOrphans deletes files whose room is not in liveRooms and for which
// keep returns false.
func (fs *FileStore) PurgeOrphans(ctx context.Context, liveRooms []string, keep func(fileID string) bool) (int, error) {
	files, err := fs.catalog.ListFilesOutside(ctx, liveRooms)
	if err != nil {
		return 0, err
	}
	return fs.purge(ctx, files, keep)
}

func (fs *FileStore) purge(ctx context.Context, files []storage.File, keep func(string) bool) (int, error) {
	var errs []error
	removed := 0
	for _, f := range files {
		if keep != nil && keep(f.ID) {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		if _, err := fs.catalog.DeleteFile(ctx, f.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		fs.logger.Info("files purged", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// Totals reports the catalogued file count and bytes.
func (fs *FileStore) Totals(ctx context.Context) (int64, int64, error) {
	return fs.catalog.Totals(ctx)
}

// HandleUpload stores a multipart upload for the room in the path and
// posts a file message from the uploading connection's user.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || r.ContentLength > s.maxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, ErrFileTooLarge)
			return
		}
		writeAppError(w, apperr.Validationf("invalid multipart form"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	socketID := r.FormValue("socket_id")
	user, ok := s.rooms.UserBySocket(socketID)
	if !ok || user.RoomKey != key {
		writeAppError(w, ErrNotInRoom)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, apperr.Validationf("no file provided"))
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, ErrFileTooLarge)
		return
	}

	stored, err := s.files.Save(r.Context(), key, user.ID, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeAppError(w, err)
		return
	}

	info := room.FileInfo{
		ID:       stored.ID,
		Name:     stored.Name,
		Size:     stored.Size,
		MimeType: stored.MimeType,
		URL:      fmt.Sprintf("/api/rooms/%s/files/%s", key, stored.ID),
	}
	msg, err := s.rooms.SendMessage(socketID, room.MessageFile, stored.Name, &info)
	if err != nil {
		_, _ = s.files.purge(r.Context(), []storage.File{stored}, nil)
		writeAppError(w, err)
		return
	}
	s.metrics.IncUpload()
	s.broadcast(key, ServerEnvelope{Type: TypeMessage, Room: key, Message: &msg}, nil)
	writeJSON(w, http.StatusCreated, map[string]any{
		"file":    info,
		"sha256":  stored.SHA256,
		"message": msg,
	})
}

// HandleRoomFile streams a room file to a connection that is in the room.
func (s *Server) HandleRoomFile(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	user, ok := s.rooms.UserBySocket(r.URL.Query().Get("socket_id"))
	if !ok || user.RoomKey != key {
		writeAppError(w, ErrNotInRoom)
		return
	}
	blob, f, err := s.files.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	defer blob.Close()
	if f.RoomKey != key {
		writeAppError(w, ErrFileNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	w.Header().Set("Content-Type", f.MimeType)
	http.ServeContent(w, r, f.Name, f.CreatedAt, blob)
}

// sanitizePathComponent removes dangerous characters from path components
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}
