package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle holding the uploaded-file catalog.
type Store struct {
	db *sql.DB
}

// File is a row in the files table. Path points at the blob on disk.
type File struct {
	ID         string
	RoomKey    string
	Name       string
	Size       int64
	MimeType   string
	SHA256     string
	Path       string
	UploaderID string
	CreatedAt  time.Time
}

// ErrFileExists is returned when inserting a duplicate file id.
var ErrFileExists = errors.New("file already exists")

// NewStore opens the catalog at dsn. Call Close when done.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "file:roomshare?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", buildDSN(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			room_key TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			uploader_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS files_room_key ON files(room_key);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateFile records an uploaded file. ErrFileExists is returned on
// conflicts.
func (s *Store) CreateFile(ctx context.Context, f File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files(id, room_key, name, size, mime_type, sha256, path, uploader_id, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RoomKey, f.Name, f.Size, f.MimeType, f.SHA256, f.Path, f.UploaderID, f.CreatedAt.UTC())
	if err != nil {
		if isConstraintError(err) {
			return ErrFileExists
		}
		return err
	}
	return nil
}

const fileColumns = `id, room_key, name, size, mime_type, sha256, path, uploader_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (File, error) {
	var f File
	err := row.Scan(&f.ID, &f.RoomKey, &f.Name, &f.Size, &f.MimeType, &f.SHA256, &f.Path, &f.UploaderID, &f.CreatedAt)
	return f, err
}

// GetFile fetches a file by id. It returns nil, nil when absent.
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

// ListRoomFiles returns a room's files, oldest first.
func (s *Store) ListRoomFiles(ctx context.Context, roomKey string) ([]File, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE room_key = ? ORDER BY created_at ASC, id ASC`, roomKey)
}

// ListFilesOutside returns files whose room key is not in keep.
func (s *Store) ListFilesOutside(ctx context.Context, keep []string) ([]File, error) {
	if len(keep) == 0 {
		return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files ORDER BY created_at ASC, id ASC`)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, k := range keep {
		args[i] = k
	}
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE room_key NOT IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a catalog row and reports whether it existed.
func (s *Store) DeleteFile(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Totals returns the number of catalogued files and their combined size.
func (s *Store) Totals(ctx context.Context) (count int64, bytes int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(size), 0) FROM files`)
	err = row.Scan(&count, &bytes)
	return count, bytes, err
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
