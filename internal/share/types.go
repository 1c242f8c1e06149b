package share

import "time"

// Metadata keys understood by the registry.
const (
	MetaAutoPassword = "auto_password"
	MetaDisplayName  = "display_name"
)

// Status values exposed in Info. Revoked shares report StatusExpired too.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// AccessLog records one download attempt.
type AccessLog struct {
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	Bytes     int64     `json:"bytes_transferred,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Share is the full record, including the password hash. It never leaves
// the server; clients see Info.
type Share struct {
	ID           string            `json:"id"`
	FileID       string            `json:"file_id"`
	FileName     string            `json:"file_name"`
	Size         int64             `json:"size"`
	RoomKey      string            `json:"room"`
	CreatorID    string            `json:"creator_id"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	PasswordHash string            `json:"-"`
	IsActive     bool              `json:"is_active"`
	AccessCount  uint64            `json:"access_count"`
	AccessLogs   []AccessLog       `json:"access_logs"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether now is past the expiry instant.
func (s Share) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Available reports whether the share may be downloaded at now.
func (s Share) Available(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now)
}

// HasPassword reports whether downloads must present a password.
func (s Share) HasPassword() bool {
	return s.PasswordHash != ""
}

// DisplayName prefers the metadata override over the stored file name.
func (s Share) DisplayName() string {
	if name := s.Metadata[MetaDisplayName]; name != "" {
		return name
	}
	return s.FileName
}

func (s Share) clone() Share {
	if s.AccessLogs != nil {
		logs := make([]AccessLog, len(s.AccessLogs))
		copy(logs, s.AccessLogs)
		s.AccessLogs = logs
	}
	if s.Metadata != nil {
		meta := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		s.Metadata = meta
	}
	return s
}

// Info is the redacted view of a share: no file reference, no hash, no
// raw metadata.
type Info struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	Size        int64     `json:"size"`
	RoomKey     string    `json:"room"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HasPassword bool      `json:"has_password"`
	Status      string    `json:"status"`
	AccessCount uint64    `json:"access_count"`
}

func (s Share) info(now time.Time) Info {
	status := StatusExpired
	if s.Available(now) {
		status = StatusActive
	}
	return Info{
		ID:          s.ID,
		FileName:    s.DisplayName(),
		Size:        s.Size,
		RoomKey:     s.RoomKey,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		HasPassword: s.HasPassword(),
		Status:      status,
		AccessCount: s.AccessCount,
	}
}

// PasswordMode selects how CreateShare protects a share.
type PasswordMode int

const (
	PasswordNone PasswordMode = iota
	PasswordExplicit
	PasswordAuto
)

// CreateRequest carries the arguments of CreateShare. A non-empty Password
// wins over Mode.
type CreateRequest struct {
	FileID        string
	FileName      string
	Size          int64
	RoomKey       string
	CreatorID     string
	ExpiresInDays int
	Mode          PasswordMode
	Password      string
	DisplayName   string
}
