// Package share manages time-limited download links.
//
// Two tables, two locks: mu guards the share records and indexMu guards the
// per-creator index. Operations touching both take mu first.
package share

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"roomshare/internal/apperr"
	"roomshare/internal/auth"
	"roomshare/internal/ident"
	"roomshare/internal/validate"
)

const (
	MinExpiryDays         = 1
	MaxExpiryDays         = 30
	DefaultExpiryDays     = 7
	DefaultLogRetention   = 30 * 24 * time.Hour
	AutoPasswordLength    = 6
	idAttemptsBeforeGrow  = 5
	maxAccessLogsPerShare = 10000
)

var (
	ErrShareNotFound    = apperr.New(apperr.NotFound, "share not found")
	ErrShareUnavailable = apperr.New(apperr.Gone, "share is no longer available")
	ErrPasswordRequired = apperr.New(apperr.AuthRequired, "share password required")
	ErrInvalidPassword  = apperr.New(apperr.InvalidCredential, "invalid share password")
	ErrPermissionDenied = apperr.New(apperr.PermissionDenied, "only the creator may do this")
	ErrInvalidExpiry    = apperr.New(apperr.Validation, "expires_in_days must be between 1 and 30")
	ErrMissingFile      = apperr.New(apperr.Validation, "file reference is required")
	ErrMissingCreator   = apperr.New(apperr.Validation, "creator id is required")
)

// Options tunes a Registry. Zero values select the defaults.
type Options struct {
	DefaultExpiryDays int
	LogRetention      time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// Stats summarizes the registry.
type Stats struct {
	Shares      int    `json:"shares"`
	Active      int    `json:"active"`
	Expired     int    `json:"expired"`
	Revoked     int    `json:"revoked"`
	AccessCount uint64 `json:"access_count"`
}

// Registry is the in-memory authority for share links.
type Registry struct {
	mu     sync.RWMutex
	shares map[string]*Share

	indexMu   sync.RWMutex
	byCreator map[string]map[string]struct{}

	defaultDays  int
	logRetention time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.DefaultExpiryDays < MinExpiryDays || opts.DefaultExpiryDays > MaxExpiryDays {
		opts.DefaultExpiryDays = DefaultExpiryDays
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = DefaultLogRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		shares:       make(map[string]*Share),
		byCreator:    make(map[string]map[string]struct{}),
		defaultDays:  opts.DefaultExpiryDays,
		logRetention: opts.LogRetention,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "shares"),
	}
}

// CreateShare mints a new share. The plaintext secret, explicit or
// generated, is returned exactly once; it is empty for unprotected shares.
func (r *Registry) CreateShare(req CreateRequest) (Share, string, error) {
	if req.FileID == "" {
		return Share{}, "", ErrMissingFile
	}
	if req.CreatorID == "" {
		return Share{}, "", ErrMissingCreator
	}
	days := req.ExpiresInDays
	if days == 0 {
		days = r.defaultDays
	}
	if days < MinExpiryDays || days > MaxExpiryDays {
		return Share{}, "", ErrInvalidExpiry
	}

	meta := make(map[string]string)
	secret := req.Password
	if secret == "" && req.Mode == PasswordAuto {
		secret = ident.RandomAlnum(AutoPasswordLength)
		meta[MetaAutoPassword] = secret
	}
	if req.DisplayName != "" {
		meta[MetaDisplayName] = validate.Truncate(req.DisplayName, validate.MaxFilenameBytes)
	}
	var hash string
	if secret != "" {
		h, err := auth.HashPassword(secret)
		if err != nil {
			return Share{}, "", apperr.New(apperr.Internal, "hash share password: "+err.Error())
		}
		hash = h
	}

	now := r.now()
	s := &Share{
		FileID:       req.FileID,
		FileName:     req.FileName,
		Size:         req.Size,
		RoomKey:      req.RoomKey,
		CreatorID:    req.CreatorID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(days) * 24 * time.Hour),
		PasswordHash: hash,
		IsActive:     true,
		AccessLogs:   make([]AccessLog, 0),
		Metadata:     meta,
	}

	r.mu.Lock()
	s.ID = r.newIDLocked()
	r.shares[s.ID] = s
	out := s.clone()
	r.indexMu.Lock()
	ids := r.byCreator[s.CreatorID]
	if ids == nil {
		ids = make(map[string]struct{})
		r.byCreator[s.CreatorID] = ids
	}
	ids[s.ID] = struct{}{}
	r.indexMu.Unlock()
	r.mu.Unlock()

	r.logger.Info("share created", "share", out.ID, "room", out.RoomKey, "expires_at", out.ExpiresAt, "protected", hash != "")
	return out, secret, nil
}

func (r *Registry) newIDLocked() string {
	length := ident.ShareIDLength
	for attempt := 0; ; attempt++ {
		if attempt > 0 && attempt%idAttemptsBeforeGrow == 0 && length < ident.MaxShareIDLength {
			length++
		}
		id := ident.ShareID(length)
		if _, taken := r.shares[id]; !taken {
			return id
		}
	}
}

// GetShare returns a copy of the full record.
func (r *Registry) GetShare(id string) (Share, error) {
	if err := validate.ShareID(id); err != nil {
		return Share{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shares[id]
	if !ok {
		return Share{}, ErrShareNotFound
	}
	return s.clone(), nil
}

// GetShareInfo returns the redacted view of a share.
func (r *Registry) GetShareInfo(id string) (Info, error) {
	s, err := r.GetShare(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(r.now()), nil
}

// ListByCreator returns redacted views of every share minted by creatorID,
// newest first.
func (r *Registry) ListByCreator(creatorID string) []Info {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	out := make([]Info, 0, len(r.byCreator[creatorID]))
	for id := range r.byCreator[creatorID] {
		if s, ok := r.shares[id]; ok {
			out = append(out, s.info(now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// VerifyPassword checks candidate against the share's password. A share
// without a password accepts anything.
func (r *Registry) VerifyPassword(id, candidate string) (bool, error) {
	s, err := r.GetShare(id)
	if err != nil {
		return false, err
	}
	if !s.HasPassword() {
		return true, nil
	}
	return auth.VerifyPassword(candidate, s.PasswordHash), nil
}

// CheckDownload returns the share if it exists, is available, and password
// accepts it. Errors distinguish missing, unavailable and bad credentials.
func (r *Registry) CheckDownload(id, password string) (Share, error) {
	s, err := r.GetShare(id)
	if err != nil {
		return Share{}, err
	}
	if !s.Available(r.now()) {
		return s, ErrShareUnavailable
	}
	if s.HasPassword() {
		if password == "" {
			return s, ErrPasswordRequired
		}
		if !auth.VerifyPassword(password, s.PasswordHash) {
			return s, ErrInvalidPassword
		}
	}
	return s, nil
}

// RecordAccess appends an access log entry and counts successful
// downloads. Failure to record is logged, never returned.
func (r *Registry) RecordAccess(id string, entry AccessLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shares[id]
	if !ok {
		r.logger.Debug("access for unknown share not recorded", "share", id, "ip", entry.ClientIP)
		return
	}
	s.AccessLogs = append(s.AccessLogs, entry)
	if len(s.AccessLogs) > maxAccessLogsPerShare {
		s.AccessLogs = append([]AccessLog(nil), s.AccessLogs[len(s.AccessLogs)-maxAccessLogsPerShare:]...)
	}
	if entry.Success {
		s.AccessCount++
	}
}

// AccessLogs returns the audit trail of a share to its creator.
func (r *Registry) AccessLogs(id, requesterID string) ([]AccessLog, error) {
	s, err := r.GetShare(id)
	if err != nil {
		return nil, err
	}
	if s.CreatorID != requesterID {
		return nil, ErrPermissionDenied
	}
	return s.AccessLogs, nil
}

// RevokeShare deactivates a share. The record stays queryable.
func (r *Registry) RevokeShare(id, requesterID string) error {
	if err := validate.ShareID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shares[id]
	if !ok {
		return ErrShareNotFound
	}
	if s.CreatorID != requesterID {
		return ErrPermissionDenied
	}
	s.IsActive = false
	r.logger.Info("share revoked", "share", id)
	return nil
}

// DeleteShare removes a share and its index entry.
func (r *Registry) DeleteShare(id, requesterID string) error {
	if err := validate.ShareID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shares[id]
	if !ok {
		return ErrShareNotFound
	}
	if s.CreatorID != requesterID {
		return ErrPermissionDenied
	}
	r.indexMu.Lock()
	r.removeLocked(s)
	r.indexMu.Unlock()
	r.logger.Info("share deleted", "share", id)
	return nil
}

// removeLocked drops s from both tables. Caller holds mu and indexMu.
func (r *Registry) removeLocked(s *Share) {
	delete(r.shares, s.ID)
	if ids := r.byCreator[s.CreatorID]; ids != nil {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byCreator, s.CreatorID)
		}
	}
}

// HasLiveShareForFile reports whether an active, unexpired share still
// points at fileID.
func (r *Registry) HasLiveShareForFile(fileID string) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shares {
		if s.FileID == fileID && s.Available(now) {
			return true
		}
	}
	return false
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	Removed    []Share
	PrunedLogs int
}

// CleanupExpiredShares hard-deletes expired shares and prunes access log
// entries older than the retention window from the rest.
func (r *Registry) CleanupExpiredShares() CleanupResult {
	now := r.now()
	cutoff := now.Add(-r.logRetention)

	r.mu.RLock()
	expired := make([]string, 0)
	stale := make([]string, 0)
	for id, s := range r.shares {
		if s.IsExpired(now) {
			expired = append(expired, id)
		} else if len(s.AccessLogs) > 0 && s.AccessLogs[0].Timestamp.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var result CleanupResult
	r.mu.Lock()
	r.indexMu.Lock()
	for _, id := range expired {
		s, ok := r.shares[id]
		if !ok || !s.IsExpired(now) {
			continue
		}
		r.removeLocked(s)
		result.Removed = append(result.Removed, s.clone())
	}
	r.indexMu.Unlock()
	for _, id := range stale {
		s, ok := r.shares[id]
		if !ok {
			continue
		}
		kept := s.AccessLogs[:0]
		for _, entry := range s.AccessLogs {
			if entry.Timestamp.Before(cutoff) {
				result.PrunedLogs++
				continue
			}
			kept = append(kept, entry)
		}
		s.AccessLogs = kept
	}
	r.mu.Unlock()

	if len(result.Removed) > 0 || result.PrunedLogs > 0 {
		r.logger.Info("share sweep", "removed", len(result.Removed), "pruned_logs", result.PrunedLogs)
	}
	return result
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	s.Shares = len(r.shares)
	for _, sh := range r.shares {
		switch {
		case !sh.IsActive:
			s.Revoked++
		case sh.IsExpired(now):
			s.Expired++
		default:
			s.Active++
		}
		s.AccessCount += sh.AccessCount
	}
	return s
}
