package share

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomshare/internal/auth"
	"roomshare/internal/validate"
)

func init() {
	auth.Cost = 4
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(Options{Now: clock.Now}), clock
}

func baseRequest() CreateRequest {
	return CreateRequest{
		FileID:        "file-1",
		FileName:      "report.pdf",
		Size:          1024,
		RoomKey:       "abc123",
		CreatorID:     "u1",
		ExpiresInDays: 7,
	}
}

func TestCreateShareDefaults(t *testing.T) {
	reg, clock := newTestRegistry()
	s, secret, err := reg.CreateShare(baseRequest())
	require.NoError(t, err)

	assert.Empty(t, secret)
	assert.NoError(t, validate.ShareID(s.ID))
	assert.True(t, s.IsActive)
	assert.Equal(t, uint64(0), s.AccessCount)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), s.ExpiresAt)
	assert.False(t, s.HasPassword())
}

func TestCreateShareExpiryBounds(t *testing.T) {
	reg, clock := newTestRegistry()

	req := baseRequest()
	req.ExpiresInDays = 0
	s, _, err := reg.CreateShare(req)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultExpiryDays*24*time.Hour), s.ExpiresAt)

	for _, days := range []int{-1, 31} {
		req.ExpiresInDays = days
		_, _, err := reg.CreateShare(req)
		assert.ErrorIs(t, err, ErrInvalidExpiry)
	}
}

func TestCreateShareRequiresFileAndCreator(t *testing.T) {
	reg, _ := newTestRegistry()
	req := baseRequest()
	req.FileID = ""
	_, _, err := reg.CreateShare(req)
	assert.ErrorIs(t, err, ErrMissingFile)

	req = baseRequest()
	req.CreatorID = ""
	_, _, err = reg.CreateShare(req)
	assert.ErrorIs(t, err, ErrMissingCreator)
}

func TestVerifyPassword(t *testing.T) {
	reg, _ := newTestRegistry()

	req := baseRequest()
	req.Mode = PasswordExplicit
	req.Password = "S3cret"
	protected, secret, err := reg.CreateShare(req)
	require.NoError(t, err)
	assert.Equal(t, "S3cret", secret)

	ok, err := reg.VerifyPassword(protected.ID, "S3cret")
	require.NoError(t, err)
	assert.True(t, ok)
	for _, wrong := range []string{"", "s3cret", "S3cret ", "other"} {
		ok, err := reg.VerifyPassword(protected.ID, wrong)
		require.NoError(t, err)
		assert.False(t, ok, wrong)
	}

	open, _, err := reg.CreateShare(baseRequest())
	require.NoError(t, err)
	for _, input := range []string{"", "whatever"} {
		ok, err := reg.VerifyPassword(open.ID, input)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err = reg.VerifyPassword("zzzzzzzz", "x")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestAutoPassword(t *testing.T) {
	reg, _ := newTestRegistry()
	req := baseRequest()
	req.Mode = PasswordAuto
	s, secret, err := reg.CreateShare(req)
	require.NoError(t, err)

	assert.Len(t, secret, AutoPasswordLength)
	assert.Regexp(t, `^[a-z0-9]{6}$`, secret)
	assert.Equal(t, secret, s.Metadata[MetaAutoPassword])
	ok, _ := reg.VerifyPassword(s.ID, secret)
	assert.True(t, ok)
}

func TestExplicitPasswordWinsOverAuto(t *testing.T) {
	reg, _ := newTestRegistry()
	req := baseRequest()
	req.Mode = PasswordAuto
	req.Password = "mine"
	s, secret, err := reg.CreateShare(req)
	require.NoError(t, err)
	assert.Equal(t, "mine", secret)
	assert.NotContains(t, s.Metadata, MetaAutoPassword)
}

func TestIsExpiredIsMonotonic(t *testing.T) {
	reg, clock := newTestRegistry()
	req := baseRequest()
	req.ExpiresInDays = 1
	s, _, err := reg.CreateShare(req)
	require.NoError(t, err)

	assert.False(t, s.IsExpired(clock.Now()))
	assert.False(t, s.IsExpired(s.ExpiresAt))
	for _, later := range []time.Duration{time.Nanosecond, time.Hour, 365 * 24 * time.Hour} {
		assert.True(t, s.IsExpired(s.ExpiresAt.Add(later)))
	}
}

func TestShareInfoStatusCollapsesRevokedAndExpired(t *testing.T) {
	reg, clock := newTestRegistry()
	req := baseRequest()
	req.DisplayName = "Quarterly.pdf"
	req.Password = "pw"
	s, _, err := reg.CreateShare(req)
	require.NoError(t, err)

	info, err := reg.GetShareInfo(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, info.Status)
	assert.Equal(t, "Quarterly.pdf", info.FileName)
	assert.True(t, info.HasPassword)

	require.NoError(t, reg.RevokeShare(s.ID, "u1"))
	info, _ = reg.GetShareInfo(s.ID)
	assert.Equal(t, StatusExpired, info.Status)

	other, _, _ := reg.CreateShare(baseRequest())
	clock.Advance(8 * 24 * time.Hour)
	info, _ = reg.GetShareInfo(other.ID)
	assert.Equal(t, StatusExpired, info.Status)
}

func TestCheckDownload(t *testing.T) {
	reg, clock := newTestRegistry()
	req := baseRequest()
	req.Password = "pw"
	s, _, err := reg.CreateShare(req)
	require.NoError(t, err)

	_, err = reg.CheckDownload(s.ID, "")
	assert.ErrorIs(t, err, ErrPasswordRequired)
	_, err = reg.CheckDownload(s.ID, "bad")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	got, err := reg.CheckDownload(s.ID, "pw")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	clock.Advance(8 * 24 * time.Hour)
	_, err = reg.CheckDownload(s.ID, "pw")
	assert.ErrorIs(t, err, ErrShareUnavailable)

	_, err = reg.CheckDownload("missing1", "pw")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestRecordAccess(t *testing.T) {
	reg, _ := newTestRegistry()
	s, _, err := reg.CreateShare(baseRequest())
	require.NoError(t, err)

	reg.RecordAccess(s.ID, AccessLog{ClientIP: "1.2.3.4", Success: true, Bytes: 1024})
	reg.RecordAccess(s.ID, AccessLog{ClientIP: "1.2.3.4", Success: false, Error: "bandwidth"})
	reg.RecordAccess("unknown1", AccessLog{ClientIP: "1.2.3.4", Success: true})

	got, err := reg.GetShare(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.AccessCount)
	require.Len(t, got.AccessLogs, 2)
	assert.Equal(t, "bandwidth", got.AccessLogs[1].Error)
	assert.False(t, got.AccessLogs[1].Timestamp.IsZero())
}

func TestOwnerOnlyOperations(t *testing.T) {
	reg, _ := newTestRegistry()
	s, _, err := reg.CreateShare(baseRequest())
	require.NoError(t, err)

	assert.ErrorIs(t, reg.RevokeShare(s.ID, "intruder"), ErrPermissionDenied)
	assert.ErrorIs(t, reg.DeleteShare(s.ID, "intruder"), ErrPermissionDenied)
	_, err = reg.AccessLogs(s.ID, "intruder")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	logs, err := reg.AccessLogs(s.ID, "u1")
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, reg.DeleteShare(s.ID, "u1"))
	_, err = reg.GetShare(s.ID)
	assert.ErrorIs(t, err, ErrShareNotFound)
	assert.Empty(t, reg.ListByCreator("u1"))
	assert.ErrorIs(t, reg.DeleteShare(s.ID, "u1"), ErrShareNotFound)
}

func TestListByCreator(t *testing.T) {
	reg, clock := newTestRegistry()
	first, _, _ := reg.CreateShare(baseRequest())
	clock.Advance(time.Minute)
	second, _, _ := reg.CreateShare(baseRequest())
	other := baseRequest()
	other.CreatorID = "u2"
	_, _, _ = reg.CreateShare(other)

	list := reg.ListByCreator("u1")
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestCleanupExpiredShares(t *testing.T) {
	reg, clock := newTestRegistry()
	short := baseRequest()
	short.ExpiresInDays = 1
	expiring, _, _ := reg.CreateShare(short)
	long := baseRequest()
	long.ExpiresInDays = 30
	lasting, _, _ := reg.CreateShare(long)
	require.NoError(t, reg.RevokeShare(lasting.ID, "u1"))

	reg.RecordAccess(lasting.ID, AccessLog{Timestamp: clock.Now().Add(-31 * 24 * time.Hour), ClientIP: "old", Success: true})
	reg.RecordAccess(lasting.ID, AccessLog{ClientIP: "new", Success: true})

	result := reg.CleanupExpiredShares()
	assert.Empty(t, result.Removed)
	assert.Equal(t, 1, result.PrunedLogs)

	clock.Advance(2 * 24 * time.Hour)
	result = reg.CleanupExpiredShares()
	require.Len(t, result.Removed, 1)
	assert.Equal(t, expiring.ID, result.Removed[0].ID)
	assert.Equal(t, 0, result.PrunedLogs)

	got, err := reg.GetShare(lasting.ID)
	require.NoError(t, err)
	require.Len(t, got.AccessLogs, 1)
	assert.Equal(t, "new", got.AccessLogs[0].ClientIP)
	assert.Equal(t, uint64(2), got.AccessCount)
	_, err = reg.GetShare(expiring.ID)
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestHasLiveShareForFile(t *testing.T) {
	reg, clock := newTestRegistry()
	s, _, _ := reg.CreateShare(baseRequest())
	assert.True(t, reg.HasLiveShareForFile("file-1"))
	assert.False(t, reg.HasLiveShareForFile("file-2"))

	require.NoError(t, reg.RevokeShare(s.ID, "u1"))
	assert.False(t, reg.HasLiveShareForFile("file-1"))

	_, _, _ = reg.CreateShare(baseRequest())
	clock.Advance(8 * 24 * time.Hour)
	assert.False(t, reg.HasLiveShareForFile("file-1"))
}

func TestReturnedSharesAreCopies(t *testing.T) {
	reg, _ := newTestRegistry()
	req := baseRequest()
	req.DisplayName = "x"
	s, _, _ := reg.CreateShare(req)
	s.Metadata[MetaDisplayName] = "tampered"
	s.IsActive = false

	got, _ := reg.GetShare(s.ID)
	assert.Equal(t, "x", got.Metadata[MetaDisplayName])
	assert.True(t, got.IsActive)
}

func TestStats(t *testing.T) {
	reg, clock := newTestRegistry()
	a, _, _ := reg.CreateShare(baseRequest())
	short := baseRequest()
	short.ExpiresInDays = 1
	_, _, _ = reg.CreateShare(short)
	_, _, _ = reg.CreateShare(baseRequest())
	require.NoError(t, reg.RevokeShare(a.ID, "u1"))
	clock.Advance(2 * 24 * time.Hour)

	assert.Equal(t, Stats{Shares: 3, Active: 1, Expired: 1, Revoked: 1}, reg.Stats())
}
