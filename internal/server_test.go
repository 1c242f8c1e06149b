package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomshare/internal/admission"
	"roomshare/internal/auth"
	"roomshare/internal/logging"
	"roomshare/internal/room"
	"roomshare/internal/share"
	"roomshare/internal/storage"
)

func init() {
	auth.Cost = 4
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	server  *Server
	handler http.Handler
	rooms   *room.Directory
	shares  *share.Registry
	gate    *admission.Controller
	files   *FileStore
	clock   *testClock
}

func newTestEnv(t *testing.T, admOpts admission.Options) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := logging.Discard()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	admOpts.Now = clock.Now
	admOpts.Logger = logger
	env := &testEnv{
		rooms:  room.NewDirectory(room.Options{GracePeriod: 50 * time.Millisecond, Now: clock.Now, Logger: logger}),
		shares: share.NewRegistry(share.Options{Now: clock.Now, Logger: logger}),
		gate:   admission.NewController(admOpts),
		files:  NewFileStore(store, t.TempDir(), clock.Now, logger),
		clock:  clock,
	}
	srv, err := NewServer(Options{
		Rooms:          env.rooms,
		Shares:         env.shares,
		Admission:      env.gate,
		Files:          env.files,
		MaxUploadBytes: 1 << 20,
		PublicURL:      "https://share.example.com",
		Now:            clock.Now,
		Logger:         logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		env.rooms.Close()
	})
	env.server = srv
	env.handler = srv.Handler()
	return env
}

func (env *testEnv) join(t *testing.T, key, name, socketID string) room.User {
	t.Helper()
	res, err := env.rooms.JoinRoom(room.JoinRequest{RoomKey: key, DisplayName: name, SocketID: socketID})
	require.NoError(t, err)
	return res.User
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) upload(t *testing.T, key, socketID, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("socket_id", socketID))
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/"+key+"/files", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return env.do(req)
}

func (env *testEnv) uploadOK(t *testing.T, key, socketID, filename string, content []byte) uploadResult {
	t.Helper()
	rec := env.upload(t, key, socketID, filename, content)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res uploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func (env *testEnv) createShare(t *testing.T, req createShareRequest) createShareResponse {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/shares", bytes.NewReader(payload)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res createShareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestShareDownloadThenExpiry(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	alice := env.join(t, "team42", "alice", "sock-a")

	up := env.uploadOK(t, "team42", "sock-a", "report.txt", []byte("quarterly numbers"))
	assert.Equal(t, "report.txt", up.File.Name)
	assert.EqualValues(t, len("quarterly numbers"), up.File.Size)
	assert.Equal(t, room.MessageFile, up.Message.Type)

	created := env.createShare(t, createShareRequest{
		FileID:        up.File.ID,
		Room:          "team42",
		SocketID:      "sock-a",
		ExpiresInDays: 7,
	})
	assert.Equal(t, "https://share.example.com/s/"+created.Share.ID, created.URL)
	assert.Empty(t, created.Password)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "quarterly numbers", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="report.txt"`)

	env.clock.Advance(8 * 24 * time.Hour)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "gone", decodeError(t, rec).Kind)

	logs, err := env.shares.AccessLogs(created.Share.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].Success)
	assert.EqualValues(t, len("quarterly numbers"), logs[0].Bytes)
	assert.False(t, logs[1].Success)
	assert.NotEmpty(t, logs[1].Error)

	counters := env.server.Metrics().Snapshot()
	assert.EqualValues(t, 1, counters.DownloadsOK)
	assert.EqualValues(t, 1, counters.DownloadsFailed)
	assert.EqualValues(t, 1, counters.Uploads)
}

func TestShareDownloadPassword(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "secret.bin", []byte{1, 2, 3})

	created := env.createShare(t, createShareRequest{
		FileID:   up.File.ID,
		Room:     "team42",
		SocketID: "sock-a",
		Password: "hunter2",
	})
	assert.Equal(t, "hunter2", created.Password)
	assert.True(t, created.Share.HasPassword)

	path := "/s/" + created.Share.ID
	rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, path+"?password=nope", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Share-Password", "hunter2")
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{1, 2, 3}, rec.Body.Bytes())
}

func TestShareAutoPasswordReturnedOnce(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("a"))

	created := env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a", AutoPassword: true})
	require.NotEmpty(t, created.Password)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/shares/"+created.Share.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Password)
	assert.NotContains(t, rec.Body.String(), "password_hash")
}

func TestCreateShareRequiresMembership(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	env.join(t, "other99", "bob", "sock-b")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("a"))

	post := func(req createShareRequest) *httptest.ResponseRecorder {
		payload, err := json.Marshal(req)
		require.NoError(t, err)
		return env.do(httptest.NewRequest(http.MethodPost, "/api/shares", bytes.NewReader(payload)))
	}

	rec := post(createShareRequest{FileID: up.File.ID, Room: "team42"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "unknown"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-b"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(createShareRequest{FileID: "missing", Room: "team42", SocketID: "sock-a"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeAndListShares(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	alice := env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("a"))
	created := env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a"})
	assert.Equal(t, alice.ID, mustShare(t, env, created.Share.ID).CreatorID)

	revoke := func(socketID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/shares/"+created.Share.ID+"/revoke", nil)
		if socketID != "" {
			req.Header.Set(socketHeader, socketID)
		}
		return env.do(req).Code
	}
	assert.Equal(t, http.StatusUnauthorized, revoke(""))
	assert.Equal(t, http.StatusForbidden, revoke("unknown"))
	assert.Equal(t, http.StatusNoContent, revoke("sock-a"))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/shares?socket_id=sock-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Shares []share.Info `json:"shares"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Shares, 1)
	assert.Equal(t, share.StatusExpired, listed.Shares[0].Status)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/shares", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestShareOwnerCannotBeImpersonated(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	alice := env.join(t, "team42", "alice", "sock-a")
	env.join(t, "team42", "mallory", "sock-m")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("a"))
	created := env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a"})
	path := "/api/shares/" + created.Share.ID

	// The creator's user id is visible to every member; presenting it with
	// another connection proves nothing.
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, path+"/revoke", nil),
		httptest.NewRequest(http.MethodDelete, path, nil),
		httptest.NewRequest(http.MethodGet, path+"/logs", nil),
	} {
		req.Header.Set(socketHeader, "sock-m")
		req.Header.Set("X-Creator-ID", alice.ID)
		assert.Equal(t, http.StatusForbidden, env.do(req).Code, req.Method+" "+req.URL.Path)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/shares?socket_id=sock-m&creator="+alice.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Share.ID)

	info := mustShare(t, env, created.Share.ID)
	assert.True(t, info.IsActive)

	req := httptest.NewRequest(http.MethodGet, path+"/logs", nil)
	req.Header.Set(socketHeader, "sock-a")
	assert.Equal(t, http.StatusOK, env.do(req).Code)

	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set(socketHeader, "sock-a")
	assert.Equal(t, http.StatusNoContent, env.do(req).Code)
	_, err := env.shares.GetShare(created.Share.ID)
	assert.ErrorIs(t, err, share.ErrShareNotFound)
}

func mustShare(t *testing.T, env *testEnv, id string) share.Share {
	t.Helper()
	sh, err := env.shares.GetShare(id)
	require.NoError(t, err)
	return sh
}

func TestDownloadUnknownAndMalformedShare(t *testing.T) {
	env := newTestEnv(t, admission.Options{})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/s/abcdefgh", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/s/NOT-VALID", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadStreamCeiling(t *testing.T) {
	env := newTestEnv(t, admission.Options{MaxStreams: 1})
	env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("a"))
	created := env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a"})

	token, err := env.gate.TryAcquireStream()
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	token.Release()
	rec = env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, env.gate.Stats().ActiveStreams)
}

func TestDownloadBandwidthBudget(t *testing.T) {
	env := newTestEnv(t, admission.Options{BandwidthBytes: 10, BandwidthWindow: time.Minute})
	env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("0123456789"))
	created := env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a"})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestDownloadBudgetIgnoresSpoofedForwardedFor(t *testing.T) {
	env := newTestEnv(t, admission.Options{BandwidthBytes: 10, BandwidthWindow: time.Minute})
	env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("0123456789"))
	created := env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a"})

	var served int64
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		if rec := env.do(req); rec.Code == http.StatusOK {
			served += int64(rec.Body.Len())
		}
	}
	assert.EqualValues(t, 10, served)
	assert.EqualValues(t, 10, env.gate.BandwidthUsed("10.0.0.1"))

	logs, err := env.shares.AccessLogs(created.Share.ID, mustShare(t, env, created.Share.ID).CreatorID)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for _, entry := range logs {
		assert.Equal(t, "10.0.0.1", entry.ClientIP)
	}
}

func TestUploadRequiresRoomMembership(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	env.join(t, "other99", "bob", "sock-b")

	rec := env.upload(t, "team42", "sock-b", "a.txt", []byte("a"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.upload(t, "team42", "unknown", "a.txt", []byte("a"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")

	rec := env.upload(t, "team42", "sock-a", "big.bin", bytes.Repeat([]byte("x"), 2<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRoomFileDownloadForMembers(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	env.join(t, "other99", "bob", "sock-b")
	up := env.uploadOK(t, "team42", "sock-a", "notes.md", []byte("# notes"))

	rec := env.do(httptest.NewRequest(http.MethodGet, up.File.URL+"?socket_id=sock-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# notes", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, up.File.URL+"?socket_id=sock-b", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAndDescribeRoom(t *testing.T) {
	env := newTestEnv(t, admission.Options{})

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"password":"pw"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created roomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.Key, generatedKeyLength)
	assert.True(t, created.HasPassword)
	assert.True(t, strings.HasPrefix(created.InviteLink, "wss://share.example.com/join?"), created.InviteLink)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/rooms/"+created.Key, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/rooms/nosuch123", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.rooms.Exists("nosuch123"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/rooms/bad", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"bogus":1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoomMessagesAndUsers(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	env.join(t, "team42", "bob", "sock-b")
	for _, body := range []string{"one", "two", "three"} {
		_, err := env.rooms.SendMessage("sock-a", room.MessageText, body, nil)
		require.NoError(t, err)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/rooms/team42/messages?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []room.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "two", msgs.Messages[0].Content)
	assert.Equal(t, "three", msgs.Messages[1].Content)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/rooms/team42/messages?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/rooms/team42/users", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var users struct {
		Users []room.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	assert.Len(t, users.Users, 2)
}

func TestRoomDestroyPurgesUnsharedFiles(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	kept := env.uploadOK(t, "team42", "sock-a", "kept.txt", []byte("kept"))
	dropped := env.uploadOK(t, "team42", "sock-a", "dropped.txt", []byte("dropped"))
	created := env.createShare(t, createShareRequest{FileID: kept.File.ID, Room: "team42", SocketID: "sock-a"})

	_, _, ok := env.rooms.LeaveRoom("sock-a")
	require.True(t, ok)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := env.files.Get(ctx, dropped.File.ID)
		return err == ErrFileNotFound
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.files.Get(ctx, kept.File.ID)
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/s/"+created.Share.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kept", rec.Body.String())
}

func TestSweepSharesPurgesOrphanedFiles(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	up := env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("a"))
	env.createShare(t, createShareRequest{FileID: up.File.ID, Room: "team42", SocketID: "sock-a", ExpiresInDays: 1})

	_, _, ok := env.rooms.LeaveRoom("sock-a")
	require.True(t, ok)
	ctx := context.Background()
	require.Eventually(t, func() bool {
		return !env.rooms.Exists("team42")
	}, time.Second, 10*time.Millisecond)
	_, err := env.files.Get(ctx, up.File.ID)
	require.NoError(t, err)

	env.clock.Advance(2 * 24 * time.Hour)
	res := env.server.SweepShares(ctx)
	assert.Len(t, res.Removed, 1)

	_, err = env.files.Get(ctx, up.File.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t, admission.Options{})
	env.join(t, "team42", "alice", "sock-a")
	env.uploadOK(t, "team42", "sock-a", "a.txt", []byte("abc"))
	env.clock.Advance(90 * time.Second)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, Version, st.Version)
	assert.EqualValues(t, 90, st.UptimeSeconds)
	assert.Equal(t, 1, st.Rooms.Rooms)
	assert.EqualValues(t, 1, st.Files)
	assert.EqualValues(t, 3, st.FileBytes)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestGeneralRateLimit(t *testing.T) {
	env := newTestEnv(t, admission.Options{GeneralPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
