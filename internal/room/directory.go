// Package room owns the set of live rooms, their users and message logs,
// and the socket bindings used to resolve connections back to users.
//
// The directory keeps three tables, each behind its own lock:
//
//	roomsMu   -> rooms        (room key -> room)
//	socketsMu -> sockets      (socket id -> user snapshot)
//	usersMu   -> userSockets  (user id -> socket id)
//
// Any operation that needs more than one of them acquires them in exactly
// that order. No lock is held across password hashing or sleeps.
package room

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"roomshare/internal/apperr"
	"roomshare/internal/auth"
	"roomshare/internal/ident"
	"roomshare/internal/validate"
)

const (
	DefaultGracePeriod = 30 * time.Second
	DefaultMaxMessages = 1000
	DefaultInactiveTTL = 24 * time.Hour
	DefaultEventBuffer = 64

	joinAttempts = 3
)

var (
	ErrRoomNotFound     = apperr.New(apperr.NotFound, "room not found")
	ErrPasswordRequired = apperr.New(apperr.AuthRequired, "room password required")
	ErrInvalidPassword  = apperr.New(apperr.InvalidCredential, "invalid room password")
	ErrSocketNotFound   = apperr.New(apperr.NotFound, "connection is not in a room")
	ErrRoomChanged      = apperr.New(apperr.Internal, "room was replaced while joining")
)

// Options tunes a Directory. Zero values select the defaults.
type Options struct {
	GracePeriod time.Duration
	MaxMessages int
	InactiveTTL time.Duration
	EventBuffer int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Stats is a point-in-time summary of the directory.
type Stats struct {
	Rooms           int    `json:"rooms"`
	Users           int    `json:"users"`
	OnlineUsers     int    `json:"online_users"`
	Sockets         int    `json:"sockets"`
	Messages        int    `json:"messages"`
	DroppedMessages uint64 `json:"dropped_messages"`
}

// Directory is the single in-memory authority for rooms and presence.
type Directory struct {
	roomsMu sync.RWMutex
	rooms   map[string]*room

	socketsMu sync.RWMutex
	sockets   map[string]User

	usersMu     sync.RWMutex
	userSockets map[string]string

	events *EventBus

	gracePeriod time.Duration
	maxMessages int
	inactiveTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	// closeMu orders pending.Add against Close's Wait.
	closeMu sync.Mutex
	closed  bool
}

// NewDirectory builds an empty directory.
func NewDirectory(opts Options) *Directory {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.InactiveTTL <= 0 {
		opts.InactiveTTL = DefaultInactiveTTL
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		rooms:       make(map[string]*room),
		sockets:     make(map[string]User),
		userSockets: make(map[string]string),
		events:      NewEventBus(opts.EventBuffer),
		gracePeriod: opts.GracePeriod,
		maxMessages: opts.MaxMessages,
		inactiveTTL: opts.InactiveTTL,
		now:         opts.Now,
		logger:      opts.Logger.With("component", "rooms"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Subscribe returns a lossy subscription to lifecycle events.
func (d *Directory) Subscribe() *Subscription {
	return d.events.Subscribe()
}

// Close stops pending destroy checks and closes every subscription.
func (d *Directory) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()
	d.cancel()
	d.pending.Wait()
	d.events.Close()
}

// CreateRoom creates key with an optional password. An existing room is
// returned unchanged.
func (d *Directory) CreateRoom(key, password string) (Info, error) {
	if err := validate.RoomKey(key); err != nil {
		return Info{}, err
	}
	if info, ok := d.Room(key); ok {
		return info, nil
	}
	var hash string
	if password != "" {
		h, err := auth.HashPassword(password)
		if err != nil {
			return Info{}, apperr.New(apperr.Internal, "hash room password: "+err.Error())
		}
		hash = h
	}

	d.roomsMu.Lock()
	r, exists := d.rooms[key]
	if !exists {
		r = d.newRoomLocked(key, hash, password)
	}
	info := r.info()
	d.roomsMu.Unlock()

	if !exists {
		d.publish(EventRoomCreated, key, "")
	}
	return info, nil
}

// Room returns the descriptor of key.
func (d *Directory) Room(key string) (Info, bool) {
	d.roomsMu.RLock()
	defer d.roomsMu.RUnlock()
	r, ok := d.rooms[key]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// Exists reports whether key is a live room.
func (d *Directory) Exists(key string) bool {
	_, ok := d.Room(key)
	return ok
}

// Rooms lists descriptors of every live room.
func (d *Directory) Rooms() []Info {
	d.roomsMu.RLock()
	defer d.roomsMu.RUnlock()
	out := make([]Info, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r.info())
	}
	return out
}

// JoinRoom adds a session to a room, creating the room without a password
// on first reference. A join carrying the fingerprint of a user already in
// the room resumes that user instead of creating a new one.
func (d *Directory) JoinRoom(req JoinRequest) (JoinResult, error) {
	if err := validate.RoomKey(req.RoomKey); err != nil {
		return JoinResult{}, err
	}
	name, err := validate.DisplayName(req.DisplayName)
	if err != nil {
		return JoinResult{}, err
	}
	req.DisplayName = name
	if req.SocketID == "" {
		return JoinResult{}, apperr.Validationf("socket id is required")
	}
	if req.DeviceType == "" {
		req.DeviceType = ident.DeviceUnknown
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		r := d.ensureRoom(req.RoomKey)
		// passwordHash is fixed at creation, so reading it outside the lock
		// after ensureRoom returned is safe.
		if r.passwordHash != "" {
			if req.Password == "" {
				return JoinResult{}, ErrPasswordRequired
			}
			if !auth.VerifyPassword(req.Password, r.passwordHash) {
				return JoinResult{}, ErrInvalidPassword
			}
		}
		if result, ok := d.join(r, req); ok {
			return result, nil
		}
	}
	return JoinResult{}, ErrRoomChanged
}

func (d *Directory) ensureRoom(key string) *room {
	d.roomsMu.Lock()
	r, ok := d.rooms[key]
	if !ok {
		r = d.newRoomLocked(key, "", "")
	}
	d.roomsMu.Unlock()
	if !ok {
		d.publish(EventRoomCreated, key, "")
	}
	return r
}

func (d *Directory) newRoomLocked(key, hash, password string) *room {
	now := d.now()
	r := &room{
		key:          key,
		passwordHash: hash,
		password:     password,
		users:        make(map[string]*User),
		createdAt:    now,
		lastActivity: now,
	}
	d.rooms[key] = r
	d.logger.Info("room created", "room", key, "protected", hash != "")
	return r
}

// join registers the session in r. It reports false when r was destroyed
// or replaced after the caller resolved it.
func (d *Directory) join(r *room, req JoinRequest) (JoinResult, bool) {
	d.roomsMu.Lock()
	defer d.roomsMu.Unlock()
	if d.rooms[r.key] != r {
		return JoinResult{}, false
	}

	now := d.now()
	var user *User
	if req.Fingerprint != "" {
		for _, u := range r.users {
			if u.Fingerprint == req.Fingerprint {
				user = u
				break
			}
		}
	}

	reconnected := user != nil
	if reconnected {
		user.Online = true
		user.LastSeen = now
		user.DeviceType = req.DeviceType
	} else {
		id := req.UserID
		if id == "" || d.userIDTakenLocked(id) {
			id = ident.NewID()
		}
		user = &User{
			ID:          id,
			Name:        r.uniqueName(req.DisplayName, req.Fingerprint),
			RoomKey:     r.key,
			Online:      true,
			LastSeen:    now,
			DeviceType:  req.DeviceType,
			Fingerprint: req.Fingerprint,
		}
		r.users[id] = user
	}
	r.lastActivity = now

	d.socketsMu.Lock()
	d.usersMu.Lock()
	d.bindLocked(req.SocketID, *user)
	d.usersMu.Unlock()
	d.socketsMu.Unlock()

	if reconnected {
		d.logger.Debug("user reconnected", "room", r.key, "user", user.ID)
	} else {
		d.logger.Debug("user joined", "room", r.key, "user", user.ID, "name", user.Name)
	}
	return JoinResult{User: *user, Users: r.userList(), Reconnected: reconnected}, true
}

// userIDTakenLocked reports whether any room already holds a user with id.
// User ids are unique across rooms so the user -> socket table has a
// single owner per id. Caller holds roomsMu.
func (d *Directory) userIDTakenLocked(id string) bool {
	for _, r := range d.rooms {
		if r.users[id] != nil {
			return true
		}
	}
	return false
}

// bindLocked maps socketID <-> user, displacing any previous socket of the
// user and any previous user of the socket. Caller holds socketsMu and
// usersMu.
func (d *Directory) bindLocked(socketID string, user User) {
	if old, ok := d.userSockets[user.ID]; ok && old != socketID {
		delete(d.sockets, old)
	}
	if prev, ok := d.sockets[socketID]; ok && prev.ID != user.ID {
		if d.userSockets[prev.ID] == socketID {
			delete(d.userSockets, prev.ID)
		}
	}
	d.sockets[socketID] = user
	d.userSockets[user.ID] = socketID
}

// unbindLocked removes socketID and, when it is still the user's current
// socket, the reverse mapping. Caller holds socketsMu and usersMu.
func (d *Directory) unbindLocked(socketID string) (User, bool) {
	snap, ok := d.sockets[socketID]
	if !ok {
		return User{}, false
	}
	delete(d.sockets, socketID)
	if d.userSockets[snap.ID] == socketID {
		delete(d.userSockets, snap.ID)
	}
	return snap, true
}

// LeaveRoom removes the socket's user from its room. A room left empty or
// with only offline users is destroyed immediately. ok is false when the
// socket was unknown.
func (d *Directory) LeaveRoom(socketID string) (key string, user User, ok bool) {
	destroyed := false
	func() {
		d.roomsMu.Lock()
		defer d.roomsMu.Unlock()
		d.socketsMu.Lock()
		defer d.socketsMu.Unlock()
		d.usersMu.Lock()
		defer d.usersMu.Unlock()

		snap, bound := d.unbindLocked(socketID)
		if !bound {
			return
		}
		key, user, ok = snap.RoomKey, snap, true
		r := d.rooms[snap.RoomKey]
		if r == nil {
			return
		}
		if u, exists := r.users[snap.ID]; exists {
			user = *u
			delete(r.users, snap.ID)
		}
		user.Online = false
		user.LastSeen = d.now()
		r.lastActivity = user.LastSeen
		if len(r.users) == 0 || r.allOffline() {
			d.removeRoomLocked(r)
			destroyed = true
		}
	}()

	if destroyed {
		d.logger.Info("room destroyed", "room", key, "reason", ReasonLastUserLeft)
		d.publish(EventRoomDestroyed, key, ReasonLastUserLeft)
	}
	return key, user, ok
}

// SetUserOffline marks the socket's user offline without removing it, and
// drops the socket binding. The room survives even if everyone is now
// offline; ScheduleRoomDestroyCheck decides its fate. A socket that was
// already superseded by a newer connection of the same user only loses
// its binding, and ok is false.
func (d *Directory) SetUserOffline(socketID string) (user User, ok bool) {
	d.roomsMu.Lock()
	defer d.roomsMu.Unlock()
	d.socketsMu.Lock()
	defer d.socketsMu.Unlock()
	d.usersMu.Lock()
	defer d.usersMu.Unlock()

	snap, bound := d.sockets[socketID]
	if !bound {
		return User{}, false
	}
	current := d.userSockets[snap.ID] == socketID
	d.unbindLocked(socketID)
	if !current {
		return User{}, false
	}
	r := d.rooms[snap.RoomKey]
	if r == nil {
		return User{}, false
	}
	u, exists := r.users[snap.ID]
	if !exists {
		return User{}, false
	}
	u.Online = false
	u.LastSeen = d.now()
	return *u, true
}

// ScheduleRoomDestroyCheck destroys key after the grace period if every
// user in it is still offline by then. It returns immediately, and is a
// no-op once the directory is closed.
func (d *Directory) ScheduleRoomDestroyCheck(key string) {
	d.closeMu.Lock()
	if d.closed || d.ctx.Err() != nil {
		d.closeMu.Unlock()
		return
	}
	d.pending.Add(1)
	d.closeMu.Unlock()
	go func() {
		defer d.pending.Done()
		timer := time.NewTimer(d.gracePeriod)
		defer timer.Stop()
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}
		d.destroyIfAllOffline(key)
	}()
}

// destroyIfAllOffline removes key when it has no online user.
func (d *Directory) destroyIfAllOffline(key string) bool {
	destroyed := func() bool {
		d.roomsMu.Lock()
		defer d.roomsMu.Unlock()
		r := d.rooms[key]
		if r == nil || !r.allOffline() {
			return false
		}
		d.socketsMu.Lock()
		defer d.socketsMu.Unlock()
		d.usersMu.Lock()
		defer d.usersMu.Unlock()
		d.removeRoomLocked(r)
		return true
	}()
	if destroyed {
		d.logger.Info("room destroyed", "room", key, "reason", ReasonGraceExpired)
		d.publish(EventRoomDestroyed, key, ReasonGraceExpired)
	}
	return destroyed
}

// removeRoomLocked deletes r and every socket binding of its users.
// Caller holds all three locks.
func (d *Directory) removeRoomLocked(r *room) {
	delete(d.rooms, r.key)
	for id := range r.users {
		if socketID, ok := d.userSockets[id]; ok {
			delete(d.sockets, socketID)
			delete(d.userSockets, id)
		}
	}
}

// AddMessage appends msg to the room log. When the log grows past the cap
// the oldest fifth is evicted in one batch.
func (d *Directory) AddMessage(key string, msg Message) (Message, error) {
	if msg.Type == "" {
		msg.Type = MessageText
	}
	d.roomsMu.Lock()
	defer d.roomsMu.Unlock()
	r := d.rooms[key]
	if r == nil {
		return Message{}, ErrRoomNotFound
	}
	now := d.now()
	if msg.ID == "" {
		msg.ID = ident.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.RoomKey = key
	msg = msg.clone()

	r.messages = append(r.messages, msg)
	r.totalMessages++
	r.lastActivity = now
	if len(r.messages) > d.maxMessages {
		evict := d.maxMessages / 5
		if evict < len(r.messages)-d.maxMessages {
			evict = len(r.messages) - d.maxMessages
		}
		kept := make([]Message, len(r.messages)-evict, d.maxMessages)
		copy(kept, r.messages[evict:])
		r.messages = kept
		r.droppedMessages += uint64(evict)
		d.logger.Debug("message log trimmed", "room", key, "evicted", evict)
	}
	return msg.clone(), nil
}

// SendMessage appends a message authored by the socket's user, with the
// sender snapshotted as it is right now.
func (d *Directory) SendMessage(socketID string, typ MessageType, content string, file *FileInfo) (Message, error) {
	user, ok := d.UserBySocket(socketID)
	if !ok {
		return Message{}, ErrSocketNotFound
	}
	return d.AddMessage(user.RoomKey, Message{
		Sender:  SenderOf(user),
		Type:    typ,
		Content: content,
		File:    file,
	})
}

// UserBySocket resolves a socket to the live state of its user.
func (d *Directory) UserBySocket(socketID string) (User, bool) {
	d.roomsMu.RLock()
	defer d.roomsMu.RUnlock()
	d.socketsMu.RLock()
	snap, ok := d.sockets[socketID]
	d.socketsMu.RUnlock()
	if !ok {
		return User{}, false
	}
	if r := d.rooms[snap.RoomKey]; r != nil {
		if u := r.users[snap.ID]; u != nil {
			return *u, true
		}
	}
	return User{}, false
}

// SocketOf returns the current socket bound to userID.
func (d *Directory) SocketOf(userID string) (string, bool) {
	d.usersMu.RLock()
	defer d.usersMu.RUnlock()
	id, ok := d.userSockets[userID]
	return id, ok
}

// Users lists the users of key, online users first.
func (d *Directory) Users(key string) ([]User, error) {
	d.roomsMu.RLock()
	defer d.roomsMu.RUnlock()
	r := d.rooms[key]
	if r == nil {
		return nil, ErrRoomNotFound
	}
	return r.userList(), nil
}

// Messages returns up to limit of the most recent messages of key, oldest
// first. limit <= 0 returns the whole log.
func (d *Directory) Messages(key string, limit int) ([]Message, error) {
	d.roomsMu.RLock()
	defer d.roomsMu.RUnlock()
	r := d.rooms[key]
	if r == nil {
		return nil, ErrRoomNotFound
	}
	start := 0
	if limit > 0 && len(r.messages) > limit {
		start = len(r.messages) - limit
	}
	out := make([]Message, 0, len(r.messages)-start)
	for _, m := range r.messages[start:] {
		out = append(out, m.clone())
	}
	return out, nil
}

// InviteLink builds a join link for key on baseURL. For protected rooms the
// link embeds the plaintext password retained at creation.
func (d *Directory) InviteLink(key, baseURL string) (string, error) {
	d.roomsMu.RLock()
	r := d.rooms[key]
	var password string
	if r != nil {
		password = r.password
	}
	d.roomsMu.RUnlock()
	if r == nil {
		return "", ErrRoomNotFound
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", apperr.Validationf("invalid base url")
	}
	q := u.Query()
	q.Set("room", key)
	if password != "" {
		q.Set("password", password)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CleanupInactiveRooms removes rooms idle for longer than the inactivity
// TTL, and rooms whose users have all been offline for longer than the
// grace period. It returns the removed keys.
func (d *Directory) CleanupInactiveRooms() []string {
	now := d.now()

	d.roomsMu.RLock()
	candidates := make([]string, 0)
	for key, r := range d.rooms {
		if d.sweepReason(r, now) != "" {
			candidates = append(candidates, key)
		}
	}
	d.roomsMu.RUnlock()

	removed := make([]string, 0, len(candidates))
	for _, key := range candidates {
		reason := func() string {
			d.roomsMu.Lock()
			defer d.roomsMu.Unlock()
			r := d.rooms[key]
			if r == nil {
				return ""
			}
			reason := d.sweepReason(r, now)
			if reason == "" {
				return ""
			}
			d.socketsMu.Lock()
			defer d.socketsMu.Unlock()
			d.usersMu.Lock()
			defer d.usersMu.Unlock()
			d.removeRoomLocked(r)
			return reason
		}()
		if reason == "" {
			continue
		}
		removed = append(removed, key)
		d.logger.Info("room destroyed", "room", key, "reason", reason)
		d.publish(EventRoomDestroyed, key, reason)
	}
	return removed
}

func (d *Directory) sweepReason(r *room, now time.Time) string {
	if now.Sub(r.lastActivity) > d.inactiveTTL {
		return ReasonInactive
	}
	if len(r.users) == 0 || !r.allOffline() {
		return ""
	}
	for _, u := range r.users {
		if now.Sub(u.LastSeen) <= d.gracePeriod {
			return ""
		}
	}
	return ReasonAllOffline
}

// Stats summarizes the directory.
func (d *Directory) Stats() Stats {
	var s Stats
	d.roomsMu.RLock()
	s.Rooms = len(d.rooms)
	for _, r := range d.rooms {
		s.Users += len(r.users)
		for _, u := range r.users {
			if u.Online {
				s.OnlineUsers++
			}
		}
		s.Messages += len(r.messages)
		s.DroppedMessages += r.droppedMessages
	}
	d.roomsMu.RUnlock()

	d.socketsMu.RLock()
	s.Sockets = len(d.sockets)
	d.socketsMu.RUnlock()
	return s
}

func (d *Directory) publish(kind EventKind, key, reason string) {
	d.events.Publish(Event{Kind: kind, RoomKey: key, Reason: reason, At: d.now()})
}
