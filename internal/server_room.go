package internal

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomshare/internal/admission"
	"roomshare/internal/apperr"
	"roomshare/internal/ident"
	"roomshare/internal/room"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 16384
	sendBuffer      = 256
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
	historyOnJoin   = 50
)

// Client is one websocket connection. It belongs to at most one room at a
// time; the room directory binds its socket id to a user.
type Client struct {
	server     *Server
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	socketID   string
	ip         string
	deviceType ident.DeviceType

	mu           sync.Mutex
	roomKey      string
	userID       string
	messageTimes []time.Time
}

func newClient(server *Server, conn *websocket.Conn, ip, userAgent string) *Client {
	return &Client{
		server:       server,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		socketID:     ident.NewID(),
		ip:           ip,
		deviceType:   ident.ClassifyDevice(userAgent),
		messageTimes: make([]time.Time, 0, rateLimitBurst),
	}
}

// SocketID returns the connection id the room directory knows it by.
func (client *Client) SocketID() string {
	return client.socketID
}

// RoomKey returns the room the client is attached to, or "".
func (client *Client) RoomKey() string {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.roomKey
}

// UserID returns the user the client joined as, or "".
func (client *Client) UserID() string {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.userID
}

func (client *Client) setRoom(key, userID string) {
	client.mu.Lock()
	client.roomKey = key
	client.userID = userID
	client.mu.Unlock()
}

// clearRoom forgets key if it is still the client's room.
func (client *Client) clearRoom(key string) {
	client.mu.Lock()
	if client.roomKey == key {
		client.roomKey = ""
		client.userID = ""
	}
	client.mu.Unlock()
}

// enqueue hands payload to the write pump, disconnecting a client that
// cannot keep up.
func (client *Client) enqueue(payload []byte) {
	select {
	case <-client.done:
		return
	default:
	}
	select {
	case client.send <- payload:
	default:
		client.server.logger.Warn("slow websocket client dropped", "socket", client.socketID, "room", client.RoomKey())
		client.kick()
	}
}

// kick makes the write pump close the connection. The send channel is
// never closed, so concurrent broadcasts cannot panic.
func (client *Client) kick() {
	client.closeOnce.Do(func() { close(client.done) })
}

func (client *Client) readPump() {
	defer client.disconnect()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			break
		}
		var envelope ClientEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			client.sendError(apperr.Validationf("malformed frame"))
			continue
		}
		client.handle(envelope)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			client.flush()
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (client *Client) flush() {
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (client *Client) handle(envelope ClientEnvelope) {
	switch envelope.Type {
	case TypeJoin:
		client.handleJoin(envelope)
	case TypeMessage:
		now := time.Now()
		if !client.allowMessage(now) {
			client.notifyRateLimit(now)
			return
		}
		client.handleMessage(envelope)
	case TypeLeave:
		client.handleLeave()
	case TypeUsers:
		client.handleUsers()
	case TypeHistory:
		client.handleHistory(envelope.Limit)
	default:
		client.sendError(apperr.Validationf("unknown frame type " + envelope.Type))
	}
}

func (client *Client) handleJoin(envelope ClientEnvelope) {
	s := client.server
	if key := client.RoomKey(); key != "" {
		client.sendError(apperr.New(apperr.Conflict, "already in room "+key))
		return
	}
	if envelope.Password != "" || envelope.Create {
		if err := s.admission.CheckRate(admission.Strict, client.ip); err != nil {
			s.metrics.IncRejected("rate")
			client.sendError(err)
			return
		}
	}
	if envelope.Create {
		if _, err := s.rooms.CreateRoom(envelope.Room, envelope.Password); err != nil {
			client.sendError(err)
			return
		}
	}
	result, err := s.rooms.JoinRoom(room.JoinRequest{
		RoomKey:     envelope.Room,
		UserID:      envelope.UserID,
		DisplayName: envelope.Name,
		SocketID:    client.socketID,
		Password:    envelope.Password,
		DeviceType:  client.deviceType,
		Fingerprint: envelope.Fingerprint,
	})
	if err != nil {
		client.sendError(err)
		return
	}
	key := envelope.Room
	client.setRoom(key, result.User.ID)
	s.hub.attach(key, client)
	for _, old := range s.hub.superseded(key, result.User.ID, client) {
		old.sendSystem("Signed in from another connection.")
		s.hub.detach(key, old)
		old.clearRoom(key)
		old.kick()
	}

	history, err := s.rooms.Messages(key, historyOnJoin)
	if err != nil {
		history = nil
	}
	user := result.User
	client.sendEnvelope(ServerEnvelope{
		Type:        TypeJoined,
		Room:        key,
		SocketID:    client.socketID,
		User:        &user,
		Users:       result.Users,
		Messages:    history,
		Reconnected: result.Reconnected,
	})
	s.broadcast(key, ServerEnvelope{Type: TypeUserJoined, Room: key, User: &user, Reconnected: result.Reconnected}, client)
	s.metrics.IncJoin(result.Reconnected)
}

func (client *Client) handleMessage(envelope ClientEnvelope) {
	s := client.server
	body := strings.TrimSpace(envelope.Body)
	if body == "" {
		client.sendError(apperr.Validationf("message body is empty"))
		return
	}
	msg, err := s.rooms.SendMessage(client.socketID, room.MessageText, body, nil)
	if err != nil {
		client.sendError(err)
		return
	}
	s.metrics.IncMessage()
	s.broadcast(msg.RoomKey, ServerEnvelope{Type: TypeMessage, Room: msg.RoomKey, Message: &msg}, nil)
}

func (client *Client) handleLeave() {
	s := client.server
	current := client.RoomKey()
	if current == "" {
		client.sendError(room.ErrSocketNotFound)
		return
	}
	s.hub.detach(current, client)
	client.clearRoom(current)
	key, user, ok := s.rooms.LeaveRoom(client.socketID)
	if !ok {
		client.sendError(room.ErrSocketNotFound)
		return
	}
	left := ServerEnvelope{Type: TypeUserLeft, Room: key, User: &user}
	client.sendEnvelope(left)
	s.broadcast(key, left, nil)
}

func (client *Client) handleUsers() {
	key := client.RoomKey()
	if key == "" {
		client.sendError(room.ErrSocketNotFound)
		return
	}
	users, err := client.server.rooms.Users(key)
	if err != nil {
		client.sendError(err)
		return
	}
	client.sendEnvelope(ServerEnvelope{Type: TypeUsers, Room: key, Users: users})
}

func (client *Client) handleHistory(limit int) {
	key := client.RoomKey()
	if key == "" {
		client.sendError(room.ErrSocketNotFound)
		return
	}
	messages, err := client.server.rooms.Messages(key, limit)
	if err != nil {
		client.sendError(err)
		return
	}
	client.sendEnvelope(ServerEnvelope{Type: TypeHistory, Room: key, Messages: messages})
}

// disconnect runs once the read loop ends. The user stays in the room as
// offline until the grace period decides the room's fate.
func (client *Client) disconnect() {
	s := client.server
	if key := client.RoomKey(); key != "" {
		s.hub.detach(key, client)
		client.clearRoom(key)
		if user, ok := s.rooms.SetUserOffline(client.socketID); ok {
			s.broadcast(key, ServerEnvelope{Type: TypeUserOffline, Room: key, User: &user}, nil)
			s.rooms.ScheduleRoomDestroyCheck(key)
		}
	}
	client.kick()
	client.conn.Close()
	s.metrics.DecConn()
}

// rate limits

func (client *Client) allowMessage(now time.Time) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= rateLimitBurst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}

func (client *Client) notifyRateLimit(now time.Time) {
	client.sendEnvelope(ServerEnvelope{
		Type: TypeSystem,
		Room: client.RoomKey(),
		Body: "You're sending messages too quickly. Please wait a moment and try again.",
		Ts:   now.Unix(),
	})
}

func (client *Client) sendSystem(body string) {
	client.sendEnvelope(ServerEnvelope{Type: TypeSystem, Room: client.RoomKey(), Body: body})
}

func (client *Client) sendError(err error) {
	var appErr *apperr.Error
	msg := "internal error"
	if errors.As(err, &appErr) {
		msg = err.Error()
	}
	client.sendEnvelope(ServerEnvelope{Type: TypeError, Error: msg, Kind: apperr.KindOf(err).String()})
}

func (client *Client) sendEnvelope(envelope ServerEnvelope) {
	payload, err := client.server.encode(envelope)
	if err != nil {
		return
	}
	client.enqueue(payload)
}
