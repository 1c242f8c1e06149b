package room

import (
	"time"

	"roomshare/internal/ident"
)

// MessageType distinguishes chat text, file announcements and notices
// produced by the server itself.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// User is one session inside a room. Values handed to callers are copies.
type User struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	RoomKey     string           `json:"room"`
	Online      bool             `json:"online"`
	LastSeen    time.Time        `json:"last_seen"`
	DeviceType  ident.DeviceType `json:"device_type"`
	Fingerprint string           `json:"fingerprint,omitempty"`
}

// Sender is the part of a User frozen into a Message at send time.
type Sender struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Online      bool   `json:"online"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// SenderOf snapshots u.
func SenderOf(u User) Sender {
	return Sender{ID: u.ID, Name: u.Name, Online: u.Online, Fingerprint: u.Fingerprint}
}

// FileInfo describes the attachment of a MessageFile message.
type FileInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// Message is immutable once appended to a room's log.
type Message struct {
	ID        string      `json:"id"`
	RoomKey   string      `json:"room"`
	Sender    Sender      `json:"sender"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	File      *FileInfo   `json:"file,omitempty"`
}

func (m Message) clone() Message {
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	return m
}

// Info is the externally visible descriptor of a room.
type Info struct {
	Key             string    `json:"key"`
	HasPassword     bool      `json:"has_password"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	Users           int       `json:"users"`
	OnlineUsers     int       `json:"online_users"`
	Messages        int       `json:"messages"`
	TotalMessages   uint64    `json:"total_messages"`
	DroppedMessages uint64    `json:"dropped_messages"`
}

// JoinRequest carries the arguments of JoinRoom. Empty Password and
// Fingerprint mean "not supplied".
type JoinRequest struct {
	RoomKey     string
	UserID      string
	DisplayName string
	SocketID    string
	Password    string
	DeviceType  ident.DeviceType
	Fingerprint string
}

// JoinResult is returned from JoinRoom.
type JoinResult struct {
	User        User
	Users       []User
	Reconnected bool
}

// room is only reachable through its Directory; nothing outside the
// package ever holds a pointer to it.
type room struct {
	key          string
	passwordHash string
	// password is retained in plaintext so the creator can rebuild an
	// invite link that embeds it. Anyone with process memory access can
	// read it.
	password        string
	users           map[string]*User
	messages        []Message
	createdAt       time.Time
	lastActivity    time.Time
	totalMessages   uint64
	droppedMessages uint64
}

func (r *room) info() Info {
	online := 0
	for _, u := range r.users {
		if u.Online {
			online++
		}
	}
	return Info{
		Key:             r.key,
		HasPassword:     r.passwordHash != "",
		CreatedAt:       r.createdAt,
		LastActivity:    r.lastActivity,
		Users:           len(r.users),
		OnlineUsers:     online,
		Messages:        len(r.messages),
		TotalMessages:   r.totalMessages,
		DroppedMessages: r.droppedMessages,
	}
}

func (r *room) allOffline() bool {
	for _, u := range r.users {
		if u.Online {
			return false
		}
	}
	return true
}

func (r *room) userList() []User {
	list := make([]User, 0, len(r.users))
	for _, u := range r.users {
		list = append(list, *u)
	}
	sortUsers(list)
	return list
}
