package internal

import "roomshare/internal/room"

// Envelope types sent by clients.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeLeave   = "leave"
	TypeUsers   = "users"
	TypeHistory = "history"
)

// Envelope types sent by the server.
const (
	TypeJoined        = "joined"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeUserOffline   = "user_offline"
	TypeRoomDestroyed = "room_destroyed"
	TypeError         = "error"
	TypeSystem        = "system"
)

// ClientEnvelope is the json frame a websocket client sends.
type ClientEnvelope struct {
	Type        string `json:"type"`
	Room        string `json:"room,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Password    string `json:"password,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Create      bool   `json:"create,omitempty"`
	Body        string `json:"body,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ServerEnvelope is the json frame the server pushes to clients.
type ServerEnvelope struct {
	Type        string         `json:"type"`
	Room        string         `json:"room,omitempty"`
	SocketID    string         `json:"socket_id,omitempty"`
	User        *room.User     `json:"user,omitempty"`
	Users       []room.User    `json:"users,omitempty"`
	Message     *room.Message  `json:"message,omitempty"`
	Messages    []room.Message `json:"messages,omitempty"`
	Body        string         `json:"body,omitempty"`
	Error       string         `json:"error,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Reconnected bool           `json:"reconnected,omitempty"`
	Ts          int64          `json:"ts"`
}
