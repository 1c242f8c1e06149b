package internal

import "sync"

// Hub tracks which websocket clients are attached to which room key. Room
// state itself lives in the room directory; the hub only fans frames out.
type Hub struct {
	mutex sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// builds an empty hub ready to serve websocket requests
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

func (hub *Hub) attach(key string, client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	clients, ok := hub.rooms[key]
	if !ok {
		clients = make(map[*Client]struct{})
		hub.rooms[key] = clients
	}
	clients[client] = struct{}{}
}

func (hub *Hub) detach(key string, client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	clients, ok := hub.rooms[key]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(hub.rooms, key)
	}
}

// detachRoom drops every client of key and returns them.
func (hub *Hub) detachRoom(key string) []*Client {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	clients := hub.rooms[key]
	delete(hub.rooms, key)
	out := make([]*Client, 0, len(clients))
	for client := range clients {
		out = append(out, client)
	}
	return out
}

// broadcast queues payload on every client of key except one. A client
// whose queue is full is disconnected.
func (hub *Hub) broadcast(key string, payload []byte, except *Client) {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	for client := range hub.rooms[key] {
		if client == except {
			continue
		}
		client.enqueue(payload)
	}
}

// superseded returns the clients of key bound to userID other than keep.
func (hub *Hub) superseded(key, userID string, keep *Client) []*Client {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	var out []*Client
	for client := range hub.rooms[key] {
		if client != keep && client.UserID() == userID {
			out = append(out, client)
		}
	}
	return out
}

// Count returns the number of clients attached to key.
func (hub *Hub) Count(key string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms[key])
}

// Connections returns the number of attached clients across all rooms.
func (hub *Hub) Connections() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	total := 0
	for _, clients := range hub.rooms {
		total += len(clients)
	}
	return total
}
