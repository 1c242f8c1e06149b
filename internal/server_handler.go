package internal

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and starts the client's pumps. The client
// joins a room with its first "join" frame.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	websocketConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err, "remote_ip", s.clientIP(request))
		return
	}
	client := newClient(s, websocketConn, s.clientIP(request), request.UserAgent())
	s.metrics.IncConn()
	s.logger.Debug("websocket connected", "socket", client.socketID, "device", client.deviceType)

	go client.writePump()
	go client.readPump()
}
