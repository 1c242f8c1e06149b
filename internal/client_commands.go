package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const clientHelp = `/users              list room members
/history [n]        reload the last n messages
/upload <path>      share a file with the room
/share <file-id> [days] [auto|password=<pw>]
                    publish a room file under a public link
/shares             list your shares
/revoke <share-id>  stop a share from being downloaded
/link               show the invite link
/leave              leave the room for good
/quit               disconnect (you stay in the room until it expires)`

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	// we schedule a future poke that nudges Update to try the connection again.
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	joinURL := model.serverJoinURL
	return func() tea.Msg {
		if err := checkJoinURL(joinURL); err != nil {
			return connectFailedMsg{err: err}
		}
		header := http.Header{}
		header.Set("User-Agent", "roomshare-cli/"+Version)
		conn, _, err := websocket.DefaultDialer.Dial(joinURL, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// HTTP GET against /api/rooms/{key} so we can warn the user
func (model *TUIModel) existsCmd(key string) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		exists, err := apiRoomExists(base, key)
		return existsMsg{key: key, exists: exists, err: err}
	}
}

// reads one frame; Update schedules the next read
func (model *TUIModel) readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: fmt.Errorf("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{conn: conn, err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var env ServerEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return noticeMsg{body: "server: " + string(payload)}
			}
			return incomingMsg(env)
		}
	}
}

func (model *TUIModel) sendCmd(env ClientEnvelope) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return noticeMsg{body: "not connected", isErr: true}
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			return noticeMsg{body: err.Error(), isErr: true}
		}
		model.writeMutex.Lock()
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return noticeMsg{body: "send failed: " + err.Error(), isErr: true}
		}
		return nil
	}
}

// runCommand handles a slash command typed in the chat box.
func (model *TUIModel) runCommand(input string) tea.Cmd {
	fields := strings.Fields(input)
	name, args := strings.ToLower(fields[0]), fields[1:]
	notice := func(body string, isErr bool) tea.Cmd {
		return func() tea.Msg { return noticeMsg{body: body, isErr: isErr} }
	}
	switch name {
	case "/quit", "/exit":
		return model.quit("client quit")
	case "/help":
		return notice(clientHelp, false)
	case "/users":
		return model.sendCmd(ClientEnvelope{Type: TypeUsers})
	case "/history":
		limit := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return notice("usage: /history [n]", true)
			}
			limit = n
		}
		return model.sendCmd(ClientEnvelope{Type: TypeHistory, Limit: limit})
	case "/leave":
		return model.sendCmd(ClientEnvelope{Type: TypeLeave})
	case "/link":
		return notice(inviteText(model.serverJoinURL, model.roomKey, model.password), false)
	case "/upload":
		if len(args) == 0 {
			return notice("usage: /upload <path>", true)
		}
		return model.uploadCmd(strings.Join(args, " "))
	case "/share":
		return model.shareCmd(args)
	case "/shares":
		return model.listSharesCmd()
	case "/revoke":
		if len(args) != 1 {
			return notice("usage: /revoke <share-id>", true)
		}
		base, socketID, id := model.httpBase, model.socketID, args[0]
		return func() tea.Msg {
			if err := apiRevokeShare(base, socketID, id); err != nil {
				return noticeMsg{body: "revoke failed: " + err.Error(), isErr: true}
			}
			return noticeMsg{body: "Share " + id + " revoked."}
		}
	default:
		return notice("unknown command "+name+"; try /help", true)
	}
}

func (model *TUIModel) uploadCmd(path string) tea.Cmd {
	base, key, socketID := model.httpBase, model.roomKey, model.socketID
	return func() tea.Msg {
		if socketID == "" {
			return noticeMsg{body: "not joined yet", isErr: true}
		}
		res, err := apiUpload(base, key, socketID, path)
		if err != nil {
			return noticeMsg{body: "upload failed: " + err.Error(), isErr: true}
		}
		return noticeMsg{body: fmt.Sprintf("Uploaded %s (%s), id %s", res.File.Name, humanBytes(res.File.Size), res.File.ID)}
	}
}

func (model *TUIModel) shareCmd(args []string) tea.Cmd {
	if len(args) == 0 {
		return func() tea.Msg {
			return noticeMsg{body: "usage: /share <file-id> [days] [auto|password=<pw>]", isErr: true}
		}
	}
	req := createShareRequest{FileID: args[0], Room: model.roomKey, SocketID: model.socketID}
	for _, arg := range args[1:] {
		switch {
		case arg == "auto":
			req.AutoPassword = true
		case strings.HasPrefix(arg, "password="):
			req.Password = strings.TrimPrefix(arg, "password=")
		default:
			days, err := strconv.Atoi(arg)
			if err != nil {
				return func() tea.Msg { return noticeMsg{body: "bad share option " + arg, isErr: true} }
			}
			req.ExpiresInDays = days
		}
	}
	base := model.httpBase
	return func() tea.Msg {
		res, err := apiCreateShare(base, req)
		if err != nil {
			return noticeMsg{body: "share failed: " + err.Error(), isErr: true}
		}
		body := fmt.Sprintf("Share %s expires %s: %s", res.Share.ID, res.Share.ExpiresAt.Format(time.DateOnly), res.URL)
		if res.Password != "" {
			body += "\nPassword (shown once): " + res.Password
		}
		return noticeMsg{body: body}
	}
}

func (model *TUIModel) listSharesCmd() tea.Cmd {
	base, socketID := model.httpBase, model.socketID
	return func() tea.Msg {
		shares, err := apiListShares(base, socketID)
		if err != nil {
			return noticeMsg{body: "list failed: " + err.Error(), isErr: true}
		}
		if len(shares) == 0 {
			return noticeMsg{body: "You have no shares."}
		}
		var sb strings.Builder
		for i, sh := range shares {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "%s  %-8s  %s  downloads=%d", sh.ID, sh.Status, sh.FileName, sh.AccessCount)
		}
		return noticeMsg{body: sb.String()}
	}
}

func checkJoinURL(base string) error {
	parsed, err := url.Parse(base)
	if err != nil {
		return err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	return nil
}

// buildJoinURL renders an invite link: the join endpoint with the room
// and, for protected rooms, its password.
func buildJoinURL(base, roomKey, password string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("room", roomKey)
	if password != "" {
		query.Set("password", password)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func inviteText(serverJoinURL, roomKey, password string) string {
	var sb strings.Builder
	sb.WriteString("Invite others with:\n  roomshare client --server '")
	if u, err := buildJoinURL(serverJoinURL, roomKey, password); err == nil {
		sb.WriteString(u)
	} else {
		sb.WriteString("ws://localhost:8080/join?room=")
		sb.WriteString(roomKey)
	}
	sb.WriteString("'")
	return sb.String()
}
