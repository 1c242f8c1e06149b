package internal

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"roomshare/internal/ident"
	"roomshare/internal/room"
)

// ClientOptions configures the chat TUI. ServerURL is the websocket join
// endpoint; an invite link with room and password query values works too.
type ClientOptions struct {
	ServerURL    string
	RoomKey      string
	Password     string
	Username     string
	IdentityPath string
}

// this model holds the bubbletea state for the chat client, including the input, message log, and websocket connection.
type TUIModel struct {
	textInput       textinput.Model
	lines           []chatLine
	serverJoinURL   string
	httpBase        string
	roomKey         string
	password        string
	create          bool
	identity        Identity
	identityPath    string
	socketID        string
	online          int
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	quitting        bool
	connectionError error
	mode            appMode
	pendingAction   actionType
}

type chatLine struct {
	Ts     int64
	User   string
	Body   string
	System bool
	Error  bool
}

// these are bubbletea messages that represent asynchronous events like connecting, receiving a frame, or encountering an error.
type (
	connectedMsg     struct{ conn *websocket.Conn }
	incomingMsg      ServerEnvelope
	disconnectedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	noticeMsg        struct {
		body  string
		isErr bool
	}
	existsMsg struct {
		key    string
		exists bool
		err    error
	}
)

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorLineStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

const maxChatLines = 500

// this constructor builds a new chat ui model with a focused input and a sensible default username.
func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	joinURL, roomKey, password := splitInviteLink(opts.ServerURL)
	if opts.RoomKey != "" {
		roomKey = opts.RoomKey
	}
	if opts.Password != "" {
		password = opts.Password
	}
	httpBase, _ := httpBaseFromJoinURL(joinURL)

	identity, err := LoadIdentity(opts.IdentityPath)
	model := &TUIModel{
		textInput:     input,
		lines:         make([]chatLine, 0, 64),
		serverJoinURL: joinURL,
		httpBase:      httpBase,
		roomKey:       roomKey,
		password:      password,
		identity:      identity,
		identityPath:  opts.IdentityPath,
	}
	if err != nil {
		model.addNotice("Could not read saved identity: "+err.Error(), true)
	}
	if opts.Username != "" {
		model.identity.Name = opts.Username
	}
	if model.identity.Name == "" {
		model.identity.Name = defaultUsername()
	}
	if model.identity.Fingerprint == "" {
		model.identity.Fingerprint = ident.NewID()
	}
	if roomKey == "" {
		model.mode = modeMenu
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	} else {
		model.mode = modeChat
	}
	return model
}

func defaultUsername() string {
	if user := os.Getenv("ROOMSHARE_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

// splitInviteLink separates the room and password query values from a
// join URL.
func splitInviteLink(raw string) (joinURL, roomKey, password string) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw, "", ""
	}
	q := parsed.Query()
	roomKey, password = q.Get("room"), q.Get("password")
	q.Del("room")
	q.Del("password")
	parsed.RawQuery = q.Encode()
	return parsed.String(), roomKey, password
}

// when the program starts we kick off a command that dials the websocket.
func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return model.connectCmd()
	}
	return nil
}

func (model *TUIModel) enterPrompt(mode appMode, prompt, placeholder, value string) tea.Cmd {
	model.mode = mode
	model.textInput.SetValue(value)
	model.textInput.Prompt = prompt
	model.textInput.Placeholder = placeholder
	return model.textInput.Focus()
}

func (model *TUIModel) backToMenu() {
	model.pendingAction = actionNone
	model.mode = modeMenu
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) enterChat() tea.Cmd {
	focusCmd := model.enterPrompt(modeChat, "> ", "Type a message…", "")
	return tea.Batch(focusCmd, model.connectCmd())
}

// update reacts to key presses and asynchronous events to drive the application state.
func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			return model, model.quit("")
		}
		switch model.mode {
		case modeMenu:
			switch typedMessage.String() {
			case "1", "j", "J":
				model.pendingAction = actionJoin
				return model, model.enterPrompt(modeNamePrompt, "name> ", "Enter display name…", model.identity.Name)
			case "2", "c", "C":
				model.pendingAction = actionCreate
				return model, model.enterPrompt(modeNamePrompt, "name> ", "Enter display name…", model.identity.Name)
			case "q", "Q", "3", "esc":
				return model, tea.Quit
			}
			return model, nil
		case modeNamePrompt:
			switch typedMessage.Type {
			case tea.KeyEnter:
				trimmed := strings.TrimSpace(model.textInput.Value())
				if trimmed == "" {
					model.addNotice("Display name cannot be empty.", true)
					return model, nil
				}
				model.identity.Name = trimmed
				nextAction := model.pendingAction
				model.pendingAction = actionNone
				switch nextAction {
				case actionJoin:
					return model, model.enterPrompt(modeJoinPrompt, "room> ", "Enter room key…", "")
				case actionCreate:
					model.roomKey = ident.RoomKey(10)
					model.create = true
					model.addNotice(inviteText(model.serverJoinURL, model.roomKey, model.password), false)
					return model, model.enterChat()
				default:
					model.backToMenu()
					return model, nil
				}
			case tea.KeyEsc:
				model.backToMenu()
				return model, nil
			default:
				var cmd tea.Cmd
				model.textInput, cmd = model.textInput.Update(typedMessage)
				return model, cmd
			}
		case modeJoinPrompt:
			if typedMessage.Type == tea.KeyEsc {
				model.backToMenu()
				return model, nil
			}
			if typedMessage.Type == tea.KeyEnter {
				trimmed := strings.TrimSpace(model.textInput.Value())
				if trimmed == "" {
					return model, nil
				}
				return model, model.existsCmd(trimmed)
			}
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(typedMessage)
			return model, cmd
		case modeChat:
			switch typedMessage.Type {
			case tea.KeyEsc:
				return model, model.quit("")
			case tea.KeyEnter:
				trimmed := strings.TrimSpace(model.textInput.Value())
				model.textInput.SetValue("")
				if strings.HasPrefix(trimmed, "/") {
					return model, model.runCommand(trimmed)
				}
				if trimmed != "" && model.isConnected {
					return model, model.sendCmd(ClientEnvelope{Type: TypeMessage, Body: trimmed})
				}
				return model, nil
			}
			var command tea.Cmd
			model.textInput, command = model.textInput.Update(typedMessage)
			return model, command
		}

	case connectedMsg:
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		join := ClientEnvelope{
			Type:        TypeJoin,
			Room:        model.roomKey,
			UserID:      model.identity.UserID,
			Name:        model.identity.Name,
			Password:    model.password,
			Fingerprint: model.identity.Fingerprint,
			Create:      model.create,
		}
		return model, tea.Batch(model.sendCmd(join), model.readOnceCmd(typedMessage.conn))

	case incomingMsg:
		model.applyEnvelope(ServerEnvelope(typedMessage))
		return model, model.readOnceCmd(model.websocketConn)

	case disconnectedMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		if model.websocketConn != nil {
			_ = model.websocketConn.Close()
			model.websocketConn = nil
		}
		model.isConnected = false
		model.socketID = ""
		if model.quitting {
			return model, nil
		}
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected && !model.quitting {
			return model, model.connectCmd()
		}
		return model, nil

	case noticeMsg:
		model.addNotice(typedMessage.body, typedMessage.isErr)
		return model, nil

	case existsMsg:
		if typedMessage.err != nil {
			model.addNotice(fmt.Sprintf("Error checking room: %v", typedMessage.err), true)
			return model, nil
		}
		if !typedMessage.exists {
			model.addNotice("Room not found. Try again or create a room.", true)
			return model, nil
		}
		model.roomKey = typedMessage.key
		model.create = false
		return model, model.enterChat()
	}
	return model, nil
}

// applyEnvelope folds a server frame into the chat log.
func (model *TUIModel) applyEnvelope(env ServerEnvelope) {
	switch env.Type {
	case TypeJoined:
		model.socketID = env.SocketID
		created := model.create
		model.create = false
		if env.User != nil {
			model.identity.UserID = env.User.ID
			model.identity.Name = env.User.Name
			if err := SaveIdentity(model.identityPath, model.identity); err != nil {
				model.addNotice("Could not save identity: "+err.Error(), true)
			}
		}
		model.online = countOnline(env.Users)
		model.lines = model.lines[:0]
		for _, msg := range env.Messages {
			model.appendLine(lineForMessage(msg))
		}
		verb := "Joined"
		if env.Reconnected {
			verb = "Rejoined"
		}
		model.addNotice(fmt.Sprintf("%s room %s as %s.", verb, env.Room, model.identity.Name), false)
		if created {
			model.addNotice(inviteText(model.serverJoinURL, model.roomKey, model.password), false)
		}
	case TypeUserJoined:
		if env.User != nil {
			model.online++
			model.addNotice(env.User.Name+" joined.", false)
		}
	case TypeUserLeft:
		if env.User != nil {
			model.online--
			model.addNotice(env.User.Name+" left.", false)
		}
	case TypeUserOffline:
		if env.User != nil {
			model.online--
			model.addNotice(env.User.Name+" went offline.", false)
		}
	case TypeMessage:
		if env.Message != nil {
			model.appendLine(lineForMessage(*env.Message))
		}
	case TypeUsers:
		model.online = countOnline(env.Users)
		names := make([]string, 0, len(env.Users))
		for _, u := range env.Users {
			status := "offline"
			if u.Online {
				status = string(u.DeviceType)
			}
			names = append(names, fmt.Sprintf("%s (%s)", u.Name, status))
		}
		model.addNotice("Users: "+strings.Join(names, ", "), false)
	case TypeHistory:
		for _, msg := range env.Messages {
			model.appendLine(lineForMessage(msg))
		}
	case TypeRoomDestroyed:
		model.addNotice(fmt.Sprintf("Room %s was closed (%s). Type /quit to exit.", env.Room, env.Reason), true)
	case TypeError:
		model.addNotice("Error: "+env.Error, true)
	case TypeSystem:
		model.addNotice(env.Body, false)
	}
}

func countOnline(users []room.User) int {
	n := 0
	for _, u := range users {
		if u.Online {
			n++
		}
	}
	return n
}

func lineForMessage(msg room.Message) chatLine {
	line := chatLine{Ts: msg.Timestamp.Unix(), User: msg.Sender.Name, Body: msg.Content}
	switch msg.Type {
	case room.MessageFile:
		if msg.File != nil {
			line.Body = fmt.Sprintf("shared %s (%s) id=%s", msg.File.Name, humanBytes(msg.File.Size), msg.File.ID)
		}
	case room.MessageSystem:
		line.System = true
	}
	return line
}

func (model *TUIModel) appendLine(line chatLine) {
	model.lines = append(model.lines, line)
	if len(model.lines) > maxChatLines {
		model.lines = append(model.lines[:0:0], model.lines[len(model.lines)-maxChatLines:]...)
	}
}

func (model *TUIModel) addNotice(body string, isErr bool) {
	model.appendLine(chatLine{Ts: time.Now().Unix(), User: "system", Body: body, System: true, Error: isErr})
}

func (model *TUIModel) quit(reason string) tea.Cmd {
	model.quitting = true
	if model.websocketConn != nil {
		model.writeMutex.Lock()
		_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		model.writeMutex.Unlock()
		_ = model.websocketConn.Close()
	}
	return tea.Quit
}

// the view renders a simple header, the list of messages, and the input box so the user can type.
func (model *TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPromptView("Choose a display name", "Enter the name others will see, then press Enter.")
	case modeJoinPrompt:
		return model.renderPromptView("Join a room", "Enter the room key and press Enter to connect.")
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("roomshare")
	subtitle := subtitleStyle.Render("Ephemeral rooms for chat and file sharing")

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Create a room"),
		renderMenuOption("3", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("Press 1, 2, or 3 to choose an option."))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderPromptView(title, hint string) string {
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{
		"roomshare",
		fmt.Sprintf("Room %s", model.roomKey),
		fmt.Sprintf("User %s", model.identity.Name),
		fmt.Sprintf("Online %d", model.online),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil && !model.isConnected:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error() + " (retrying)")
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	var messageLines []string
	for _, line := range model.lines {
		messageLines = append(messageLines, model.renderChatLine(line))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{
		header,
		statusLine,
		messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Commands: /help, /upload <path>, /share <file-id>, /quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderSystemNotices() string {
	var notices []string
	for _, line := range model.lines {
		if !line.System {
			continue
		}
		style := systemMessageStyle
		if line.Error {
			style = errorLineStyle
		}
		notices = append(notices, style.Render(line.Body))
	}
	if len(notices) == 0 {
		return ""
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

func (model *TUIModel) renderChatLine(line chatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.Unix(line.Ts, 0).Format("15:04:05")))
	if line.System {
		style := systemMessageStyle
		if line.Error {
			style = errorLineStyle
		}
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", style.Render(line.Body))
	}

	var nameStyle lipgloss.Style
	if line.User == model.identity.Name {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(line.User))
	}
	name := nameStyle.Render(line.User)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(line.Body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
}

func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RunClient launches the bubbletea program with the chat model so the user can chat from the terminal.
func RunClient(opts ClientOptions) error {
	program := tea.NewProgram(NewTUIModel(opts))
	_, err := program.Run()
	return err
}
