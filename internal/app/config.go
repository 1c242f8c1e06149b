package app

import (
	"os"
	"path/filepath"
	"runtime"

	"roomshare/internal/config"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	config.Config
	// ConfigPath is the YAML file the settings came from, if any.
	ConfigPath string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL    string
	Username     string
	RoomKey      string
	Password     string
	IdentityPath string
}

// LoadServerConfig reads path (optional) and the ROOMSHARE_* environment.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.HTTP.WSPath = NormalizeJoinPath(cfg.HTTP.WSPath)
	return ServerConfig{Config: cfg, ConfigPath: path}, nil
}

// DefaultIdentityPath returns the per-user file where the client keeps its
// user id and fingerprint between runs.
func DefaultIdentityPath() string {
	if env := os.Getenv("ROOMSHARE_IDENTITY"); env != "" {
		return env
	}
	if env := os.Getenv("ROOMSHARE_DATA_DIR"); env != "" {
		return filepath.Join(env, "identity.json")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomshare", "identity.json")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomshare", "identity.json")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomshare", "identity.json")
		}
		return filepath.Join(home, ".local", "share", "roomshare", "identity.json")
	}
	return filepath.Join(".", ".roomshare", "identity.json")
}

// NormalizeJoinPath guarantees the websocket join path starts with '/' and
// falls back to /join when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/join"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
