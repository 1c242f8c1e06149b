package app

import (
	"errors"

	intrnl "roomshare/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = DefaultIdentityPath()
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerURL:    cfg.ServerURL,
		RoomKey:      cfg.RoomKey,
		Password:     cfg.Password,
		Username:     cfg.Username,
		IdentityPath: cfg.IdentityPath,
	})
}

// RunMonitor opens the live stats view of the server at serverURL.
func RunMonitor(serverURL string) error {
	if serverURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunMonitor(serverURL)
}
