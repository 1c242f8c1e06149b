package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	intrnl "roomshare/internal"
	"roomshare/internal/app"
)

const (
	modeServer  = "server"
	modeClient  = "client"
	modeLocal   = "local"
	modeMonitor = "monitor"
	modeVersion = "version"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	if mode == modeVersion {
		fmt.Println(intrnl.VersionString())
		return
	}

	flagSet := flag.NewFlagSet("roomshare", flag.ExitOnError)
	configPath := flagSet.String("config", envOrDefault("ROOMSHARE_CONFIG", ""), "YAML config file (server and local modes)")
	addr := flagSet.String("addr", "", "server listen address (overrides config)")
	path := flagSet.String("path", "", "websocket join path (overrides config)")
	serverURL := flagSet.String("server-url", envOrDefault("ROOMSHARE_SERVER", "ws://localhost:8080/join"), "server websocket URL or invite link (client and monitor modes)")
	username := flagSet.String("user", envOrDefault("ROOMSHARE_USER", ""), "display name")
	password := flagSet.String("password", "", "room password")
	identity := flagSet.String("identity", "", "identity file (defaults to a per-user path)")
	flagSet.Parse(args)

	roomKey := ""
	if remaining := flagSet.Args(); len(remaining) > 0 {
		roomKey = remaining[0]
	}

	clientCfg := app.ClientConfig{
		ServerURL:    *serverURL,
		Username:     *username,
		RoomKey:      roomKey,
		Password:     *password,
		IdentityPath: *identity,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer, modeLocal:
		var serverCfg app.ServerConfig
		serverCfg, err = app.LoadServerConfig(*configPath)
		if err != nil {
			break
		}
		if *addr != "" {
			serverCfg.HTTP.Addr = *addr
		} else if mode == modeLocal {
			serverCfg.HTTP.Addr = "127.0.0.1:0"
		}
		if *path != "" {
			serverCfg.HTTP.WSPath = app.NormalizeJoinPath(*path)
		}
		if mode == modeServer {
			err = runServerMode(ctx, serverCfg)
		} else {
			err = runLocalMode(ctx, serverCfg, clientCfg)
		}
	case modeMonitor:
		err = app.RunMonitor(*serverURL)
	default:
		err = app.RunClient(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "roomshare: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	// keep server logs off the terminal the TUI draws on
	serverCfg.Log.Level = "error"
	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.HTTP.WSPath)
	slog.Debug("launching client", "url", clientCfg.ServerURL)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modeMonitor, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	case "-v", "--version":
		return modeVersion, args[1:]
	}
	return modeClient, args
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
