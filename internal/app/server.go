package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	intrnl "roomshare/internal"
	"roomshare/internal/admission"
	"roomshare/internal/logging"
	"roomshare/internal/maintenance"
	"roomshare/internal/room"
	"roomshare/internal/share"
	"roomshare/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr      string
	server    *http.Server
	backend   *intrnl.Server
	rooms     *room.Directory
	scheduler *maintenance.Scheduler
	store     *storage.Store
	logger    *slog.Logger
	done      chan struct{}
	err       error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer builds the logger, opens the file catalog, wires the room
// directory, share registry and admission control into the HTTP server,
// registers the maintenance sweeps and starts serving in the background.
// Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		SetDefault:  true,
		ServiceName: "roomshare",
	})
	if err != nil {
		return nil, err
	}
	cfg.HTTP.WSPath = NormalizeJoinPath(cfg.HTTP.WSPath)

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	store, err := storage.NewStore(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rooms := room.NewDirectory(room.Options{
		GracePeriod: cfg.Rooms.GracePeriod,
		MaxMessages: cfg.Rooms.MaxMessages,
		InactiveTTL: cfg.Rooms.InactiveTTL,
		EventBuffer: cfg.Rooms.EventBuffer,
		Logger:      logger,
	})
	shares := share.NewRegistry(share.Options{
		DefaultExpiryDays: cfg.Shares.DefaultExpiryDays,
		LogRetention:      cfg.Shares.LogRetention,
		Logger:            logger,
	})
	gate := admission.NewController(admission.Options{
		MaxStreams:           cfg.Admission.MaxStreams,
		BandwidthBytes:       cfg.BandwidthBytes(),
		BandwidthWindow:      cfg.Admission.BandwidthWindow,
		BandwidthIdle:        cfg.Admission.BandwidthIdle,
		GeneralPerMinute:     cfg.Admission.GeneralPerMinute,
		StrictPerMinute:      cfg.Admission.StrictPerMinute,
		ShareCreatePerMinute: cfg.Admission.ShareCreatePerMinute,
		DownloadPerMinute:    cfg.Admission.DownloadPerMinute,
		Logger:               logger,
	})
	files := intrnl.NewFileStore(store, cfg.Storage.UploadDir, nil, logger)

	backend, err := intrnl.NewServer(intrnl.Options{
		Rooms:          rooms,
		Shares:         shares,
		Admission:      gate,
		Files:          files,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		PublicURL:      cfg.HTTP.PublicURL,
		WSPath:         cfg.HTTP.WSPath,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		rooms.Close()
		_ = store.Close()
		return nil, err
	}

	scheduler := maintenance.New(logger)
	jobs := []maintenance.Job{
		{Name: "rooms", Schedule: cfg.Maintenance.RoomSweep, Run: func(ctx context.Context) { backend.SweepRooms(ctx) }},
		{Name: "shares", Schedule: cfg.Maintenance.ShareSweep, Run: func(ctx context.Context) { backend.SweepShares(ctx) }},
		{Name: "admission", Schedule: cfg.Maintenance.AdmissionSweep, Run: func(ctx context.Context) { backend.SweepAdmission(ctx) }},
	}
	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			backend.Close()
			rooms.Close()
			_ = store.Close()
			return nil, fmt.Errorf("schedule %s sweep: %w", job.Name, err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		backend.Close()
		rooms.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:      listener.Addr().String(),
		server:    httpServer,
		backend:   backend,
		rooms:     rooms,
		scheduler: scheduler,
		store:     store,
		logger:    logger,
		done:      make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown", "err", err)
		}
	}()

	scheduler.Start()
	go handle.serve(listener)

	logger.Info("roomshare server listening",
		"addr", handle.addr,
		"ws_path", cfg.HTTP.WSPath,
		"upload_dir", files.Dir(),
		"version", intrnl.Version,
	)
	return handle, nil
}

// serve runs until the HTTP server stops, then tears the backend down in
// reverse order of construction.
func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := h.scheduler.Stop(stopCtx); stopErr != nil {
		h.logger.Warn("maintenance stop", "err", stopErr)
	}
	h.backend.Close()
	h.rooms.Close()
	if closeErr := h.store.Close(); closeErr != nil {
		h.logger.Error("store close", "err", closeErr)
	}
	h.err = err
}
