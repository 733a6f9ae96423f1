// Command paneloom runs the multi-pane agent-session monitor daemon: it
// polls an external capture/session source through the Request
// Coordinator, keeps a Session Registry and a per-pane Timeline Store up
// to date, and exposes both over a small local HTTP surface for a UI
// client to consume.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paneloom/internal/clock"
	"paneloom/internal/command"
	"paneloom/internal/config"
	"paneloom/internal/connstate"
	"paneloom/internal/coordinator"
	"paneloom/internal/localapi"
	"paneloom/internal/logging"
	"paneloom/internal/poller"
	"paneloom/internal/registry"
	"paneloom/internal/snapshotstore"
	"paneloom/internal/timeline"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.LoadConfig,
		RunServe: func(ctx context.Context, cfg config.Config) error {
			return runServe(ctx, cfg, os.Stdout)
		},
		RunSnapshotExport: runSnapshotExport,
		RunSnapshotImport: runSnapshotImport,
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "paneloom"}).Error("paneloom failed", "err", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg config.Config, out *os.File) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "paneloom"})
	fmt.Fprintf(out, "paneloom %s listening on %s:%d\n", version, cfg.ListenHost, cfg.ListenPort)

	sysClock := clock.System{}
	tl := timeline.NewStore(sysClock, cfg.RetentionMs, cfg.MaxItemsPerPane, logger.With("component", "timeline"))
	reg := registry.NewRegistry()
	machine := connstate.NewMachine()
	machine.SetToken(cfg.UpstreamToken != "")

	snap, snapWriterDone, err := wireSnapshotStore(ctx, cfg, tl, logger)
	if err != nil {
		return err
	}
	if snap != nil {
		defer snap.Close()
	}

	transport := coordinator.NewHTTPTransport(cfg.UpstreamBaseURL, cfg.UpstreamToken, &http.Client{Timeout: 30 * time.Second})
	observer := &connObserver{machine: machine, registry: reg}
	coord := coordinator.NewCoordinator(transport, sysClock, observer, logger.With("component", "coordinator"))

	pollLogger := logger.With("component", "poller")
	var server *localapi.Server
	refresh := func(ctx context.Context) {
		var publish func(string, map[string]any)
		if server != nil {
			publish = server.PublishPaneEvent
		}
		if err := refreshSessions(ctx, coord, reg, tl, machine, publish); err != nil {
			pollLogger.Debug("session refresh failed", "err", err)
		}
	}
	p := poller.NewPoller(refresh, machine.PollBackoffMs)

	server = localapi.NewServer(localapi.Deps{
		Registry:    reg,
		Timeline:    tl,
		Coordinator: coord,
		Conn:        machine,
		Token:       cfg.APIToken,
		Reconnect: func(ctx context.Context) {
			machine.Reconnect()
			refresh(ctx)
		},
	}, logger.With("component", "localapi"))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler: server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	p.Start(ctx)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Stop()
			return err
		}
	}

	p.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if snapWriterDone != nil {
		<-snapWriterDone
	}
	return nil
}

// wireSnapshotStore opens the snapshot persistence adapter, restores any
// prior snapshot into tl, and starts the periodic write-behind writer. It
// is a no-op (nil store) when no snapshot path is configured.
func wireSnapshotStore(ctx context.Context, cfg config.Config, tl *timeline.Store, logger *slog.Logger) (*snapshotstore.Store, <-chan struct{}, error) {
	if cfg.SnapshotPath == "" {
		return nil, nil, nil
	}
	snap, err := snapshotstore.Open(cfg.SnapshotPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot store: %w", err)
	}
	loaded, err := snap.Load()
	if err != nil {
		_ = snap.Close()
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	tl.Restore(loaded)

	writer := snapshotstore.NewWriter(snap, tl, cfg.SnapshotInterval)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		writer.Run(stop, func(err error) {
			logger.With("component", "snapshot").Warn("snapshot write failed", "err", err)
		})
		close(done)
	}()
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	return snap, done, nil
}

func runSnapshotExport(ctx context.Context, cfg config.Config, out string) error {
	if cfg.SnapshotPath == "" {
		return errors.New("no snapshot path configured")
	}
	src, err := snapshotstore.Open(cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("open source snapshot: %w", err)
	}
	defer src.Close()
	events, err := src.Load()
	if err != nil {
		return fmt.Errorf("load source snapshot: %w", err)
	}

	dst, err := snapshotstore.Open(out)
	if err != nil {
		return fmt.Errorf("open destination snapshot: %w", err)
	}
	defer dst.Close()
	return dst.Persist(events)
}

func runSnapshotImport(ctx context.Context, cfg config.Config, in string) error {
	if cfg.SnapshotPath == "" {
		return errors.New("no snapshot path configured")
	}
	src, err := snapshotstore.Open(in)
	if err != nil {
		return fmt.Errorf("open source snapshot: %w", err)
	}
	defer src.Close()
	events, err := src.Load()
	if err != nil {
		return fmt.Errorf("load source snapshot: %w", err)
	}

	dst, err := snapshotstore.Open(cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("open destination snapshot: %w", err)
	}
	defer dst.Close()
	return dst.Persist(events)
}
