// Package daemon wires the configuration store, event bus, call registry,
// and API server into the tgvoipd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Sanji78/telegram-voip/internal/audiopipe"
	"github.com/Sanji78/telegram-voip/internal/callsession"
	"github.com/Sanji78/telegram-voip/internal/config"
	configstore "github.com/Sanji78/telegram-voip/internal/config/store"
	"github.com/Sanji78/telegram-voip/internal/eventbus"
	"github.com/Sanji78/telegram-voip/internal/observability"
	"github.com/Sanji78/telegram-voip/internal/profile"
	"github.com/Sanji78/telegram-voip/internal/registry"
	"github.com/Sanji78/telegram-voip/internal/server"
	"github.com/Sanji78/telegram-voip/internal/signaling"
)

const (
	// DefaultBind is the loopback address the API listens on.
	DefaultBind = "127.0.0.1:8790"

	// mockBridgeCommand selects the in-memory dialer instead of spawning a
	// bridge process. Used for development and smoke tests.
	mockBridgeCommand = "mock"

	shutdownGrace = 15 * time.Second
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *configstore.Store
	Bind  string // listen address, defaults to DefaultBind
}

// Daemon represents the main tgvoipd process.
type Daemon struct {
	store    *configstore.Store
	bus      *eventbus.Bus
	registry *registry.Registry
	hub      *server.Hub
	counter  *observability.EventCounter
	logger   *log.Logger

	bind       string
	httpServer *http.Server
	listenerMu sync.Mutex
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	ffmpegPath string
	closers    []func(context.Context) error
}

// New creates a daemon bound to the provided configuration store. Identities
// are loaded from the store and their capabilities are built eagerly so a
// broken bridge command fails at startup, not at call time.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}
	bind := opts.Bind
	if bind == "" {
		bind = DefaultBind
	}

	paths, err := config.EnsureInstanceDirs(opts.Store.InstanceName())
	if err != nil {
		return nil, fmt.Errorf("daemon: prepare instance directories: %w", err)
	}

	logger, err := newDaemonLogger(paths)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := eventbus.New()
	counter := observability.NewEventCounter()
	bus.AddObserver(counter)

	// Sessions must survive the HTTP request that placed them, so the
	// registry parents them on the daemon context rather than r.Context().
	reg := registry.New(bus,
		registry.WithLogger(logger),
		registry.WithBaseContext(ctx),
	)

	d := &Daemon{
		store:    opts.Store,
		bus:      bus,
		registry: reg,
		counter:  counter,
		logger:   logger,
		bind:     bind,
		ctx:      ctx,
		cancel:   cancel,
	}

	if ffmpegPath, err := opts.Store.GetSetting(ctx, "ffmpeg_path"); err == nil {
		d.ffmpegPath = ffmpegPath
	} else if !configstore.IsNotFound(err) {
		cancel()
		return nil, fmt.Errorf("daemon: load settings: %w", err)
	}

	if err := d.loadIdentities(ctx, paths); err != nil {
		cancel()
		d.closeAll(context.Background())
		return nil, err
	}

	hub := server.NewHub(bus, logger)
	d.hub = hub

	apiServer := server.New(reg, hub,
		server.WithLogger(logger),
		server.WithMetrics(func(w io.Writer) error {
			return counter.WriteMetrics(w, bus.Metrics())
		}),
	)
	d.httpServer = &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return d, nil
}

// loadIdentities builds call capabilities for every stored identity.
func (d *Daemon) loadIdentities(ctx context.Context, paths config.InstancePaths) error {
	records, err := d.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("daemon: list identities: %w", err)
	}
	if len(records) == 0 {
		d.logger.Printf("no identities configured; add one with 'tgvoip identity add'")
	}

	for _, record := range records {
		// Listing omits secrets; reload the full record.
		ident, err := d.store.GetIdentity(ctx, record.Name)
		if err != nil {
			return fmt.Errorf("daemon: load identity %s: %w", record.Name, err)
		}
		caps, closer, err := d.buildCapabilities(ctx, ident, paths)
		if err != nil {
			return fmt.Errorf("daemon: identity %s: %w", ident.Name, err)
		}
		if closer != nil {
			d.closers = append(d.closers, closer)
		}

		d.registry.AddIdentity(&registry.Identity{
			Name: ident.Name,
			Caps: caps,
			Defaults: registry.Defaults{
				Target:      ident.DefaultTarget,
				Language:    ident.DefaultLanguage,
				PhotoPath:   paths.ResolveMedia(ident.PhotoPath),
				RingTimeout: ident.RingTimeout,
				MaxDuration: ident.MaxDuration,
			},
		})
		d.logger.Printf("identity %s registered (bridge=%s)", ident.Name, bridgeKind(ident.BridgeCommand))
	}
	return nil
}

func bridgeKind(command string) string {
	if command == "" || command == mockBridgeCommand {
		return mockBridgeCommand
	}
	return filepath.Base(strings.Fields(command)[0])
}

// buildCapabilities assembles the dialer, audio pipeline, and profile
// manager for one identity.
func (d *Daemon) buildCapabilities(ctx context.Context, ident configstore.Identity, paths config.InstancePaths) (callsession.Capabilities, func(context.Context) error, error) {
	var (
		dialer  signaling.Dialer
		profCli signaling.ProfileClient
		closer  func(context.Context) error
	)

	if ident.BridgeCommand == "" || ident.BridgeCommand == mockBridgeCommand {
		mock := signaling.NewMockDialer()
		dialer, profCli = mock, mock
	} else {
		fields := strings.Fields(ident.BridgeCommand)
		serverCfg := signaling.DefaultServerConfig()
		if ident.AudioMinBitrate > 0 {
			serverCfg.MinBitrate = ident.AudioMinBitrate
		}
		if ident.AudioMaxBitrate > 0 {
			serverCfg.MaxBitrate = ident.AudioMaxBitrate
		}
		if ident.AudioInitBitrate > 0 {
			serverCfg.InitBitrate = ident.AudioInitBitrate
		}

		sessionPath := ident.SessionPath
		if sessionPath == "" {
			sessionPath = filepath.Join(paths.SessionsDir, ident.Name+".session")
		}

		proc, err := signaling.NewProcessDialer(ctx, signaling.ProcessOptions{
			Command:     fields[0],
			Args:        fields[1:],
			SessionPath: sessionPath,
			Config:      serverCfg,
			Logger:      d.logger,
		})
		if err != nil {
			return callsession.Capabilities{}, nil, err
		}
		dialer, profCli = proc, proc
		closer = proc.Close
	}

	pipelineOpts := []audiopipe.Option{
		audiopipe.WithLogger(d.logger),
		audiopipe.WithWorkDir(paths.TempDir),
	}
	if d.ffmpegPath != "" {
		pipelineOpts = append(pipelineOpts, audiopipe.WithTranscoder(audiopipe.NewFFmpegTranscoder(d.ffmpegPath)))
	}
	pipeline := audiopipe.New(pipelineOpts...)

	var profMgr callsession.ProfileManager
	if profCli != nil {
		profMgr = profile.NewManager(profCli, d.bus,
			profile.WithLogger(d.logger),
			profile.WithRestoreTarget(profile.RestoreTarget{
				FirstName: ident.RestoreFirstName,
				LastName:  ident.RestoreLastName,
				PhotoPath: paths.ResolveMedia(ident.RestorePhotoPath),
			}),
		)
	}

	return callsession.Capabilities{
		Dialer:   dialer,
		Pipeline: pipeline,
		Profile:  profMgr,
	}, closer, nil
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	paths := config.GetInstancePaths(d.store.InstanceName())
	if err := WritePIDFile(paths.Lock, os.Getpid()); err != nil {
		return err
	}
	defer RemovePIDFile(paths.Lock)

	listener, err := net.Listen("tcp", d.bind)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.bind, err)
	}
	d.listenerMu.Lock()
	d.listener = listener
	d.listenerMu.Unlock()

	go d.hub.Run()

	d.logger.Printf("API listening on http://%s", listener.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		d.logger.Printf("shutdown requested")
		return d.Shutdown()
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: serve: %w", err)
		}
		return nil
	}
}

// Addr returns the bound listen address once Run has started.
func (d *Daemon) Addr() string {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	if d.listener == nil {
		return d.bind
	}
	return d.listener.Addr().String()
}

// Shutdown hangs up every active call, waits for sessions to settle, and
// tears the transports down.
func (d *Daemon) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	d.registry.HangupAll(ctx)
	d.cancel()

	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Printf("http shutdown: %v", err)
	}
	d.hub.Shutdown()
	d.closeAll(ctx)
	d.bus.Shutdown()

	d.logger.Printf("shutdown complete")
	return nil
}

func (d *Daemon) closeAll(ctx context.Context) {
	for _, closer := range d.closers {
		if err := closer(ctx); err != nil {
			d.logger.Printf("bridge close: %v", err)
		}
	}
	d.closers = nil
}

// newDaemonLogger mirrors log output to stdout and the instance log file.
func newDaemonLogger(paths config.InstancePaths) (*log.Logger, error) {
	logPath := filepath.Join(paths.Logs, "daemon.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: open log file: %w", err)
	}
	return log.New(io.MultiWriter(os.Stdout, f), "[Daemon] ", log.LstdFlags), nil
}
