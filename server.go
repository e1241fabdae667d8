// Package shellhost composes the worker bridge, terminal sessions, state
// store and UI surfaces into one host process.
package shellhost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/httpapi"
	"pkt.systems/shellhost/internal/appconfig"
	"pkt.systems/shellhost/internal/bridge"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/gitworker"
	"pkt.systems/shellhost/internal/metrics"
	"pkt.systems/shellhost/internal/persist"
	"pkt.systems/shellhost/internal/router"
	"pkt.systems/shellhost/internal/terminal"
	"pkt.systems/shellhost/schema"
	"pkt.systems/shellhost/sshserver"
)

// Server composes the HTTP and SSH surfaces over one host core.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	StateDir         string
	Worker           WorkerConfig
	Terminal         terminal.Config
	AllowedReadRoots []string
	RequestTimeout   time.Duration
	HTTP             httpapi.Config
	SSH              sshserver.Config
}

// WorkerConfig describes the external worker process.
type WorkerConfig struct {
	Enabled       bool
	Binary        string
	Args          []string
	Env           map[string]string
	Dir           string
	ShutdownGrace time.Duration
}

// ConfigFromApp maps the loaded application config onto the compositor.
func ConfigFromApp(cfg appconfig.Config) ServerConfig {
	return ServerConfig{
		StateDir: cfg.StateDir,
		Worker: WorkerConfig{
			Enabled:       cfg.Worker.Enabled,
			Binary:        cfg.Worker.Binary,
			Args:          cfg.Worker.Args,
			Env:           cfg.Worker.Env,
			Dir:           cfg.Worker.Dir,
			ShutdownGrace: cfg.Worker.ShutdownGrace(),
		},
		Terminal: terminal.Config{
			Shell:       cfg.Terminal.Shell,
			ShellArgs:   cfg.Terminal.ShellArgs,
			DefaultCwd:  cfg.Terminal.DefaultCwd,
			DefaultCols: uint16(cfg.Terminal.Cols),
			DefaultRows: uint16(cfg.Terminal.Rows),
		},
		AllowedReadRoots: cfg.Files.AllowedReadRoots,
		RequestTimeout:   cfg.Worker.RequestTimeout(),
		HTTP: httpapi.Config{
			Addr:          cfg.HTTP.Addr,
			BasePath:      cfg.HTTP.BasePath,
			StreamHistory: cfg.HTTP.StreamHistory,
		},
		SSH: sshserver.Config{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
		},
	}
}

// ServerDeps overrides collaborators, mainly for tests.
type ServerDeps struct {
	Logger  pslog.Logger
	Metrics *metrics.Metrics
	// Bridge replaces spawning the configured worker.
	Bridge *bridge.Bridge
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH terminal server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// Host is the surface-independent core shared by every UI surface.
type Host struct {
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Terminals *terminal.Manager
	Store     *persist.Store
	Router    *router.Router
	Bridge    *bridge.Bridge
}

// NewHost builds the core: bus, terminals, state store, git worker, the
// optional worker bridge and the router. A worker that fails to start
// leaves the host without a bridge.
func NewHost(ctx context.Context, cfg ServerConfig, deps ServerDeps) (*Host, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := deps.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	bus := eventbus.New(log, eventbus.WithDropObserver(func(topic eventbus.Topic, count int) {
		m.BusDrop(string(topic), count)
	}))

	terminals := terminal.NewManager(cfg.Terminal, terminal.Options{Logger: log, Metrics: m, Bus: bus})
	store, err := persist.NewStoreWithLogger(cfg.StateDir, log)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	b := deps.Bridge
	if b == nil && cfg.Worker.Enabled {
		b, err = bridge.Spawn(ctx, bridge.Config{
			Binary: cfg.Worker.Binary,
			Args:   cfg.Worker.Args,
			Env:    envList(cfg.Worker.Env),
			Dir:    cfg.Worker.Dir,
		}, bridge.Options{
			Logger:         log,
			Metrics:        m,
			Bus:            bus,
			DefaultTimeout: cfg.RequestTimeout,
			ShutdownGrace:  cfg.Worker.ShutdownGrace,
		})
		if err != nil {
			log.Warn("host worker unavailable", "binary", cfg.Worker.Binary, "err", err)
			b = nil
		}
	}

	opts := router.Options{
		Logger:    log,
		Metrics:   m,
		Terminals: terminals,
		Store:     store,
		Git:       gitworker.New(),
	}
	if b != nil {
		opts.Bridge = b
	}
	rt, err := router.New(router.Config{
		AllowedReadRoots: router.ResolveAllowedRoots(cfg.AllowedReadRoots),
		DefaultCwd:       cfg.Terminal.DefaultCwd,
		DefaultCols:      cfg.Terminal.DefaultCols,
		DefaultRows:      cfg.Terminal.DefaultRows,
		RequestTimeout:   cfg.RequestTimeout,
	}, opts)
	if err != nil {
		if b != nil {
			_ = b.Shutdown(context.Background())
		}
		return nil, err
	}
	return &Host{Bus: bus, Metrics: m, Terminals: terminals, Store: store, Router: rt, Bridge: b}, nil
}

// WatchState reports state writes, including writes by other processes, as
// state_changed events. When the directory cannot be watched, only writes
// made through this host are reported.
func (h *Host) WatchState(ctx context.Context) {
	err := h.Store.Watch(ctx, func(key string) {
		h.Bus.PublishStateChanged(schema.StateChangedEvent{Key: key})
	})
	if err != nil {
		pslog.Ctx(ctx).Warn("host state watch unavailable", "err", err)
		h.Store.WithBus(h.Bus)
	}
}

// Close stops the worker and every terminal session.
func (h *Host) Close(ctx context.Context) error {
	h.Terminals.CloseAll()
	if h.Bridge == nil {
		return nil
	}
	return h.Bridge.Shutdown(ctx)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

// New constructs a composable shellhost server.
func New(ctx context.Context, cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH {
		return nil, errors.New("no services enabled")
	}
	host, err := NewHost(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	srv := &compositeServer{cfg: cfg, options: options, host: host}
	if options.enableHTTP {
		hub := httpapi.NewHub(cfg.HTTP.StreamHistory, deps.Logger, host.Metrics)
		srv.hub = hub
		srv.httpSrv = httpapi.NewServer(cfg.HTTP, host.Router, hub, host.Metrics)
	}
	if options.enableSSH {
		srv.sshSrv = &sshserver.Server{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
			Terminals:          host.Terminals,
		}
	}
	return srv, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	host    *Host
	hub     *httpapi.Hub
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	pumps   sync.WaitGroup
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"bridge", s.host.Bridge != nil,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_addr", s.cfg.SSH.Addr,
	)
	s.host.WatchState(s.ctx)
	if s.hub != nil {
		events, unsubscribe := s.host.Bus.Subscribe(eventbus.TopicAll)
		fanout := eventFanout{sinks: []eventSink{s.hub, metricsSink{s.host.Metrics}}}
		s.pumps.Add(1)
		go func() {
			defer s.pumps.Done()
			defer unsubscribe()
			fanout.run(s.ctx, events)
		}()
	}
	if s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.host.Close(ctx); err != nil {
		log.Warn("server host close failed", "err", err)
	}
	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
