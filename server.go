// Package termpilot composes the automation engine with its HTTP control
// API and SSH viewer.
package termpilot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/httpapi"
	"pkt.systems/termpilot/internal/eventbus"
	"pkt.systems/termpilot/schema"
	"pkt.systems/termpilot/sshserver"
)

// Server composes the engine with the HTTP and SSH front-ends.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Engine() *core.Engine
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Engine schema.EngineConfig
	HTTP   httpapi.Config
	SSH    sshserver.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Transport core.Transport
	Matcher   *core.Matcher
	// Sink receives every lifecycle signal in addition to the front-ends.
	Sink   core.SignalSink
	Logger pslog.Logger
}

// TaskSpec describes a task started together with the server.
type TaskSpec struct {
	Prompt     string
	WorkingDir string
	Env        map[string]string
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
	task       *TaskSpec
}

// WithHTTP enables the HTTP control API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH viewer.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithTask starts a task as soon as the server starts.
func WithTask(task TaskSpec) ServerOption {
	return func(o *serverOptions) { o.task = &task }
}

// New constructs a composable termpilot server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH && options.task == nil {
		return nil, errors.New("no services enabled and no task given")
	}
	if options.task != nil && options.task.Prompt == "" {
		return nil, schema.ErrEmptyPrompt
	}

	var hub *httpapi.Hub
	var bus *eventbus.Bus
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HistorySize, deps.Logger)
	}
	if options.enableSSH {
		bus = eventbus.New(deps.Logger)
	}
	var hubSink, busSink core.SignalSink
	if hub != nil {
		hubSink = hub
	}
	if bus != nil {
		busSink = bus
	}

	engine, err := core.NewEngine(cfg.Engine, core.EngineDeps{
		Transport: deps.Transport,
		Sink:      joinSinks(deps.Sink, hubSink, busSink),
		Matcher:   deps.Matcher,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, engine, hub)
	}
	var sshSrv *sshserver.Server
	if options.enableSSH {
		sshSrv = &sshserver.Server{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
			Source:             engine,
			EventBus:           bus,
		}
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		engine:  engine,
		httpSrv: httpSrv,
		sshSrv:  sshSrv,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	engine  *core.Engine
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Engine() *core.Engine {
	return s.engine
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
	s.errCh = make(chan error, 3)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"task", s.options.task != nil,
		"http_addr", s.cfg.HTTP.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
		"agent", s.engine.Config().Agent,
	)
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
	if task := s.options.task; task != nil {
		spec := core.ConnectSpec{WorkingDir: task.WorkingDir, Env: task.Env}
		if err := s.engine.StartTask(s.ctx, spec, task.Prompt, nil); err != nil {
			log.Error("server task start failed", "err", err)
			s.cancel()
			return fmt.Errorf("start task: %w", err)
		}
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
	serverCtx := s.ctx
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	stopCtx := ctx
	if stopCtx == nil {
		stopCtx = context.Background()
	}
	if err := s.engine.StopTask(stopCtx); err != nil {
		log.Warn("server task stop failed", "err", err)
	} else {
		log.Info("server task stop ok")
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-serverCtx.Done():
		log.Info("server stopped")
		return nil
	}
}
