package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/badibam/assistant-sub007/internal/config"
	"github.com/badibam/assistant-sub007/internal/logger"
	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/internal/tracing"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/commands"
	"github.com/badibam/assistant-sub007/pkg/orchestrator"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/round"
	"github.com/badibam/assistant-sub007/pkg/scheduler"
	"github.com/badibam/assistant-sub007/pkg/store"
)

// Backend is the persistence the daemon wires into every component.
type Backend interface {
	orchestrator.Store
	commands.NoteStore
	Close() error
}

// Daemon wires the engine, the scheduler and their ambient services.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     Backend
	providers *provider.Registry
	commands  *commands.Executor
	prompts   *orchestrator.PromptBuilder
	engine    *orchestrator.Engine
	scheduler *scheduler.Scheduler
	metrics   *http.Server
	watcher   *config.Watcher
	loader    *config.Loader
	lifecycle *LifecycleManager
	eventLoop *EventLoop

	tracingEnabled bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	stopped   bool
	startTime time.Time
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil || log == nil {
		return nil, errors.New("daemon requires a config and a logger")
	}
	base := log.Zerolog()

	observability.EnsureRegistered()
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := observability.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
			base.Warn().Err(err).Msg("Audit log disabled")
		}
	}

	tracingEnabled := false
	if cfg.Tracing.Enabled {
		err := tracing.Setup(tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			base.Warn().Err(err).Msg("Tracing disabled")
		} else {
			tracingEnabled = true
		}
	}

	backend, err := openStore(cfg.Store, base)
	if err != nil {
		return nil, err
	}

	d, err := build(cfg, log, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	d.tracingEnabled = tracingEnabled
	return d, nil
}

func openStore(cfg config.StoreConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, errors.New("sqlite store requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		s, err := store.OpenSQLite(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func build(cfg *config.Config, log *logger.Logger, backend Backend) (*Daemon, error) {
	base := log.Zerolog()

	providers, err := provider.NewRegistryFromProfiles(base, cfg.DefaultProvider, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider registry: %w", err)
	}

	exec := commands.NewExecutor(base)
	if cfg.Engine.CommandTimeout > 0 {
		exec.SetTimeout(cfg.Engine.CommandTimeout)
	}
	if err := commands.RegisterBuiltins(exec, backend, time.Now); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	prompts := orchestrator.NewPromptBuilder(exec, cfg.Instructions)

	engine, err := orchestrator.New(orchestrator.Config{
		Store:                backend,
		Commands:             exec,
		Provider:             providers,
		Prompts:              prompts,
		Policy:               round.ValidationPolicy{AutoApprove: cfg.Engine.AutoApprove},
		ChatLimits:           cfg.Engine.ChatLimits.Limits(),
		AutomationLimits:     cfg.Engine.AutomationLimits.Limits(),
		ChatEvictionAfter:    cfg.Engine.ChatEvictionAfter,
		RetryInitialInterval: cfg.Engine.NetworkRetry.InitialInterval,
		RetryMaxInterval:     cfg.Engine.NetworkRetry.MaxInterval,
		ProviderID:           cfg.DefaultProvider,
		Logger:               base,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Engine:            engine,
		Store:             backend,
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
		Logger:            base,
	})
	if err != nil {
		_ = engine.Close(context.Background())
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Replace(cfg.EnabledAutomations()); err != nil {
		_ = engine.Close(context.Background())
		return nil, fmt.Errorf("failed to register automations: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:    cfg,
		logger:    log,
		store:     backend,
		providers: providers,
		commands:  exec,
		prompts:   prompts,
		engine:    engine,
		scheduler: sched,
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		d.metrics = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	d.lifecycle = NewLifecycleManager(d)
	d.eventLoop = NewEventLoop(d)
	return d, nil
}

// WatchConfig reloads limits and automations whenever the loader's file
// changes. Call before Start.
func (d *Daemon) WatchConfig(loader *config.Loader) {
	d.mu.Lock()
	d.loader = loader
	d.mu.Unlock()
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon cannot be restarted")
	}
	d.running = true
	d.startTime = time.Now()
	loader := d.loader
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting assistant daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// A session left active by a crash can never resume its round.
	if id, err := d.engine.RecoverInterrupted(d.ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to recover interrupted session")
	} else if id != "" {
		logger.Warn().Str("session_id", id).Msg("Ended session interrupted by previous shutdown")
	}

	if d.metrics != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", d.metrics.Addr).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("addr", d.metrics.Addr).Msg("Metrics server started")
	}

	d.scheduler.Start()
	logger.Info().Int("automations", len(d.scheduler.Entries())).Msg("Scheduler started")

	if loader != nil {
		w, err := config.NewWatcher(config.WatcherConfig{
			Loader:   loader,
			OnChange: d.applyConfig,
			Logger:   d.logger.Zerolog(),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		} else if err := w.Start(); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			d.mu.Lock()
			d.watcher = w
			d.mu.Unlock()
			logger.Info().Str("path", loader.GetConfigPath()).Msg("Config watcher started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// applyConfig pushes the reloadable parts of cfg into the running components.
// Providers, store and metrics settings need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	log := d.logger.Component("daemon")

	d.engine.SetLimits(aistate.SessionTypeChat, cfg.Engine.ChatLimits.Limits())
	d.engine.SetLimits(aistate.SessionTypeAutomation, cfg.Engine.AutomationLimits.Limits())
	d.engine.SetChatEvictionAfter(cfg.Engine.ChatEvictionAfter)
	if err := d.scheduler.Replace(cfg.EnabledAutomations()); err != nil {
		log.Error().Err(err).Msg("Failed to apply automations from reloaded config")
	}

	d.mu.Lock()
	d.config.Engine.ChatLimits = cfg.Engine.ChatLimits
	d.config.Engine.AutomationLimits = cfg.Engine.AutomationLimits
	d.config.Engine.ChatEvictionAfter = cfg.Engine.ChatEvictionAfter
	d.config.Automations = cfg.Automations
	d.mu.Unlock()

	observability.Audit().ConfigReloaded(d.ctx, observability.ConfigReload{
		Source:               "watcher",
		Automations:          len(cfg.EnabledAutomations()),
		ChatRoundtrips:       cfg.Engine.ChatLimits.MaxRoundtrips,
		AutomationRoundtrips: cfg.Engine.AutomationLimits.MaxRoundtrips,
		ChatEvictionAfter:    cfg.Engine.ChatEvictionAfter,
		AutomationInactivity: cfg.Engine.AutomationLimits.InactivityTimeout,
	})
	log.Info().Msg("Configuration reloaded")
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.stopped = true
	watcher := d.watcher
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping assistant daemon")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := d.scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
	}
	logger.Info().Msg("Scheduler stopped")

	if err := d.engine.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to close engine")
	}
	logger.Info().Msg("Engine stopped")

	if d.metrics != nil {
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	if err := observability.Audit().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger := d.logger.Zerolog()
	logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// Engine returns the orchestration engine
func (d *Daemon) Engine() *orchestrator.Engine {
	return d.engine
}

// Scheduler returns the automation scheduler
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Store returns the message store
func (d *Daemon) Store() Backend {
	return d.store
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}
