package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Engine owns the process-wide pieces of reqguard: configuration, the root
// logger and its ring buffer, the optional event bus and every background
// goroutine. Components register their loops through Go so that Shutdown can
// cancel and wait for all of them.
type Engine struct {
	Logger     zerolog.Logger
	LogBuffer  *LogRingBuffer
	Bus        *EventBus
	Events     *EventQueue
	ConfigPath string
	StartedAt  time.Time

	mu       sync.RWMutex
	config   *Config
	onReload []func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new engine for cfg. configPath is remembered for reloads
// and may be empty.
func NewEngine(cfg *Config, configPath string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	buf := NewLogRingBuffer(2000)
	// Per-logger level stays at debug; the effective level is the global one so
	// it can be changed on reload.
	logger := NewLogger(LoggingConfig{Format: cfg.Logging.Format, Level: "debug"}, os.Stdout, buf)
	zerolog.SetGlobalLevel(ParseLevel(cfg.LogLevel()))

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Logger:     logger,
		LogBuffer:  buf,
		ConfigPath: configPath,
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Config returns the current configuration. The returned value must be
// treated as read-only; reloads swap the pointer.
func (e *Engine) Config() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// OnReload registers fn to be called with the new configuration after a
// successful reload.
func (e *Engine) OnReload(fn func(*Config)) {
	e.mu.Lock()
	e.onReload = append(e.onReload, fn)
	e.mu.Unlock()
}

// Start connects the event bus when enabled. Bus failures are logged and the
// engine keeps running without publishing.
func (e *Engine) Start() error {
	e.StartedAt = time.Now()
	cfg := e.Config()
	log := e.Logger.With().Str("component", "engine").Logger()

	if cfg.Bus.Enabled {
		bus, err := NewEventBus(&cfg.Bus, e.Logger)
		if err != nil {
			log.Error().Err(err).Msg("event bus unavailable, continuing without publishing")
		} else {
			e.Bus = bus
			e.Events = NewEventQueue(bus, cfg.Bus.QueueSize, e.Logger)
			e.Go("event_queue", e.Events.Run)
		}
	}

	if e.ConfigPath != "" {
		e.Go("config_watcher", func(ctx context.Context) {
			if err := WatchConfig(ctx, e.ConfigPath, e.Logger, func() { e.Reload() }); err != nil {
				log.Warn().Err(err).Msg("config watcher stopped")
			}
		})
	}

	log.Info().
		Str("profile", string(cfg.Detection.Profile)).
		Int("blocking_threshold", cfg.Detection.BlockingThreshold).
		Bool("bus", e.Bus.IsConnected()).
		Msg("reqguard engine started")
	return nil
}

// Publisher returns the queue in front of the bus, or nil when no bus is
// connected. Publishing through it never blocks the caller.
func (e *Engine) Publisher() Publisher {
	if e.Events == nil {
		return nil
	}
	return e.Events
}

// Go runs fn in an engine-owned goroutine. The context is cancelled on
// Shutdown, which waits for fn to return.
func (e *Engine) Go(name string, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				e.Logger.Error().Str("task", name).Interface("panic", rec).Msg("background task panicked")
			}
		}()
		fn(e.ctx)
	}()
}

// Reload re-reads the config file and notifies reload hooks.
func (e *Engine) Reload() {
	changes, err := ReloadConfig(e, e.ConfigPath)
	log := e.Logger.With().Str("component", "engine").Logger()
	if err != nil {
		log.Error().Err(err).Msg("config reload failed")
		return
	}
	log.Info().Strs("changes", changes).Msg("configuration reloaded")
}

// Run starts the engine if Start has not been called yet and blocks until a
// shutdown signal is received. SIGHUP triggers a config reload.
func (e *Engine) Run() error {
	if e.StartedAt.IsZero() {
		if err := e.Start(); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				e.Reload()
				continue
			}
			e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			return e.Shutdown()
		case <-e.ctx.Done():
			return e.Shutdown()
		}
	}
}

// Shutdown cancels background tasks, waits for them and closes the bus.
func (e *Engine) Shutdown() error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		e.Logger.Warn().Msg("background tasks did not stop within 10s")
	}

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			return fmt.Errorf("closing event bus: %w", err)
		}
	}
	e.Logger.Info().Msg("reqguard engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Uptime returns the time since Start.
func (e *Engine) Uptime() time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	return time.Since(e.StartedAt)
}
