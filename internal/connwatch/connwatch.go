// Package connwatch tracks whether the services nakari depends on are
// reachable: the LLM backend, the embedding backend and the MQTT
// broker. The agent loop never blocks on these checks. They feed the
// /health endpoint, log lines and bus events so an operator can see why
// the model stopped answering.
//
// httpkit retries individual dial failures within a request. connwatch
// covers the longer outages in between: restarts, partitions, a laptop
// waking up.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/nakari/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the startup retry schedule and the background
// poll interval.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // ceiling for backoff growth (default 60s)
	Multiplier   float64       // growth per retry (default 2.0)
	MaxRetries   int           // startup attempts before polling (default 10)

	// PollInterval is the background check interval once startup has
	// either connected or given up (default 60s).
	PollInterval time.Duration

	ProbeTimeout time.Duration // per probe (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup attempts and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and /health
	// (e.g. "llm", "embeddings", "mqtt").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition
	// and must not block indefinitely. Optional.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service as served by /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	config WatcherConfig
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Info("service connected", "service", w.config.Name, "after_attempts", attempt)
			break
		}
		if attempt == cfg.MaxRetries {
			logger.Warn("service unreachable at startup, polling in background",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && !w.ready.Load() {
				logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
			}
		}
	}
}

// check probes once, records the result and fires transition hooks.
// A cancelled probe is not recorded so shutdown never reports a service
// as down.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case err == nil && !w.ready.Swap(true):
		w.transition(true, nil)
	case err != nil && w.ready.Swap(false):
		w.transition(false, err)
	}
	return err
}

func (w *Watcher) transition(ready bool, err error) {
	name := w.config.Name
	if ready {
		w.config.Logger.Info("service ready", "service", name)
		w.bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{"service": name})
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
		return
	}

	w.config.Logger.Warn("service became unreachable", "service", name, "error", err)
	w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
		"service": name,
		"error":   err.Error(),
	})
	if w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for every configured service.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a Manager. Transitions are published on bus, which
// may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. An empty Name or nil Probe is a programming error and panics.
// Watching a name twice replaces and stops the earlier watcher.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched service is ready, and the
// sorted names of those that are not.
func (m *Manager) Healthy() (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var down []string
	for name, w := range m.watchers {
		if !w.IsReady() {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return len(down) == 0, down
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
