package containercodes

import (
	"context"
	"errors"
	"log/slog"
)

// Option configures a System.
type Option func(*System) error

// Storer is the minimal store interface held by the System. It covers
// lifecycle operations only; the full job store contract lives in the job
// package so that backends can implement it without import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// System is the central coordinator for the job-execution core. It holds
// the configuration, the store, and references to subsystem components via
// internal interfaces to avoid import cycles. Use engine.Build to wire the
// subsystems together.
type System struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new System with the given options.
func New(opts ...Option) (*System, error) {
	s := &System{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Logger returns the system's logger.
func (s *System) Logger() *slog.Logger { return s.logger }

// Store returns the system's store.
func (s *System) Store() Storer { return s.store }

// Config returns a copy of the system's configuration.
func (s *System) Config() Config { return s.config }

// SetPool sets the worker pool (called by the engine package).
func (s *System) SetPool(p poolRunner) { s.pool = p }

// SetExtensions sets the extension emitter (called by the engine package).
func (s *System) SetExtensions(e extensionEmitter) { s.extensions = e }

// Start begins job processing.
func (s *System) Start(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("containercodes: system not wired; call engine.Build first")
	}
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the system.
func (s *System) Stop(ctx context.Context) error {
	if s.pool != nil && s.started {
		if err := s.pool.Stop(ctx); err != nil {
			s.logger.Error("pool stop error", "error", err)
		}
	}
	if s.extensions != nil {
		s.extensions.EmitShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(s *System) error {
		s.config = cfg
		return nil
	}
}

// WithWorkers sets the number of worker goroutines in the pool.
func WithWorkers(n int) Option {
	return func(s *System) error {
		s.config.Workers = n
		return nil
	}
}

// WithMaxConcurrentJobs sets the global executing-phase concurrency bound.
func WithMaxConcurrentJobs(n int) Option {
	return func(s *System) error {
		s.config.MaxConcurrentJobs = n
		return nil
	}
}

// WithTierWeights sets the priority tier weights for scheduling rounds.
func WithTierWeights(w TierWeights) Option {
	return func(s *System) error {
		s.config.Weights = w
		return nil
	}
}

// WithLogger sets the structured logger for the system.
func WithLogger(l *slog.Logger) Option {
	return func(s *System) error {
		s.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the system. The store must
// implement Storer at minimum; typically it also implements job.Store.
func WithStore(st Storer) Option {
	return func(s *System) error {
		s.store = st
		return nil
	}
}
