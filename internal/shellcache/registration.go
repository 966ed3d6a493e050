package shellcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

type RegistrationOpts struct {
	Storage Storage
	Fetcher Fetcher

	// Optional.
	Logger *zap.Logger
	Events *Bus[Event]

	metrics *metrics
}

func (opts *RegistrationOpts) Init() error {
	if opts.Storage == nil {
		return errors.New(errors.CodeInvalidConfig, "nil storage")
	}
	if opts.Fetcher == nil {
		return errors.New(errors.CodeInvalidConfig, "nil fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Events == nil {
		opts.Events = NewBus[Event]()
	}
	if opts.metrics == nil {
		opts.metrics = newMetrics(nil)
	}
	return nil
}

// Registration owns the worker currently in control. A new worker takes
// over only after it installed and activated.
type Registration struct {
	opts RegistrationOpts

	updateMu sync.Mutex
	active   atomic.Pointer[Worker]
	// retired tracks replaced workers until their background work is done.
	retired sync.WaitGroup
}

func NewRegistration(opts RegistrationOpts) (*Registration, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Registration{opts: opts}, nil
}

// Events is the bus lifecycle events are published on.
func (r *Registration) Events() *Bus[Event] { return r.opts.Events }

// Active returns the worker in control, or nil before the first
// successful Update.
func (r *Registration) Active() *Worker { return r.active.Load() }

// Update installs a worker for cfg. On install failure the previous worker
// stays in control. On success the new worker activates at once and claims
// every later request.
func (r *Registration) Update(ctx context.Context, cfg *Config) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	w, err := NewWorker(WorkerOpts{
		Config:  cfg,
		Storage: r.opts.Storage,
		Fetcher: r.opts.Fetcher,
		Logger:  r.opts.Logger,
		Events:  r.opts.Events,
		metrics: r.opts.metrics,
	})
	if err != nil {
		return err
	}

	if err := w.Router().DispatchInstall(ctx); err != nil {
		if prev := r.active.Load(); prev != nil {
			r.opts.Logger.Warn("install failed, previous version stays active",
				zap.String("version", cfg.Cache.Version), zap.String("active", prev.Version()), zap.Error(err))
		}
		return fmt.Errorf("install %s: %w", cfg.Cache.Version, err)
	}

	if err := w.Router().DispatchActivate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", cfg.Cache.Version, err)
	}

	prev := r.active.Swap(w)
	if prev != nil && prev != w {
		r.opts.Logger.Info("worker replaced", zap.String("from", prev.Version()), zap.String("to", w.Version()))
		r.retired.Add(1)
		go func() {
			defer r.retired.Done()
			prev.Wait()
		}()
	}
	return nil
}

// Close waits for background work of the active worker and of every worker
// it replaced.
func (r *Registration) Close() {
	if w := r.active.Load(); w != nil {
		w.Wait()
	}
	r.retired.Wait()
}
