package shellcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var nopLogger = zap.NewNop()

type WorkerOpts struct {
	// Config must be prepared (LoadConfig or NewConfig).
	Config  *Config
	Storage Storage
	Fetcher Fetcher

	// Optional.
	Logger *zap.Logger
	Events *Bus[Event]

	metrics *metrics
}

func (opts *WorkerOpts) Init() error {
	if opts.Config == nil || opts.Config.routes == nil {
		return errors.New(errors.CodeInvalidConfig, "worker needs a prepared config")
	}
	if opts.Storage == nil {
		return errors.New(errors.CodeInvalidConfig, "nil storage")
	}
	if opts.Fetcher == nil {
		return errors.New(errors.CodeInvalidConfig, "nil fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.metrics == nil {
		opts.metrics = newMetrics(nil)
	}
	return nil
}

// Worker is one version of the caching layer: a pair of cache generations,
// the routes that feed them and the handlers for every worker event.
type Worker struct {
	opts   WorkerOpts
	cfg    *Config
	routes *Routes
	logger *zap.Logger
	router *Router

	staticName  string
	dynamicName string
	offlineKey  string

	revalidateSF singleflight.Group
	bgSem        chan struct{}
	wg           sync.WaitGroup
}

func NewWorker(opts WorkerOpts) (*Worker, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	offline, err := cfg.resolve(cfg.Precache.OfflinePage)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "precache.offline_page")
	}

	w := &Worker{
		opts:        opts,
		cfg:         cfg,
		routes:      cfg.routes,
		logger:      opts.Logger.With(zap.String("version", cfg.Cache.Version)),
		staticName:  cfg.StaticCacheName(),
		dynamicName: cfg.DynamicCacheName(),
		offlineKey:  requestKey(http.MethodGet, offline),
		bgSem:       make(chan struct{}, cfg.Cache.BackgroundLimit),
	}

	w.router = NewRouter()
	w.router.OnInstall(w.install)
	w.router.OnActivate(w.activate)
	w.router.OnMessage(w.HandleMessage)
	w.router.OnFetch(w.HandleFetch)
	return w, nil
}

func (w *Worker) Router() *Router { return w.router }

func (w *Worker) Version() string { return w.cfg.Cache.Version }

// CacheNames returns the static and dynamic generation names.
func (w *Worker) CacheNames() (static, dynamic string) {
	return w.staticName, w.dynamicName
}

// Wait blocks until background revalidations have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) publish(ev Event) {
	ev.Version = w.cfg.Cache.Version
	w.opts.metrics.lifecycle.WithLabelValues(string(ev.Kind)).Inc()
	w.opts.Events.Publish(ev)
}

// HandleFetch classifies req and runs the matching strategy.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) Response {
	st := w.routes.Classify(req.URL)

	var resp Response
	switch {
	case st == StrategyBypass:
		resp = w.bypass(ctx, req)
	case st != StrategyNetworkFirst && req.Method != http.MethodGet:
		resp = w.networkOnly(ctx, req)
	case st == StrategyCacheFirst:
		resp = w.cacheFirst(ctx, req)
	case st == StrategyStaleWhileRevalidate:
		resp = w.staleWhileRevalidate(ctx, req)
	default:
		resp = w.networkFirst(ctx, req)
	}

	w.opts.metrics.requests.WithLabelValues(st.String(), resp.Outcome).Inc()
	if ce := w.logger.Check(zap.DebugLevel, "fetch"); ce != nil {
		ce.Write(
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Stringer("strategy", st),
			zap.String("outcome", resp.Outcome),
			zap.Int("status", resp.Entry.Status),
		)
	}
	return resp
}

func (w *Worker) fetch(ctx context.Context, req *http.Request) (CacheEntry, error) {
	start := time.Now()
	ent, err := w.opts.Fetcher.Fetch(ctx, req)
	w.opts.metrics.fetchSeconds.Observe(time.Since(start).Seconds())
	return ent, err
}

// match looks key up in one cache. Storage errors count as a miss.
func (w *Worker) match(ctx context.Context, cacheName, key string) (CacheEntry, bool) {
	c, err := w.opts.Storage.Open(ctx, cacheName)
	if err != nil {
		w.storeErr("open", cacheName, err)
		return CacheEntry{}, false
	}
	ent, ok, err := c.Match(ctx, key)
	if err != nil {
		w.storeErr("match", cacheName, err)
		return CacheEntry{}, false
	}
	return ent, ok
}

// matchAny searches the static then the dynamic generation.
func (w *Worker) matchAny(ctx context.Context, key string) (CacheEntry, bool) {
	for _, name := range []string{w.staticName, w.dynamicName} {
		if ent, ok := w.match(ctx, name, key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

func (w *Worker) put(ctx context.Context, cacheName, key string, ent CacheEntry) error {
	c, err := w.opts.Storage.Open(ctx, cacheName)
	if err != nil {
		w.storeErr("open", cacheName, err)
		return err
	}
	if err := c.Put(ctx, key, ent.Clone()); err != nil {
		w.storeErr("put", cacheName, err)
		return err
	}
	return nil
}

func (w *Worker) storeErr(op, cacheName string, err error) {
	w.opts.metrics.storeErrors.WithLabelValues(op).Inc()
	w.logger.Warn("cache storage error", zap.String("op", op), zap.String("cache", cacheName), zap.Error(err))
}
