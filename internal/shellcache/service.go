package shellcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const maxRequestBody = 32 << 20

type ServiceOpts struct {
	Config *Config

	// Optional. Storage defaults to the backend named in Config and is
	// closed with the service; a caller-provided Storage is not.
	Logger     *zap.Logger
	Storage    Storage
	Fetcher    Fetcher
	Registerer prometheus.Registerer
}

// Service is the HTTP face of the caching layer. It resolves every incoming
// request to a network request and hands it to the active worker.
type Service struct {
	cfg    atomic.Pointer[Config]
	logger *zap.Logger

	storage     Storage
	ownsStorage bool
	fetcher     Fetcher
	reg         *Registration

	stats *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "nil config")
	}
	cfg := opts.Config
	lg := opts.Logger
	if lg == nil {
		lg = nopLogger
	}

	s := &Service{
		logger:  lg,
		storage: opts.Storage,
		fetcher: opts.Fetcher,
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}
	s.cfg.Store(cfg)

	if s.storage == nil {
		st, err := OpenStorage(cfg, lg.Named("storage"))
		if err != nil {
			return nil, err
		}
		s.storage = st
		s.ownsStorage = true
	}
	if s.fetcher == nil {
		s.fetcher = NewHTTPFetcher(nil, cfg.fetchTimeout)
	}

	reg, err := NewRegistration(RegistrationOpts{
		Storage: s.storage,
		Fetcher: s.fetcher,
		Logger:  lg.Named("worker"),
		metrics: newMetrics(opts.Registerer),
	})
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.reg = reg

	if every := cfg.statsEvery; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Start installs and activates the worker for the initial config. When it
// fails the service keeps forwarding requests to the network.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.cfg.Load()
	if err := s.reg.Update(ctx, cfg); err != nil {
		return err
	}
	s.logger.Info("worker active",
		zap.String("static", cfg.StaticCacheName()), zap.String("dynamic", cfg.DynamicCacheName()))
	return nil
}

// Reload installs a worker for cfg. Server and storage settings only take
// effect on restart.
func (s *Service) Reload(ctx context.Context, cfg *Config) error {
	cur := s.cfg.Load()
	if cur.Server != cfg.Server || cur.Storage.Backend != cfg.Storage.Backend {
		s.logger.Warn("server and storage changes need a restart; keeping current values")
		cfg.Server = cur.Server
		cfg.origin = cur.origin
		rt, err := NewRoutes(cfg.origin, cfg.Routes)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "routes")
		}
		cfg.routes = rt
	}
	if err := s.reg.Update(ctx, cfg); err != nil {
		return err
	}
	s.cfg.Store(cfg)
	s.logger.Info("config reloaded", zap.String("version", cfg.Cache.Version))
	return nil
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.reg.Close()
		s.closeStorage()
	})
	return nil
}

func (s *Service) closeStorage() {
	if !s.ownsStorage {
		return
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("closing storage", zap.Error(err))
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, cfg.Server.ControlPath+"/") {
		s.handleControl(w, r, cfg)
		return
	}

	req, err := outboundRequest(r, cfg)
	if err != nil {
		setCacheHeaders(w.Header(), "bad-request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var (
		resp    Response
		handled bool
	)
	if wk := s.reg.Active(); wk != nil {
		resp, handled = wk.Router().DispatchFetch(r.Context(), req)
	}
	if !handled {
		resp = s.passThrough(r.Context(), req)
	}
	s.writeResponse(w, resp)
}

// outboundRequest builds the network request for r. Absolute-form requests
// keep their target; origin-form requests go to the application origin.
func outboundRequest(r *http.Request, cfg *Config) (*http.Request, error) {
	target := cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			return nil, err
		}
		if len(b) > maxRequestBody {
			return nil, fmt.Errorf("request body too large")
		}
		if len(b) > 0 {
			body = bytes.NewReader(b)
		}
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, r.Header)
	return out, nil
}

// passThrough serves requests while no worker is active.
func (s *Service) passThrough(ctx context.Context, req *http.Request) Response {
	ent, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return badGatewayResponse()
	}
	return Response{Entry: ent, Outcome: OutcomeNetwork}
}

func (s *Service) writeResponse(w http.ResponseWriter, resp Response) {
	writeEntry(w, resp.Entry, resp.Outcome)
	switch resp.Outcome {
	case OutcomeBypass, OutcomeBadGateway, OutcomeNetworkError:
	default:
		s.stats.Observe(resp.FromCache(), len(resp.Entry.Body))
	}
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-shellcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Shellcache", outcome)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, "X-Shellcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request, cfg *Config) {
	switch strings.TrimPrefix(r.URL.Path, cfg.Server.ControlPath) {
	case "/message":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleMessage(w, r)
	case "/status":
		s.handleStatus(w, r)
	case "/health":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	default:
		http.NotFound(w, r)
	}
}

// handleMessage relays a message to the active worker. Messages the worker
// does not answer get 202 with no body.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
		s.logger.Debug("ignoring malformed message", zap.Error(err))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ch := make(chan ClearReply, 1)
	msg.Reply = ch

	wk := s.reg.Active()
	if wk == nil {
		if msg.Type == MessageClearAuthCache {
			writeJSON(w, http.StatusOK, ClearReply{Cleared: false})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	wk.Router().DispatchMessage(r.Context(), msg)
	select {
	case rep := <-ch:
		writeJSON(w, http.StatusOK, rep)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

type statusReply struct {
	Active  bool     `json:"active"`
	Version string   `json:"version,omitempty"`
	Static  string   `json:"static,omitempty"`
	Dynamic string   `json:"dynamic,omitempty"`
	Caches  []string `json:"caches"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := statusReply{Caches: []string{}}
	if wk := s.reg.Active(); wk != nil {
		out.Active = true
		out.Version = wk.Version()
		out.Static, out.Dynamic = wk.CacheNames()
	}
	names, err := s.storage.Keys(r.Context())
	if err != nil {
		s.logger.Warn("listing caches", zap.Error(err))
	} else {
		out.Caches = append(out.Caches, names...)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Int("cached_entries", s.cachedEntriesCount()),
				zap.Uint64("served", ss.Served),
				zap.String("cache_ratio", fmt.Sprintf("%.2f", ss.CacheRatio())),
				zap.String("resp_min_avg_max", fmt.Sprintf("%s/%s/%s",
					formatBytes(ss.MinBytes), formatBytes(ss.AvgBytes), formatBytes(ss.MaxBytes))),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.logger.Info("stats", fields...)
		}
	}
}

func (s *Service) cachedEntriesCount() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	names, err := s.storage.Keys(ctx)
	if err != nil {
		return 0
	}
	total := 0
	for _, name := range names {
		c, err := s.storage.Open(ctx, name)
		if err != nil {
			continue
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			continue
		}
		total += len(keys)
	}
	return total
}
