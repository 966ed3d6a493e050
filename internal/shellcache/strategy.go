package shellcache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Outcomes label how a response was produced.
const (
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
	OutcomeNetwork       = "network"
	OutcomeCacheFallback = "cache-fallback"
	OutcomeOffline       = "offline"
	OutcomeNetworkError  = "network-error"
	OutcomeBypass        = "bypass"
	OutcomeBadGateway    = "bad-gateway"
)

// Response is what a strategy hands back to the client.
type Response struct {
	Entry   CacheEntry
	Outcome string
}

// FromCache reports whether the body came out of a cache store.
func (r Response) FromCache() bool {
	switch r.Outcome {
	case OutcomeHit, OutcomeCacheFallback, OutcomeOffline:
		return true
	}
	return false
}

func networkErrorResponse() Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Entry: CacheEntry{
			Status:   http.StatusRequestTimeout,
			Header:   h,
			Body:     []byte("Network error"),
			StoredAt: time.Now().Unix(),
		},
		Outcome: OutcomeNetworkError,
	}
}

func badGatewayResponse() Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Entry: CacheEntry{
			Status:   http.StatusBadGateway,
			Header:   h,
			Body:     []byte("bad gateway\n"),
			StoredAt: time.Now().Unix(),
		},
		Outcome: OutcomeBadGateway,
	}
}

// isNavigation reports whether req loads a full page.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// bypass forwards req without reading or writing any cache.
func (w *Worker) bypass(ctx context.Context, req *http.Request) Response {
	ent, err := w.fetch(ctx, req)
	if err != nil {
		w.logger.Debug("bypass fetch failed", zap.String("url", req.URL.String()), zap.Error(err))
		return badGatewayResponse()
	}
	return Response{Entry: ent, Outcome: OutcomeBypass}
}

// networkOnly serves requests that may not be cached on a caching route.
func (w *Worker) networkOnly(ctx context.Context, req *http.Request) Response {
	ent, err := w.fetch(ctx, req)
	if err != nil {
		return networkErrorResponse()
	}
	return Response{Entry: ent, Outcome: OutcomeNetwork}
}

// offline returns the precached offline page.
func (w *Worker) offline(ctx context.Context) Response {
	if ent, ok := w.match(ctx, w.staticName, w.offlineKey); ok {
		return Response{Entry: ent, Outcome: OutcomeOffline}
	}
	w.logger.Warn("offline page missing from static cache", zap.String("cache", w.staticName))
	return networkErrorResponse()
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) Response {
	key := requestKeyFor(req)
	if ent, ok := w.match(ctx, w.staticName, key); ok {
		return Response{Entry: ent, Outcome: OutcomeHit}
	}

	ent, err := w.fetch(ctx, req)
	if err != nil {
		w.logger.Debug("static asset fetch failed", zap.String("url", req.URL.String()), zap.Error(err))
		return w.offline(ctx)
	}
	if !ent.OK() {
		return Response{Entry: ent, Outcome: OutcomeNetwork}
	}
	_ = w.put(ctx, w.staticName, key, ent)
	return Response{Entry: ent, Outcome: OutcomeMiss}
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request) Response {
	key := requestKeyFor(req)
	if cached, ok := w.match(ctx, w.dynamicName, key); ok {
		w.revalidateAsync(key, req)
		return Response{Entry: cached, Outcome: OutcomeHit}
	}

	ent, err := w.fetchAndStore(ctx, req, w.dynamicName)
	if err != nil {
		return networkErrorResponse()
	}
	if !ent.OK() {
		return Response{Entry: ent, Outcome: OutcomeNetwork}
	}
	return Response{Entry: ent, Outcome: OutcomeMiss}
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) Response {
	key := requestKeyFor(req)
	ent, err := w.fetch(ctx, req)
	if err == nil {
		if ent.OK() && req.Method == http.MethodGet {
			_ = w.put(ctx, w.dynamicName, key, ent)
			return Response{Entry: ent, Outcome: OutcomeMiss}
		}
		return Response{Entry: ent, Outcome: OutcomeNetwork}
	}

	w.logger.Debug("network fetch failed, trying caches", zap.String("url", req.URL.String()), zap.Error(err))
	if cached, ok := w.matchAny(ctx, key); ok {
		return Response{Entry: cached, Outcome: OutcomeCacheFallback}
	}
	if isNavigation(req) {
		return w.offline(ctx)
	}
	return networkErrorResponse()
}

// fetchAndStore fetches req and writes 2xx responses into the named cache.
// The error is non-nil only when no response was received; a failed write
// is logged and does not fail the call.
func (w *Worker) fetchAndStore(ctx context.Context, req *http.Request, cacheName string) (CacheEntry, error) {
	ent, err := w.fetch(ctx, req)
	if err != nil {
		return CacheEntry{}, err
	}
	if ent.OK() {
		_ = w.put(ctx, cacheName, requestKeyFor(req), ent)
	}
	return ent, nil
}

// revalidateAsync refreshes key in the background. Concurrent refreshes of
// the same key share one fetch; when the background limit is reached the
// refresh is skipped.
func (w *Worker) revalidateAsync(key string, req *http.Request) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.opts.metrics.revalidations.WithLabelValues("skipped").Inc()
		return
	}

	tmpl := req.Clone(context.Background())
	timeout := w.cfg.revalidateTimeout

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()

		_, err, shared := w.revalidateSF.Do(key, func() (interface{}, error) {
			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return w.fetchAndStore(ctx, tmpl.WithContext(ctx), w.dynamicName)
		})

		result := "ok"
		switch {
		case shared:
			result = "shared"
		case err != nil:
			result = "error"
			w.logger.Debug("background revalidation failed", zap.String("key", key), zap.Error(err))
		}
		w.opts.metrics.revalidations.WithLabelValues(result).Inc()
	}()
}
