package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// install fetches the whole app shell and commits it to the static
// generation in one write. A single failed asset fails the install and
// leaves the static cache untouched.
func (w *Worker) install(ctx context.Context) error {
	urls, err := w.precacheURLs(ctx)
	if err != nil {
		w.publish(Event{Kind: EventInstallFailed, Cache: w.staticName, Err: err})
		return err
	}

	var mu sync.Mutex
	entries := make(map[string]CacheEntry, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Precache.Concurrency)
	for _, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return errors.Wrapf(err, errors.CodeInvalidConfig, "precache %s", u)
			}
			ent, err := w.fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if !ent.OK() {
				return errors.Newf(errors.CodeNotFound, "precache %s: unexpected status %d", u, ent.Status)
			}
			mu.Lock()
			entries[requestKey(http.MethodGet, u)] = ent
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.publish(Event{Kind: EventInstallFailed, Cache: w.staticName, Err: err})
		return err
	}

	c, err := w.opts.Storage.Open(ctx, w.staticName)
	if err == nil {
		err = c.PutAll(ctx, entries)
	}
	if err != nil {
		w.storeErr("put_all", w.staticName, err)
		w.publish(Event{Kind: EventInstallFailed, Cache: w.staticName, Err: err})
		return err
	}

	w.logger.Info("app shell precached", zap.String("cache", w.staticName), zap.Int("assets", len(entries)))
	w.publish(Event{Kind: EventInstalled, Cache: w.staticName, Count: len(entries)})
	return nil
}

// activate deletes every cache that is not one of this worker's two
// generations. Failures are logged and cleanup goes on.
func (w *Worker) activate(ctx context.Context) error {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.storeErr("keys", "", err)
		names = nil
	}

	deleted := 0
	for _, name := range names {
		if name == w.staticName || name == w.dynamicName {
			continue
		}
		ok, err := w.opts.Storage.Delete(ctx, name)
		if err != nil {
			w.storeErr("delete", name, err)
			continue
		}
		if ok {
			deleted++
			w.logger.Info("deleted old cache", zap.String("cache", name))
			w.publish(Event{Kind: EventCacheDeleted, Cache: name})
		}
	}

	w.publish(Event{Kind: EventActivated, Count: deleted})
	return nil
}
