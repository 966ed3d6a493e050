package shellcache

import (
	"context"

	"go.uber.org/zap"
)

// MessageClearAuthCache asks the worker to purge auth responses from the
// dynamic cache.
const MessageClearAuthCache = "CLEAR_AUTH_CACHE"

// Message is sent by the application to the active worker. Reply, when
// set, receives exactly one ClearReply for recognized messages.
type Message struct {
	Type  string            `json:"type"`
	Reply chan<- ClearReply `json:"-"`
}

type ClearReply struct {
	Cleared bool `json:"cleared"`
}

// HandleMessage answers recognized messages and ignores the rest.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageClearAuthCache:
		n, err := w.clearAuthCache(ctx)
		if err != nil {
			w.logger.Warn("clearing auth cache failed", zap.Int("deleted", n), zap.Error(err))
		}
		reply(ctx, msg.Reply, ClearReply{Cleared: err == nil})
	default:
		w.logger.Debug("ignoring message", zap.String("type", msg.Type))
	}
}

// clearAuthCache deletes every dynamic entry whose url holds an auth
// marker. It stops at the first error.
func (w *Worker) clearAuthCache(ctx context.Context) (int, error) {
	c, err := w.opts.Storage.Open(ctx, w.dynamicName)
	if err != nil {
		return 0, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if _, u := splitKey(k); !w.routes.IsAuth(u) {
			continue
		}
		if _, err := c.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	w.publish(Event{Kind: EventAuthCacheCleared, Cache: w.dynamicName, Count: n})
	return n, nil
}

func reply(ctx context.Context, ch chan<- ClearReply, r ClearReply) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	case <-ctx.Done():
	}
}
