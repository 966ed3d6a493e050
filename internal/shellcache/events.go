package shellcache

import (
	"sort"
	"sync"
)

// Bus is a publish-subscribe hub. The zero value is not usable; a nil *Bus
// drops every event.
type Bus[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]func(T){}}
}

// Subscribe registers fn. The returned function removes it and is safe to
// call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish calls every subscriber in subscription order on the caller's
// goroutine. Subscribers may subscribe or unsubscribe while being called.
func (b *Bus[T]) Publish(ev T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = b.subs[id]
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type EventKind string

const (
	EventInstalled        EventKind = "installed"
	EventInstallFailed    EventKind = "install-failed"
	EventActivated        EventKind = "activated"
	EventCacheDeleted     EventKind = "cache-deleted"
	EventAuthCacheCleared EventKind = "auth-cache-cleared"
)

// Event describes a lifecycle transition of a worker.
type Event struct {
	Kind    EventKind
	Version string
	Cache   string
	Count   int
	Err     error
}
