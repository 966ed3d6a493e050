package shellcache

import (
	"context"
	"io"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Storage is a set of named caches. Every operation is atomic on its own;
// nothing serializes a sequence of operations.
type Storage interface {
	// Open returns the named cache, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache with all its entries. It reports
	// whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists cache names in creation order.
	Keys(ctx context.Context) ([]string, error)
	io.Closer
}

// Cache maps request keys to stored responses.
type Cache interface {
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
	// PutAll stores every entry or none of them. Size-bounded backends
	// keep its entries out of eviction.
	PutAll(ctx context.Context, ents map[string]CacheEntry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// OpenStorage builds the backend selected by cfg.Storage.
func OpenStorage(cfg *Config, lg *zap.Logger) (Storage, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case BackendLevelDB:
		return newLevelStorage(sc.LevelDB.Path, sc.levelMax, lg)
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		return NewRedisStorage(RedisStorageOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: sc.redisTTL,
			Prefix:        sc.Redis.Prefix,
			Logger:        lg,
		})
	default:
		return newMemStorage(sc.memMax, lg), nil
	}
}
