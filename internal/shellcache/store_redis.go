package shellcache

import (
	"context"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

type RedisStorageOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when the storage is closed.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout bounds every redis call. Default is 1s.
	ClientTimeout time.Duration

	// Prefix is prepended to every redis key. Default is "shellcache:".
	Prefix string

	// A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *RedisStorageOpts) Init() error {
	if opts.Client == nil {
		return errors.New(errors.CodeInvalidConfig, "nil redis client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = "shellcache:"
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// redisStorage keeps cache names in a sorted set scored by creation time and
// every cache in its own hash.
type redisStorage struct {
	opts RedisStorageOpts
}

func NewRedisStorage(opts RedisStorageOpts) (Storage, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &redisStorage{opts: opts}, nil
}

func (r *redisStorage) namesKey() string { return r.opts.Prefix + "caches" }

func (r *redisStorage) cacheKey(name string) string { return r.opts.Prefix + "cache:" + name }

func (r *redisStorage) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.opts.ClientTimeout)
}

func (r *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	z := &redis.Z{Score: float64(time.Now().UnixNano()), Member: name}
	if err := r.opts.Client.ZAddNX(ctx, r.namesKey(), z).Err(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "redis open cache %s", name)
	}
	return &redisCache{r: r, name: name, key: r.cacheKey(name)}, nil
}

func (r *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	err := r.opts.Client.ZScore(ctx, r.namesKey(), name).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "redis zscore")
	}
	return true, nil
}

func (r *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var removed *redis.IntCmd
	_, err := r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, r.namesKey(), name)
		p.Del(ctx, r.cacheKey(name))
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "redis delete cache %s", name)
	}
	return removed.Val() > 0, nil
}

func (r *redisStorage) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	names, err := r.opts.Client.ZRange(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "redis zrange")
	}
	return names, nil
}

func (r *redisStorage) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

type redisCache struct {
	r    *redisStorage
	name string
	key  string
}

func (c *redisCache) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	b, err := c.r.opts.Client.HGet(ctx, c.key, key).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, errors.Wrap(err, errors.CodeDatabase, "redis hget")
	}
	ent, err := unpackRedisValue(b)
	if err != nil {
		c.r.opts.Logger.Warn("redis data unpack error", zap.String("cache", c.name), zap.Error(err))
		return CacheEntry{}, false, nil
	}
	return ent, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	return c.PutAll(ctx, map[string]CacheEntry{key: ent})
}

func (c *redisCache) PutAll(ctx context.Context, ents map[string]CacheEntry) error {
	if len(ents) == 0 {
		return nil
	}
	values := make([]interface{}, 0, 2*len(ents))
	for k, ent := range ents {
		b, err := packRedisValue(ent)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "encode entry %s", k)
		}
		values = append(values, k, b)
	}

	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	_, err := c.r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, c.r.namesKey(), &redis.Z{Score: float64(time.Now().UnixNano()), Member: c.name})
		p.HSet(ctx, c.key, values...)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "redis hset")
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	n, err := c.r.opts.Client.HDel(ctx, c.key, key).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "redis hdel")
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	keys, err := c.r.opts.Client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "redis hkeys")
	}
	return keys, nil
}

// packRedisValue gob encodes ent and compresses it with snappy.
func packRedisValue(ent CacheEntry) ([]byte, error) {
	b, err := marshalGob(ent)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func unpackRedisValue(b []byte) (CacheEntry, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return CacheEntry{}, err
	}
	return unmarshalGob[CacheEntry](raw)
}
