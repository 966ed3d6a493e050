package shellcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key layout:
//
//	n:<cache>           -> creation time, 8 bytes big endian unix nanos
//	e:<cache>\x00<key>  -> gob CacheEntry
//	m:<cache>\x00<key>  -> gob diskMeta
const (
	prefixName  = "n:"
	prefixEntry = "e:"
	prefixMeta  = "m:"
	keySep      = "\x00"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
	// Pinned entries were written by PutAll and are never evicted.
	Pinned bool
}

type levelStorage struct {
	maxBytes int64
	logger   *zap.Logger

	db *leveldb.DB

	// wmu serializes batch writes with the reads they depend on.
	wmu sync.Mutex

	mu        sync.Mutex
	names     map[string]int64
	index     map[string]diskMeta // keyed by <cache>\x00<key>
	totalSize int64
}

func newLevelStorage(path string, maxBytes int64, lg *zap.Logger) (*levelStorage, error) {
	if lg == nil {
		lg = nopLogger
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open leveldb %s", path)
	}
	s := &levelStorage{
		maxBytes: maxBytes,
		logger:   lg,
		db:       db,
		names:    map[string]int64{},
		index:    map[string]diskMeta{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStorage) loadIndex() error {
	names := map[string]int64{}
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixName)), nil)
	for it.Next() {
		v := it.Value()
		if len(v) != 8 {
			continue
		}
		names[string(bytes.TrimPrefix(it.Key(), []byte(prefixName)))] = int64(binary.BigEndian.Uint64(v))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load cache names")
	}

	var total int64
	idx := map[string]diskMeta{}
	it = s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	for it.Next() {
		meta, err := unmarshalGob[diskMeta](it.Value())
		if err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load index")
	}

	s.mu.Lock()
	s.names = names
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *levelStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		created := time.Now().UnixNano()
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(created))
		if err := s.db.Put([]byte(prefixName+name), b[:], nil); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "create cache %s", name)
		}
		s.names[name] = created
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok, nil
}

func (s *levelStorage) Delete(_ context.Context, name string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	_, ok := s.names[name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixName + name))
	for _, p := range []string{prefixEntry, prefixMeta} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, errors.Wrapf(err, errors.CodeDatabase, "scan cache %s", name)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete cache %s", name)
	}

	s.mu.Lock()
	delete(s.names, name)
	pfx := name + keySep
	for id, meta := range s.index {
		if len(id) > len(pfx) && id[:len(pfx)] == pfx {
			s.totalSize -= meta.Size
			delete(s.index, id)
		}
	}
	s.mu.Unlock()
	return true, nil
}

func (s *levelStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if s.names[out[i]] != s.names[out[j]] {
			return s.names[out[i]] < s.names[out[j]]
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (s *levelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// write commits the batch and updates the size index for the puts it holds.
// Callers hold wmu.
func (s *levelStorage) write(batch *leveldb.Batch, puts map[string]diskMeta, dels []string) error {
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "leveldb write")
	}

	s.mu.Lock()
	for id, meta := range puts {
		s.totalSize += meta.Size - s.index[id].Size
		s.index[id] = meta
	}
	for _, id := range dels {
		if meta, ok := s.index[id]; ok {
			s.totalSize -= meta.Size
			delete(s.index, id)
		}
	}
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	if over {
		s.evictSome()
	}
	return nil
}

// evictSome drops the least recently accessed 10% of unpinned entries.
func (s *levelStorage) evictSome() {
	type item struct {
		id string
		m  diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for id, m := range s.index {
		if !m.Pinned {
			items = append(items, item{id, m})
		}
	}
	s.mu.Unlock()
	if len(items) == 0 {
		s.logger.Warn("leveldb cache over limit with only pinned entries")
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})
	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}

	batch := new(leveldb.Batch)
	dels := make([]string, 0, n)
	for _, it := range items[:n] {
		batch.Delete([]byte(prefixEntry + it.id))
		batch.Delete([]byte(prefixMeta + it.id))
		dels = append(dels, it.id)
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.logger.Warn("leveldb eviction failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	for _, id := range dels {
		if meta, ok := s.index[id]; ok {
			s.totalSize -= meta.Size
			delete(s.index, id)
		}
	}
	s.mu.Unlock()
	s.logger.Debug("leveldb cache evicted entries", zap.Int("count", len(dels)))
}

type levelCache struct {
	s    *levelStorage
	name string
}

func (c *levelCache) id(key string) string { return c.name + keySep + key }

func (c *levelCache) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	id := c.id(key)
	b, err := c.s.db.Get([]byte(prefixEntry+id), nil)
	if err == leveldb.ErrNotFound {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, errors.Wrap(err, errors.CodeDatabase, "leveldb get")
	}
	ent, err := unmarshalGob[CacheEntry](b)
	if err != nil {
		return CacheEntry{}, false, errors.Wrap(err, errors.CodeDatabase, "decode entry")
	}

	// Access times are kept in memory and persisted with the next write.
	c.s.mu.Lock()
	if meta, ok := c.s.index[id]; ok {
		meta.LastAccess = time.Now().Unix()
		c.s.index[id] = meta
	}
	c.s.mu.Unlock()
	return ent, true, nil
}

func (c *levelCache) Put(_ context.Context, key string, ent CacheEntry) error {
	return c.put(map[string]CacheEntry{key: ent}, false)
}

// PutAll pins what it stores. It fails without writing when the batch and
// the entries already pinned do not fit the size limit together.
func (c *levelCache) PutAll(_ context.Context, ents map[string]CacheEntry) error {
	return c.put(ents, true)
}

func (c *levelCache) put(ents map[string]CacheEntry, pin bool) error {
	type encoded struct {
		id   string
		body []byte
	}
	encs := make([]encoded, 0, len(ents))
	for key, ent := range ents {
		b, err := marshalGob(ent)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "encode entry %s", key)
		}
		encs = append(encs, encoded{id: c.id(key), body: b})
	}

	c.s.wmu.Lock()
	defer c.s.wmu.Unlock()

	now := time.Now().Unix()
	puts := make(map[string]diskMeta, len(encs))
	c.s.mu.Lock()
	var pinned int64
	for _, m := range c.s.index {
		if m.Pinned {
			pinned += m.Size
		}
	}
	for _, e := range encs {
		old := c.s.index[e.id]
		if old.Pinned {
			pinned -= old.Size
		}
		meta := diskMeta{Size: int64(len(e.body)), LastAccess: now, Pinned: pin || old.Pinned}
		if meta.Pinned {
			pinned += meta.Size
		}
		puts[e.id] = meta
	}
	_, named := c.s.names[c.name]
	c.s.mu.Unlock()
	if pin && c.s.maxBytes > 0 && pinned > c.s.maxBytes {
		return errors.Newf(errors.CodeDatabase, "leveldb cache %s: %d bytes of pinned entries exceed limit %d",
			c.name, pinned, c.s.maxBytes)
	}

	batch := new(leveldb.Batch)
	for _, e := range encs {
		mb, err := marshalGob(puts[e.id])
		if err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "encode meta %s", e.id)
		}
		batch.Put([]byte(prefixEntry+e.id), e.body)
		batch.Put([]byte(prefixMeta+e.id), mb)
	}

	// A write through a handle whose cache was deleted registers the name
	// again so the entries stay listable and prunable.
	if !named {
		if _, err := c.s.Open(context.Background(), c.name); err != nil {
			return err
		}
	}
	return c.s.write(batch, puts, nil)
}

func (c *levelCache) Delete(_ context.Context, key string) (bool, error) {
	c.s.wmu.Lock()
	defer c.s.wmu.Unlock()

	id := c.id(key)
	ok, err := c.s.db.Has([]byte(prefixEntry+id), nil)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "leveldb has")
	}
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + id))
	batch.Delete([]byte(prefixMeta + id))
	if err := c.s.write(batch, nil, []string{id}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *levelCache) Keys(_ context.Context) ([]string, error) {
	pfx := []byte(prefixEntry + c.name + keySep)
	it := c.s.db.NewIterator(util.BytesPrefix(pfx), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), pfx)))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list keys")
	}
	return out, nil
}
