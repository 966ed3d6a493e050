package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(rawURL, body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Add("Vary", "Accept")
	h.Add("Vary", "Authorization")
	return CacheEntry{
		Method:   http.MethodGet,
		URL:      rawURL,
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(body),
		StoredAt: 1700000000,
		Hash32:   42,
	}
}

// testStorageContract exercises the behavior every backend shares.
func testStorageContract(t *testing.T, st Storage) {
	ctx := context.Background()

	t.Run("open creates and lists in order", func(t *testing.T) {
		for _, name := range []string{"c-old", "c-static", "c-dynamic"} {
			_, err := st.Open(ctx, name)
			require.NoError(t, err)
		}
		_, err := st.Open(ctx, "c-old")
		require.NoError(t, err)

		names, err := st.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c-old", "c-static", "c-dynamic"}, names)

		ok, err := st.Has(ctx, "c-static")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.Has(ctx, "c-missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put match delete", func(t *testing.T) {
		c, err := st.Open(ctx, "c-static")
		require.NoError(t, err)

		key := requestKey(http.MethodGet, testOrigin+"/api/wallets")
		_, ok, err := c.Match(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		want := testEntry(testOrigin+"/api/wallets", `[{"id":1}]`)
		require.NoError(t, c.Put(ctx, key, want))

		got, ok, err := c.Match(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)

		// keys with the same url and another method do not match
		_, ok, err = c.Match(ctx, requestKey(http.MethodHead, testOrigin+"/api/wallets"))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.Put(ctx, key, testEntry(testOrigin+"/api/wallets", `[]`)))
		got, _, err = c.Match(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(got.Body))

		deleted, err := c.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = c.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("put all and keys", func(t *testing.T) {
		c, err := st.Open(ctx, "c-dynamic")
		require.NoError(t, err)
		ents := map[string]CacheEntry{
			"GET " + testOrigin + "/a": testEntry(testOrigin+"/a", "a"),
			"GET " + testOrigin + "/b": testEntry(testOrigin+"/b", "b"),
			"GET " + testOrigin + "/c": testEntry(testOrigin+"/c", "c"),
		}
		require.NoError(t, c.PutAll(ctx, ents))

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			"GET " + testOrigin + "/a",
			"GET " + testOrigin + "/b",
			"GET " + testOrigin + "/c",
		}, keys)
	})

	t.Run("caches are isolated", func(t *testing.T) {
		c, err := st.Open(ctx, "c-old")
		require.NoError(t, err)
		_, ok, err := c.Match(ctx, "GET "+testOrigin+"/a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete cache", func(t *testing.T) {
		deleted, err := st.Delete(ctx, "c-dynamic")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = st.Delete(ctx, "c-dynamic")
		require.NoError(t, err)
		assert.False(t, deleted)

		names, err := st.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c-old", "c-static"}, names)

		c, err := st.Open(ctx, "c-dynamic")
		require.NoError(t, err)
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestMemStorage(t *testing.T) {
	testStorageContract(t, newMemStorage(0, nil))
}

func TestMemCache_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := newMemStorage(0, nil)
	c, err := st.Open(ctx, "c")
	require.NoError(t, err)

	ent := testEntry(testOrigin+"/x", "original")
	require.NoError(t, c.Put(ctx, "k", ent))
	ent.Body[0] = 'X'

	got, _, err := c.Match(ctx, "k")
	require.NoError(t, err)
	got.Header.Set("Content-Type", "text/plain")
	got.Body[0] = 'Y'

	again, _, err := c.Match(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again.Body))
	assert.Equal(t, "application/json", again.Header.Get("Content-Type"))
}

func TestMemCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	one := CacheEntry{Body: make([]byte, 100)}
	limit := 3 * one.size()
	st := newMemStorage(limit, nil)
	c, err := st.Open(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "a", one))
	require.NoError(t, c.Put(ctx, "b", one))
	require.NoError(t, c.Put(ctx, "c", one))

	// touch a so b is the oldest
	_, ok, err := c.Match(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, "d", one))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, keys)
}

func TestMemCache_PutAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	one := CacheEntry{Body: make([]byte, 100)}
	st := newMemStorage(3*one.size(), nil)
	c, err := st.Open(ctx, "c")
	require.NoError(t, err)

	err = c.PutAll(ctx, map[string]CacheEntry{"a": one, "b": one, "c": one, "d": one})
	require.Error(t, err)
	assert.Equal(t, errors.CodeDatabase, errors.GetCode(err))
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, c.PutAll(ctx, map[string]CacheEntry{"a": one, "b": one}))
	// replacing pinned keys does not count them twice
	require.NoError(t, c.PutAll(ctx, map[string]CacheEntry{"a": one, "b": one, "c": one}))
	require.Error(t, c.PutAll(ctx, map[string]CacheEntry{"d": one}))
}

func TestMemCache_EvictionSparesPinnedEntries(t *testing.T) {
	ctx := context.Background()
	one := CacheEntry{Body: make([]byte, 100)}
	st := newMemStorage(4*one.size(), nil)
	c, err := st.Open(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, c.PutAll(ctx, map[string]CacheEntry{"shell-1": one, "shell-2": one}))

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("rt-%d", i), one))
	}

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "shell-1")
	assert.Contains(t, keys, "shell-2")
	assert.Contains(t, keys, "rt-19")
	assert.LessOrEqual(t, len(keys), 4)

	// a runtime entry that only fits by evicting pinned ones is skipped
	require.NoError(t, c.Put(ctx, "huge", CacheEntry{Body: make([]byte, 3*100)}))
	_, ok, err := c.Match(ctx, "huge")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Match(ctx, "shell-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemCache_SkipsOversizedEntry(t *testing.T) {
	ctx := context.Background()
	st := newMemStorage(64, nil)
	c, err := st.Open(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "big", CacheEntry{Body: make([]byte, 1024)}))
	_, ok, err := c.Match(ctx, "big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStorage_DeletedHandleIsOrphaned(t *testing.T) {
	ctx := context.Background()
	st := newMemStorage(0, nil)
	old, err := st.Open(ctx, "c")
	require.NoError(t, err)
	_, err = st.Delete(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, old.Put(ctx, "k", CacheEntry{Status: 200}))

	fresh, err := st.Open(ctx, "c")
	require.NoError(t, err)
	_, ok, err := fresh.Match(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
