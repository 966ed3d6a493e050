package shellcache

import (
	"net/http"
	"net/url"
	"strings"
)

// CacheEntry is a response snapshot as it was read from the network.
// Entries are values: every read from a Cache returns an independent copy.
type CacheEntry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports whether the status is in the 2xx range.
func (e CacheEntry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

// size is an approximation of the memory held by the entry.
func (e CacheEntry) size() int64 {
	n := len(e.Method) + len(e.URL) + len(e.Body) + 32
	for k, vs := range e.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

// requestKey identifies a cache entry. Only the method and the absolute URL
// take part in matching.
func requestKey(method, rawURL string) string {
	return method + " " + rawURL
}

func requestKeyFor(r *http.Request) string {
	return requestKey(r.Method, normalizeURL(r.URL))
}

// splitKey is the inverse of requestKey.
func splitKey(key string) (method, rawURL string) {
	i := strings.IndexByte(key, ' ')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

func normalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
