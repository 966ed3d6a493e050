package shellcache

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// Fetcher performs network requests. Any HTTP status is a successful fetch;
// only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (CacheEntry, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (CacheEntry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (CacheEntry, error) {
	return f(ctx, req)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type httpFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher returns a Fetcher that gives up on requests taking longer
// than timeout. A zero timeout never gives up.
func NewHTTPFetcher(client *http.Client, timeout time.Duration) Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &httpFetcher{client: client, timeout: timeout}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *http.Request) (CacheEntry, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var body io.Reader
	if r.GetBody != nil {
		b, err := r.GetBody()
		if err != nil {
			return CacheEntry{}, errors.Wrap(err, errors.CodeInvalidInput, "read request body")
		}
		body = b
	} else if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}

	rawURL := normalizeURL(r.URL)
	req, err := http.NewRequestWithContext(ctx, r.Method, rawURL, body)
	if err != nil {
		return CacheEntry{}, errors.Wrap(err, errors.CodeInvalidInput, "build request")
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return CacheEntry{}, wrapFetchErr(ctx, err, rawURL)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, wrapFetchErr(ctx, err, rawURL)
	}

	ent := CacheEntry{
		Method:   r.Method,
		URL:      rawURL,
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

func wrapFetchErr(ctx context.Context, err error, rawURL string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.WithContext(errors.Wrap(err, errors.CodeTimeout, "fetch timed out"), "url", rawURL)
	}
	return errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "fetch failed"), "url", rawURL)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
