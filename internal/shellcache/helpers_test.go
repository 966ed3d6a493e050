package shellcache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.test"

// fakeOrigin is an in-memory network. Unknown urls answer 404.
type fakeOrigin struct {
	mu      sync.Mutex
	offline bool
	bodies  map[string]string
	status  map[string]int
	calls   map[string]int
	methods []string
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		bodies: map[string]string{},
		status: map[string]int{},
		calls:  map[string]int{},
	}
}

// withShell serves every default app shell asset.
func (o *fakeOrigin) withShell() *fakeOrigin {
	for _, a := range defaultAssets {
		o.set(testOrigin+a, "asset "+a)
	}
	return o
}

func (o *fakeOrigin) set(rawURL, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[rawURL] = body
	delete(o.status, rawURL)
}

func (o *fakeOrigin) setStatus(rawURL string, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[rawURL] = code
}

func (o *fakeOrigin) setOffline(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = v
}

func (o *fakeOrigin) count(rawURL string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[rawURL]
}

func (o *fakeOrigin) Fetch(_ context.Context, req *http.Request) (CacheEntry, error) {
	u := normalizeURL(req.URL)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[u]++
	o.methods = append(o.methods, req.Method)
	if o.offline {
		return CacheEntry{}, errors.New(errors.CodeNetwork, "offline")
	}

	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	body, ok := o.bodies[u]
	status := http.StatusOK
	if !ok {
		body, status = "not found", http.StatusNotFound
	}
	if code, ok := o.status[u]; ok {
		status = code
	}
	return CacheEntry{
		Method: req.Method,
		URL:    u,
		Status: status,
		Header: h,
		Body:   []byte(body),
	}, nil
}

// countingStorage records every cache handle handed out.
type countingStorage struct {
	Storage
	opens atomic.Int64
}

func (s *countingStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.opens.Add(1)
	return s.Storage.Open(ctx, name)
}

func testConfig(t *testing.T, mutate ...func(*Config)) *Config {
	t.Helper()
	cfg := new(Config)
	cfg.Server.Origin = testOrigin
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.prepare())
	return cfg
}

func newTestWorker(t *testing.T, st Storage, f Fetcher, mutate ...func(*Config)) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerOpts{
		Config:  testConfig(t, mutate...),
		Storage: st,
		Fetcher: f,
	})
	require.NoError(t, err)
	t.Cleanup(w.Wait)
	return w
}

// installedWorker returns a worker that went through install and activate.
func installedWorker(t *testing.T, st Storage, f Fetcher, mutate ...func(*Config)) *Worker {
	t.Helper()
	w := newTestWorker(t, st, f, mutate...)
	ctx := context.Background()
	require.NoError(t, w.Router().DispatchInstall(ctx))
	require.NoError(t, w.Router().DispatchActivate(ctx))
	return w
}

func newRequest(t *testing.T, method, rawURL string, headers ...string) *http.Request {
	t.Helper()
	require.Zero(t, len(headers)%2, "headers come in pairs")
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader("payload")
	}
	req, err := http.NewRequestWithContext(context.Background(), method, rawURL, body)
	require.NoError(t, err)
	for i := 0; i < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func cachedBody(t *testing.T, st Storage, cacheName, key string) (string, bool) {
	t.Helper()
	c, err := st.Open(context.Background(), cacheName)
	require.NoError(t, err)
	ent, ok, err := c.Match(context.Background(), key)
	require.NoError(t, err)
	return string(ent.Body), ok
}
