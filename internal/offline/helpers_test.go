package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/upstream"
)

var errOffline = errors.New("dial tcp: connect: connection refused")

var dashboardAssets = []string{
	"/dashboard",
	"/dashboard/index.html",
	"/dashboard/manifest.json",
	"/display/manifest.json",
}

// stubFetcher 模拟源站：按 target 返回固定内容，可整体切换为离线。
type stubFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	offline bool
	calls   map[string]int
}

func newStubFetcher(bodies map[string]string) *stubFetcher {
	return &stubFetcher{
		bodies: bodies,
		status: map[string]int{},
		calls:  map[string]int{},
	}
}

func assetBodies(prefix string) map[string]string {
	out := make(map[string]string, len(dashboardAssets))
	for _, asset := range dashboardAssets {
		out[asset] = prefix + asset
	}
	return out
}

func (f *stubFetcher) Fetch(ctx context.Context, req upstream.Request) (*cache.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Target]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.offline {
		return nil, errOffline
	}
	status := http.StatusOK
	if s, ok := f.status[req.Target]; ok {
		status = s
	}
	body, ok := f.bodies[req.Target]
	if !ok {
		status = http.StatusNotFound
	}
	return &cache.Response{
		URL:        "http://origin.local" + req.Target,
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
	}, nil
}

func (f *stubFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *stubFetcher) setBody(target, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[target] = body
}

func (f *stubFetcher) setStatus(target string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[target] = status
}

func (f *stubFetcher) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func newStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func defaultOptions(generation string) Options {
	return Options{
		Generation:  generation,
		Assets:      dashboardAssets,
		Exclude:     []string{"/api/", "/ws"},
		Concurrency: 2,
	}
}

// activeController 安装并激活一个控制器，返回控制器与其 fetcher。
func activeController(t *testing.T, store cache.Store, generation string) (*Controller, *stubFetcher) {
	t.Helper()
	fetcher := newStubFetcher(assetBodies(generation))
	ctrl, err := New(Deps{Store: store, Fetcher: fetcher}, defaultOptions(generation))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := ctrl.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return ctrl, fetcher
}

func generationKeys(t *testing.T, store cache.Store, name string) []string {
	t.Helper()
	gen, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}
