package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agas-ashram/swcache/internal/cache"
	"github.com/agas-ashram/swcache/internal/lifecycle"
	"github.com/agas-ashram/swcache/internal/logging"
)

// switchNetwork 在 offline 时模拟断网，其余情况透传给真实 client。
type switchNetwork struct {
	client  *http.Client
	offline atomic.Bool
	calls   atomic.Int32
}

func (n *switchNetwork) Do(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return n.client.Do(req)
}

type fixture struct {
	upstream *httptest.Server
	network  *switchNetwork
	storage  cache.Storage
	writer   *cache.AsyncWriter
	hits     atomic.Int32
	body     atomic.Value
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.body.Store("v1")
	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/broken"):
			http.Error(w, "boom", http.StatusInternalServerError)
		case r.URL.Path == "/missing":
			http.NotFound(w, r)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("posted"))
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = fmt.Fprintf(w, "%s:%s", r.URL.Path, f.body.Load())
		}
	}))
	t.Cleanup(f.upstream.Close)

	storage, err := cache.NewStorage(cache.BackendFS, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	f.storage = storage

	f.writer = cache.NewAsyncWriter(logging.Discard(), 16)
	t.Cleanup(f.writer.Close)

	f.network = &switchNetwork{client: f.upstream.Client()}
	return f
}

func (f *fixture) worker(t *testing.T, version string, manifest ...string) *Worker {
	t.Helper()
	locators, err := ResolveManifest(manifest, f.upstream.URL)
	require.NoError(t, err)
	w, err := New(Options{
		Storage:  f.storage,
		Writer:   f.writer,
		Network:  f.network,
		Logger:   logging.Discard(),
		Version:  version,
		Manifest: locators,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) get(t *testing.T, path string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, f.upstream.URL+path, nil)
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.writer.Drain(ctx))
}

func entries(t *testing.T, storage cache.Storage, name string) []cache.Entry {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	list, err := bucket.Entries(context.Background())
	require.NoError(t, err)
	return list
}

func TestNewRegistersAllHandlers(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	assert.Equal(t, map[string]string{
		"install":  "registered",
		"activate": "registered",
		"fetch":    "registered",
	}, w.Handlers())
	assert.Equal(t, lifecycle.StateParsed, w.State().State)
}

func TestNewValidatesOptions(t *testing.T) {
	f := newFixture(t)
	_, err := New(Options{Writer: f.writer, Network: f.network, Version: "v1"})
	assert.Error(t, err)
	_, err = New(Options{Storage: f.storage, Writer: f.writer, Network: f.network, Version: "../x"})
	assert.ErrorIs(t, err, cache.ErrInvalidBucket)
}

func TestInstallStoresManifest(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1", "/", "/index.html", "/css/style.css")

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, lifecycle.StateInstalled, w.State().State)

	list := entries(t, f.storage, "v1")
	require.Len(t, list, 3)
	bucket, err := f.storage.Open(context.Background(), "v1")
	require.NoError(t, err)
	resp, err := bucket.Match(context.Background(), f.upstream.URL+"/css/style.css")
	require.NoError(t, err)
	assert.Equal(t, "/css/style.css:v1", string(resp.Body))
}

func TestInstallFailsOnBadStatus(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1", "/a", "/broken/b")

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, lifecycle.StateRedundant, w.State().State)
	assert.NotEmpty(t, w.State().LastError)
	assert.Empty(t, entries(t, f.storage, "v1"), "失败的 install 不应写入任何条目")
}

func TestInstallFailsOnNetworkError(t *testing.T) {
	f := newFixture(t)
	f.network.offline.Store(true)
	w := f.worker(t, "v1", "/a")

	assert.ErrorIs(t, w.Install(context.Background()), ErrInstallFailed)
	assert.Empty(t, entries(t, f.storage, "v1"))
}

func TestInstallEmptyManifest(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	require.NoError(t, w.Install(context.Background()))
	assert.Empty(t, entries(t, f.storage, "v1"))
}

func TestActivateRequiresInstall(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	assert.ErrorIs(t, w.Activate(context.Background()), ErrNotInstalled)
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"v1", "legacy"} {
		bucket, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, bucket.Put(ctx, "https://old/x", &cache.Response{Status: 200, Body: []byte("old")}))
	}

	w := f.worker(t, "v2", "/")
	require.NoError(t, w.Install(ctx))
	require.NoError(t, w.Activate(ctx))
	assert.Equal(t, lifecycle.StateActivated, w.State().State)

	keys, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, keys)

	// 再次激活无需删除，结果不变。
	require.NoError(t, w.Activate(ctx))
	keys, err = f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, keys)
}

// flakyDeleteStorage 让指定 bucket 的前 failures 次 Delete 失败。
type flakyDeleteStorage struct {
	cache.Storage
	target   string
	failures atomic.Int32
}

func (s *flakyDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.target && s.failures.Add(-1) >= 0 {
		return false, errors.New("disk busy")
	}
	return s.Storage.Delete(ctx, name)
}

func TestActivatePartialFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"v0", "v1"} {
		bucket, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, bucket.Put(ctx, "https://old/x", &cache.Response{Status: 200, Body: []byte("old")}))
	}
	flaky := &flakyDeleteStorage{Storage: f.storage, target: "v0"}
	flaky.failures.Store(1)
	f.storage = flaky

	w := f.worker(t, "v2", "/")
	require.NoError(t, w.Install(ctx))

	err := w.Activate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete bucket v0")
	assert.Contains(t, err.Error(), "disk busy")

	state := w.State()
	assert.Equal(t, lifecycle.StateInstalled, state.State, "删除失败不应废弃当前版本")
	assert.Contains(t, state.LastError, "disk busy")

	keys, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v0", "v2"}, keys, "其余过期 bucket 仍应被删除")

	// 当前版本仍可服务离线请求。
	f.network.offline.Store(true)
	res, err := w.Fetch(ctx, f.get(t, "/"))
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	f.network.offline.Store(false)

	require.NoError(t, w.Activate(ctx), "重试应完成清理")
	state = w.State()
	assert.Equal(t, lifecycle.StateActivated, state.State)
	assert.Empty(t, state.LastError)

	keys, err = f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, keys)
}

func TestFetchNetworkFirstSequence(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	ctx := context.Background()

	// N1 失败：没有缓存，调用方看到网络错误。
	f.network.offline.Store(true)
	_, err := w.Fetch(ctx, f.get(t, "/page"))
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	// N2 成功：返回网络响应并异步写入缓存。
	f.network.offline.Store(false)
	res, err := w.Fetch(ctx, f.get(t, "/page"))
	require.NoError(t, err)
	require.True(t, res.Handled)
	assert.False(t, res.CacheHit)
	assert.Equal(t, "/page:v1", string(res.Response.Body))
	f.drain(t)

	// N3 失败：回退到 N2 写入的缓存。
	f.network.offline.Store(true)
	res, err = w.Fetch(ctx, f.get(t, "/page"))
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, "/page:v1", string(res.Response.Body))
	assert.Equal(t, http.StatusOK, res.Response.Status)
}

func TestFetchRefreshesEntry(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	ctx := context.Background()

	_, err := w.Fetch(ctx, f.get(t, "/page?q=1"))
	require.NoError(t, err)
	f.drain(t)

	f.body.Store("v2")
	res, err := w.Fetch(ctx, f.get(t, "/page?q=1"))
	require.NoError(t, err)
	assert.Equal(t, "/page:v2", string(res.Response.Body))
	f.drain(t)

	f.network.offline.Store(true)
	res, err = w.Fetch(ctx, f.get(t, "/page?q=1"))
	require.NoError(t, err)
	assert.Equal(t, "/page:v2", string(res.Response.Body), "缓存应为最近一次成功响应")

	// 查询串不同即为不同 locator。
	_, err = w.Fetch(ctx, f.get(t, "/page?q=2"))
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestFetchFailureKeepsGoodEntry(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1", "/index.html")
	ctx := context.Background()
	require.NoError(t, w.Install(ctx))

	f.network.offline.Store(true)
	for i := 0; i < 3; i++ {
		res, err := w.Fetch(ctx, f.get(t, "/index.html"))
		require.NoError(t, err)
		assert.Equal(t, "/index.html:v1", string(res.Response.Body))
	}
	f.drain(t)
	assert.Len(t, entries(t, f.storage, "v1"), 1)
}

func TestFetchNonOKDeliveredButNotStored(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	ctx := context.Background()

	res, err := w.Fetch(ctx, f.get(t, "/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Response.Status)
	f.drain(t)
	assert.Empty(t, entries(t, f.storage, "v1"))
}

func TestFetchIgnoresNonGET(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, f.upstream.URL+"/submit", strings.NewReader("x=1"))
	res, err := w.Fetch(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Nil(t, res.Response)
	assert.Zero(t, f.network.calls.Load(), "未接管的请求不应由 worker 发往网络")
	f.drain(t)
	assert.Empty(t, entries(t, f.storage, "v1"))
}

func TestFetchResponseIsIndependentOfCachedCopy(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, "v1")
	ctx := context.Background()

	res, err := w.Fetch(ctx, f.get(t, "/page"))
	require.NoError(t, err)
	res.Response.Body[0] = 'X'
	f.drain(t)

	f.network.offline.Store(true)
	cached, err := w.Fetch(ctx, f.get(t, "/page"))
	require.NoError(t, err)
	assert.Equal(t, "/page:v1", string(cached.Response.Body))
}

func TestBucketsReportsCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, err := f.storage.Open(ctx, "v0")
	require.NoError(t, err)
	require.NoError(t, old.Put(ctx, "https://old/x", &cache.Response{Status: 200, Body: []byte("1234")}))

	w := f.worker(t, "v1", "/")
	require.NoError(t, w.Install(ctx))

	infos, err := w.Buckets(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, BucketInfo{Name: "v0", Entries: 1, SizeBytes: 4}, infos[0])
	assert.Equal(t, "v1", infos[1].Name)
	assert.True(t, infos[1].Current)
	assert.Equal(t, 1, infos[1].Entries)
}

func TestRestoreAfterPreviousInstall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.worker(t, "v1", "/", "/about")
	require.NoError(t, first.Install(ctx))

	second := f.worker(t, "v1", "/", "/about")
	ok, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Activate(ctx))

	partial := f.worker(t, "v1", "/", "/about", "/contact")
	ok, err = partial.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "缺少 manifest 条目时不应视为已安装")
	assert.ErrorIs(t, partial.Activate(ctx), ErrNotInstalled)
}
