// Package worker 实现离线资源缓存的核心策略：install 预取 manifest，
// activate 清理旧版本 bucket，fetch 采用 network-first 并在断网时回退缓存。
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agas-ashram/swcache/internal/cache"
	"github.com/agas-ashram/swcache/internal/lifecycle"
	"github.com/agas-ashram/swcache/internal/logging"
)

const defaultInstallConcurrency = 4

var (
	// ErrInstallFailed 表示 install 阶段任一 manifest 条目失败。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled 表示在 install 成功前调用了 activate。
	ErrNotInstalled = errors.New("worker not installed")
	// ErrNetworkUnavailable 表示网络失败且当前 bucket 没有对应条目。
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// Network 执行一次上游请求，*http.Client 满足该接口。
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 汇总构造 Worker 所需的依赖。Manifest 需为已解析的 locator。
type Options struct {
	Storage     cache.Storage
	Writer      *cache.AsyncWriter
	Network     Network
	Logger      *logrus.Logger
	Version     string
	Manifest    []string
	Concurrency int
}

// Worker 持有单个版本的生命周期与当前 bucket。
type Worker struct {
	storage     cache.Storage
	writer      *cache.AsyncWriter
	network     Network
	logger      *logrus.Logger
	version     string
	manifest    []string
	concurrency int

	registry *lifecycle.Registry
	tracker  *lifecycle.Tracker

	mu     sync.Mutex
	bucket cache.Bucket
}

// Result 描述一次 fetch 的结果；Handled 为 false 时调用方需直接转发到网络。
type Result struct {
	Response *cache.Response
	Handled  bool
	CacheHit bool
}

// BucketInfo 汇总单个 bucket 的条目数与体积。
type BucketInfo struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Current   bool   `json:"current"`
}

type hitKey struct{}

// New 校验依赖并注册 install/activate/fetch 三个处理器。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage required")
	}
	if opts.Writer == nil {
		return nil, errors.New("cache writer required")
	}
	if opts.Network == nil {
		return nil, errors.New("network required")
	}
	if err := cache.ValidateBucketName(opts.Version); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}

	w := &Worker{
		storage:     opts.Storage,
		writer:      opts.Writer,
		network:     opts.Network,
		logger:      logger,
		version:     opts.Version,
		manifest:    append([]string(nil), opts.Manifest...),
		concurrency: concurrency,
		registry:    lifecycle.NewRegistry(),
		tracker:     lifecycle.NewTracker(opts.Version),
	}
	w.registry.MustRegister(lifecycle.PhaseInstall, w.onInstall)
	w.registry.MustRegister(lifecycle.PhaseActivate, w.onActivate)
	w.registry.MustRegister(lifecycle.PhaseFetch, w.onFetch)
	return w, nil
}

// Version 返回当前 bucket 名称。
func (w *Worker) Version() string {
	return w.version
}

// Manifest 返回已解析的 manifest 副本。
func (w *Worker) Manifest() []string {
	return append([]string(nil), w.manifest...)
}

// State 返回生命周期状态快照。
func (w *Worker) State() lifecycle.Record {
	return w.tracker.Current()
}

// Handlers 返回各阶段处理器注册情况。
func (w *Worker) Handlers() map[string]string {
	return w.registry.Snapshot()
}

// Install 触发 install 事件：全部 manifest 成功后才写入 bucket。
func (w *Worker) Install(ctx context.Context) error {
	w.tracker.Transition(lifecycle.StateInstalling, nil)
	started := time.Now()
	fields := logging.LifecycleFields(string(lifecycle.PhaseInstall), w.version)

	if err := w.registry.Dispatch(ctx, lifecycle.NewEvent(lifecycle.PhaseInstall)); err != nil {
		w.tracker.Transition(lifecycle.StateRedundant, err)
		w.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.tracker.Transition(lifecycle.StateInstalled, nil)
	w.logger.WithFields(fields).WithFields(logrus.Fields{
		"entries":    len(w.manifest),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install_complete")
	return nil
}

// Restore 检查当前 bucket 是否已包含完整 manifest（之前的进程 install 成功过），
// 是则直接进入 installed 状态，供独立运行的 activate 命令使用。
func (w *Worker) Restore(ctx context.Context) (bool, error) {
	bucket, err := w.currentBucket(ctx)
	if err != nil {
		return false, err
	}
	entries, err := bucket.Entries(ctx)
	if err != nil {
		return false, fmt.Errorf("list bucket %s: %w", w.version, err)
	}
	stored := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		stored[entry.Locator] = struct{}{}
	}
	for _, locator := range w.manifest {
		if _, ok := stored[locator]; !ok {
			return false, nil
		}
	}
	w.tracker.Transition(lifecycle.StateInstalled, nil)
	return true, nil
}

// Activate 触发 activate 事件，删除所有非当前版本的 bucket。
// 删除失败不影响当前版本：状态回到激活前并记录错误，可再次调用重试。
func (w *Worker) Activate(ctx context.Context) error {
	if !w.tracker.Is(lifecycle.StateInstalled, lifecycle.StateActivated) {
		return ErrNotInstalled
	}
	prev := w.tracker.Current().State
	w.tracker.Transition(lifecycle.StateActivating, nil)
	fields := logging.LifecycleFields(string(lifecycle.PhaseActivate), w.version)

	if err := w.registry.Dispatch(ctx, lifecycle.NewEvent(lifecycle.PhaseActivate)); err != nil {
		w.tracker.Transition(prev, err)
		w.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return err
	}

	w.tracker.Transition(lifecycle.StateActivated, nil)
	w.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Fetch 为 req 派发 fetch 事件。非 GET 请求不会被接管，Result.Handled 为 false。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (Result, error) {
	hit := new(atomic.Bool)
	ctx = context.WithValue(ctx, hitKey{}, hit)

	ev := lifecycle.NewFetchEvent(req)
	if err := w.registry.Dispatch(ctx, ev); err != nil {
		return Result{Handled: true}, err
	}
	if !ev.Handled() {
		return Result{}, nil
	}
	return Result{
		Response: ev.Response(),
		Handled:  true,
		CacheHit: hit.Load(),
	}, nil
}

// Buckets 列出存储中的全部 bucket 及其体积。
func (w *Worker) Buckets(ctx context.Context) ([]BucketInfo, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	infos := make([]BucketInfo, 0, len(names))
	for _, name := range names {
		bucket, err := w.storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", name, err)
		}
		entries, err := bucket.Entries(ctx)
		if err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", name, err)
		}
		info := BucketInfo{Name: name, Entries: len(entries), Current: name == w.version}
		for _, entry := range entries {
			info.SizeBytes += entry.SizeBytes
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (w *Worker) onInstall(_ context.Context, ev *lifecycle.Event) {
	ev.WaitUntil(w.precache)
}

func (w *Worker) onActivate(_ context.Context, ev *lifecycle.Event) {
	ev.WaitUntil(w.prune)
}

func (w *Worker) onFetch(_ context.Context, ev *lifecycle.Event) {
	req := ev.Request
	if req == nil || req.Method != http.MethodGet {
		return
	}
	_ = ev.RespondWith(func(ctx context.Context) (*cache.Response, error) {
		return w.networkFirst(ctx, req)
	})
}

// precache 并发拉取 manifest，任一失败即取消其余请求；全部成功后才写入。
func (w *Worker) precache(ctx context.Context) error {
	bucket, err := w.currentBucket(ctx)
	if err != nil {
		return err
	}

	results := make([]*cache.Response, len(w.manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	for i, locator := range w.manifest {
		group.Go(func() error {
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, locator, nil)
			if err != nil {
				return fmt.Errorf("build request %s: %w", locator, err)
			}
			resp, err := w.fetchNetwork(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", locator, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", locator, resp.Status)
			}
			results[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, locator := range w.manifest {
		if err := bucket.Put(ctx, locator, results[i]); err != nil {
			return fmt.Errorf("store %s: %w", locator, err)
		}
	}
	return nil
}

// prune 删除所有非当前版本的 bucket，单个失败不影响其余删除。
func (w *Worker) prune(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == w.version {
			continue
		}
		fields := logging.LifecycleFields(string(lifecycle.PhaseActivate), name)
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("bucket_delete_failed")
			errs = append(errs, fmt.Errorf("delete bucket %s: %w", name, err))
			continue
		}
		w.logger.WithFields(fields).Info("bucket_deleted")
	}
	return errors.Join(errs...)
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*cache.Response, error) {
	locator := Locator(req.URL)
	out := req.Clone(ctx)
	out.RequestURI = ""

	resp, netErr := w.fetchNetwork(out)
	if netErr == nil {
		if resp.OK() {
			w.refresh(ctx, locator, resp)
		}
		return resp, nil
	}

	bucket, err := w.currentBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, netErr)
	}
	cached, err := bucket.Match(ctx, locator)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithField("locator", locator).WithError(err).Warn("cache_match_failed")
		}
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, netErr)
	}
	if hit, ok := ctx.Value(hitKey{}).(*atomic.Bool); ok {
		hit.Store(true)
	}
	return cached, nil
}

// refresh 将响应副本交给异步写入队列，原响应直接返回给调用方。
func (w *Worker) refresh(ctx context.Context, locator string, resp *cache.Response) {
	bucket, err := w.currentBucket(ctx)
	if err != nil {
		w.logger.WithField("locator", locator).WithError(err).Warn("cache_open_failed")
		return
	}
	w.writer.Enqueue(bucket, locator, resp.Clone())
}

// fetchNetwork 完整读取响应体，读取失败视为网络失败。
func (w *Worker) fetchNetwork(req *http.Request) (*cache.Response, error) {
	resp, err := w.network.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (w *Worker) currentBucket(ctx context.Context) (cache.Bucket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	bucket, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", w.version, err)
	}
	w.bucket = bucket
	return bucket, nil
}
