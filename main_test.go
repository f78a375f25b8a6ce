package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agas-ashram/swcache/internal/cache"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv(configEnvKey, "/tmp/env.toml")

	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}

	t.Setenv(configEnvKey, "")
	if got := resolveConfigPath(""); got != "config.toml" {
		t.Fatalf("默认应为 config.toml，得到 %s", got)
	}
}

func TestCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"check-config", "--config", configFixture(t, "valid.toml")})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"check-config", "--config", configFixture(t, "missing.toml")})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("错误输出应说明原因: %s", stdErrBuffer().String())
	}
}

func TestCheckConfigReadsEnv(t *testing.T) {
	useBufferWriters(t)
	t.Setenv(configEnvKey, configFixture(t, "valid.toml"))
	if code := execute([]string{"check-config"}); code != 0 {
		t.Fatalf("应读取 %s 指定的配置，得到 %d", configEnvKey, code)
	}
}

func TestVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := execute([]string{"version"})
	if code != 0 {
		t.Fatalf("version 应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "swcache") {
		t.Fatalf("version 输出应包含 swcache 标识")
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	useBufferWriters(t)
	if code := execute([]string{"check-config", "--nope"}); code != 2 {
		t.Fatalf("未知参数应返回 2，得到 %d", code)
	}
}

func TestInstallActivateBucketsFlow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asset "+r.URL.Path)
	}))
	defer upstream.Close()

	storagePath := filepath.Join(t.TempDir(), "storage")
	configPath := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
StoragePath = "%s"
StorageBackend = "sqlite"
CacheVersion = "agas-ashram-v2"
Manifest = ["/", "/index", "/assets/agas/icons/pwa-icon.png"]

[[Origin]]
Name = "site"
Domain = "agas.local"
Upstream = "%s"
`, storagePath, upstream.URL))

	seedBucket(t, storagePath, "agas-ashram-v1")

	useBufferWriters(t)
	if code := execute([]string{"activate", "--config", configPath}); code == 0 {
		t.Fatalf("未 install 时 activate 应失败")
	}

	if code := execute([]string{"install", "--config", configPath}); code != 0 {
		t.Fatalf("install 失败: %d (stderr=%s)", code, stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "installed 3 entries into agas-ashram-v2") {
		t.Fatalf("unexpected install output: %s", stdOutBuffer().String())
	}

	if code := execute([]string{"buckets", "--config", configPath}); code != 0 {
		t.Fatalf("buckets 失败: %d", code)
	}
	out := stdOutBuffer().String()
	if !strings.Contains(out, "agas-ashram-v1") || !strings.Contains(out, "stale") || !strings.Contains(out, "current") {
		t.Fatalf("buckets 输出应列出新旧 bucket: %s", out)
	}

	if code := execute([]string{"activate", "--config", configPath}); code != 0 {
		t.Fatalf("activate 失败: %d (stderr=%s)", code, stdErrBuffer().String())
	}

	storage, err := cache.NewStorage(cache.BackendSQLite, storagePath)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer storage.Close()
	keys, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("list buckets: %v", err)
	}
	if len(keys) != 1 || keys[0] != "agas-ashram-v2" {
		t.Fatalf("activate 后只应保留当前 bucket，得到 %v", keys)
	}
}

func TestInstallFailureExitCode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"
Manifest = ["/", "/broken"]

[[Origin]]
Name = "site"
Domain = "agas.local"
Upstream = "%s"
`, filepath.Join(t.TempDir(), "storage"), upstream.URL))

	useBufferWriters(t)
	if code := execute([]string{"install", "--config", configPath}); code != 1 {
		t.Fatalf("install 失败应返回 1，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "install failed") {
		t.Fatalf("错误输出应包含 install failed: %s", stdErrBuffer().String())
	}
}

func seedBucket(t *testing.T, storagePath, name string) {
	t.Helper()
	storage, err := cache.NewStorage(cache.BackendSQLite, storagePath)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer storage.Close()
	bucket, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	if err := bucket.Put(context.Background(), "https://old.example/x", &cache.Response{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("seed bucket: %v", err)
	}
}
