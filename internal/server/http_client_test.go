package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agas-ashram/swcache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestOriginClientRoutesThroughOriginProxy(t *testing.T) {
	var proxied []string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = append(proxied, r.URL.String())
		_, _ = io.WriteString(w, "via-proxy")
	}))
	defer proxy.Close()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origins: []config.OriginConfig{
			{Name: "fonts", Domain: "fonts.local", Upstream: "http://fonts.upstream.invalid", Proxy: proxy.URL},
		},
	}
	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	client := NewOriginClient(NewUpstreamClient(cfg), registry)
	req, _ := http.NewRequest(http.MethodGet, "http://fonts.upstream.invalid/css2", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request via proxy failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "via-proxy" {
		t.Fatalf("unexpected body: %s", string(body))
	}
	if len(proxied) != 1 || proxied[0] != "http://fonts.upstream.invalid/css2" {
		t.Fatalf("expected absolute-form request at proxy, got %v", proxied)
	}
}
