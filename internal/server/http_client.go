package server

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"github.com/agas-ashram/swcache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，超时取自 UpstreamTimeout。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// OriginClient 按请求的上游 host 选择出站代理，未配置 Proxy 的请求走共享 client。
// install 预取与运行期 fetch 都经由它访问网络。
type OriginClient struct {
	base     *http.Client
	registry *OriginRegistry

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// NewOriginClient 包装共享 client 与 Origin 注册表。
func NewOriginClient(base *http.Client, registry *OriginRegistry) *OriginClient {
	return &OriginClient{
		base:     base,
		registry: registry,
		proxied:  make(map[string]*http.Client),
	}
}

// Do 发送请求；命中配置了 Proxy 的 Origin 时改用带代理的 transport。
func (c *OriginClient) Do(req *http.Request) (*http.Response, error) {
	proxyURL := c.registry.proxyFor(req.URL.Host)
	if proxyURL == nil {
		return c.base.Do(req)
	}
	return c.clientFor(proxyURL).Do(req)
}

func (c *OriginClient) clientFor(proxyURL *url.URL) *http.Client {
	key := proxyURL.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.proxied[key]; ok {
		return client
	}
	transport := defaultTransport.Clone()
	if base, ok := c.base.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *c.base
	client.Transport = transport
	c.proxied[key] = &client
	return &client
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
