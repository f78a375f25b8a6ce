package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/agas-ashram/swcache/internal/cache"
	"github.com/agas-ashram/swcache/internal/logging"
	"github.com/agas-ashram/swcache/internal/server"
	"github.com/agas-ashram/swcache/internal/worker"
)

// Fetcher 是 Handler 依赖的 worker 能力：派发 fetch 事件并报告当前 bucket。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (worker.Result, error)
	Version() string
}

// Handler 把 Fiber 请求转换为上游 http.Request，交给 worker 的 fetch 事件处理；
// worker 未接管的请求（非 GET）直接流式转发到上游。
type Handler struct {
	network worker.Network
	fetcher Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler around the shared network and worker.
func NewHandler(network worker.Network, fetcher Fetcher, logger *logrus.Logger) *Handler {
	return &Handler{
		network: network,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle 执行 fetch 事件并写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	uri := c.Request().URI()

	upstreamURL, err := route.UpstreamFor(string(uri.Path()), string(uri.QueryString()))
	if err != nil {
		h.logResult(route, "", requestID, fiber.StatusBadRequest, false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_path")
	}

	req, err := h.buildUpstreamRequest(c, upstreamURL, route)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, fiber.StatusBadGateway, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_request_invalid")
	}

	result, err := h.fetcher.Fetch(req.Context(), req)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, fiber.StatusBadGateway, false, started, err)
		if errors.Is(err, worker.ErrNetworkUnavailable) {
			return h.writeError(c, fiber.StatusBadGateway, "network_unavailable")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if !result.Handled {
		return h.passthrough(c, route, req, requestID, started)
	}

	h.writeCached(c, result.Response, result.CacheHit, upstreamURL.String())
	h.logResult(route, upstreamURL.String(), requestID, result.Response.Status, result.CacheHit, started, nil)
	return nil
}

// writeCached 写回 worker 产出的完整响应（网络或缓存）。
func (h *Handler) writeCached(c fiber.Ctx, resp *cache.Response, hit bool, upstreamURL string) {
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	setGatewayHeaders(c, upstreamURL, hit)
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

// passthrough 把未被接管的请求原样发往上游，并流式写回，不接触任何 bucket。
func (h *Handler) passthrough(c fiber.Ctx, route *server.OriginRoute, req *http.Request, requestID string, started time.Time) error {
	upstreamURL := req.URL.String()
	resp, err := h.network.Do(req)
	if err != nil {
		h.logResult(route, upstreamURL, requestID, fiber.StatusBadGateway, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	setGatewayHeaders(c, upstreamURL, false)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(route, upstreamURL, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstreamURL, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "proxy stream failed: "+err.Error())
	}
	return nil
}

// setGatewayHeaders 写入本次 fetch 的来源信息；请求 ID 与 bucket 由路由中间件统一写入。
func setGatewayHeaders(c fiber.Ctx, upstreamURL string, hit bool) {
	c.Set("X-Swcache-Upstream", upstreamURL)
	c.Set("X-Swcache-Cache-Hit", strconv.FormatBool(hit))
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, route *server.OriginRoute) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	upstream string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, h.fetcher.Version(), cacheHit)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
