package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/agas-ashram/swcache/internal/logging"
	"github.com/agas-ashram/swcache/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，负责 panic 兜底与缺失 handler 的错误响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) error {
	f.logError(route, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.OriginRoute, recovered interface{}, requestID string) error {
	f.logError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	c.Response().ResetBody()
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(route *server.OriginRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func routeFields(route *server.OriginRoute, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"origin":    "",
		"domain":    "",
		"cache_hit": false,
	}
	if route != nil {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, "", false)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
