package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/server"
)

// Forwarder 包装实际的 ProxyHandler：handler 缺失或 panic 时返回 JSON 500 并输出结构化日志，
// 不让单个请求拖垮进程。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respond(c, target, "proxy_handler_missing", nil, requestID)
	}
	return f.invokeHandler(c, target, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respond(c, target, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
		}
	}()
	return f.handler.Handle(c, target)
}

func (f *Forwarder) respond(c fiber.Ctx, target *server.Target, code string, err error, requestID string) error {
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
	}
	if target != nil && target.URL != nil {
		fields["url"] = target.URL.Redacted()
	}
	if requestID != "" {
		fields["request_id"] = requestID
		c.Set("X-Request-ID", requestID)
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
	} else {
		f.logger.WithFields(fields).Error("proxy handler unavailable")
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}
