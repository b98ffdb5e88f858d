package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClientCookie 与 HeaderClientID 携带页面（客户端）标识，二者都缺失时请求视为匿名。
const (
	ClientCookie   = "shellcache_client"
	HeaderClientID = "X-Shellcache-Client"
)

// ProxyHandler describes the component that answers a resolved request, either
// through the active worker or by forwarding it. Tests inject fakes.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Targets    *TargetResolver
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyTarget    = "_shellcache_target"
	contextKeyRequestID = "_shellcache_request_id"
)

// NewApp builds a Fiber application with Host based target resolution and
// structured error handling. Routes under /-/ skip resolution.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Targets == nil {
		return nil, errors.New("target resolver is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		target, _ := getTargetFromContext(c)
		if target == nil {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host 还原页面视角的请求地址。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		target, ok := opts.Targets.Resolve(rawHost, c.Request().URI())
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}
		target.ClientID = clientID(c)

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host unmapped")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

// getHostHeader 优先使用绝对请求 URI 中的主机（正向代理），其次是 Host 头。
func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().URI().Host(); len(raw) > 0 {
		return string(raw)
	}
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func clientID(c fiber.Ctx) string {
	if id := strings.TrimSpace(c.Cookies(ClientCookie)); id != "" {
		return id
	}
	return strings.TrimSpace(c.Get(HeaderClientID))
}

func getTargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
