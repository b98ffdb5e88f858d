package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/strategy"
)

// 观测用响应头。
const (
	HeaderOutcome = "X-Shellcache-Outcome"
	HeaderClass   = "X-Shellcache-Class"
)

const outcomePassThrough = "pass-through"

// Observer 接收每次被拦截请求的类别与结果，通常为 stats.Exporter。
type Observer interface {
	ObserveOutcome(class, outcome string)
}

// Handler 把请求交给当前生效的 worker；worker 不拦截（或尚无 worker）时原样转发到网络。
type Handler struct {
	logger   *logrus.Logger
	host     *host.Host
	fetcher  *fetch.Fetcher
	observer Observer
}

// NewHandler constructs a proxy handler. observer may be nil.
func NewHandler(logger *logrus.Logger, h *host.Host, fetcher *fetch.Fetcher, observer Observer) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		logger:   logger,
		host:     h,
		fetcher:  fetcher,
		observer: observer,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(ctx, c, target.URL)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	active := h.host.Active()
	if active == nil {
		return h.forward(c, req, "", "no_active_worker", requestID, started)
	}

	result, intercepted, err := active.Fetch(ctx, req, target.ClientID)
	if !intercepted {
		if err != nil {
			h.logger.WithFields(logging.PassThroughFields(active.ID(), "dispatch_failed")).
				WithField("request_id", requestID).
				WithError(err).
				Error("fetch dispatch failed")
			return h.writeError(c, fiber.StatusInternalServerError, "dispatch_failed")
		}
		return h.forward(c, req, active.ID(), "not_intercepted", requestID, started)
	}

	if h.observer != nil {
		h.observer.ObserveOutcome(string(result.Class), string(result.Outcome))
	}
	if err != nil {
		h.logResult(active.ID(), req.URL, result, requestID, started, err)
		setResultHeaders(c, result)
		if errors.Is(err, fetch.ErrTimeout) {
			return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_timeout")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	entry := result.Entry
	copyResponseHeaders(c, entry.Header)
	setResultHeaders(c, result)
	h.logResult(active.ID(), req.URL, result, requestID, started, nil)
	c.Status(entry.Status)
	return c.Send(entry.Body)
}

func (h *Handler) forward(c fiber.Ctx, req *http.Request, workerID, reason, requestID string, started time.Time) error {
	resp, err := h.fetcher.Forward(req.Context(), req)
	if err != nil {
		h.logPassThrough(workerID, reason, req, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderOutcome, outcomePassThrough)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logPassThrough(workerID, reason, req, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logPassThrough(workerID, reason, req, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	workerID string,
	target *url.URL,
	result strategy.Result,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		workerID,
		string(result.Class),
		result.Partition,
		string(result.Outcome),
		result.CacheHit(),
	)
	fields["action"] = "intercept"
	fields["url"] = target.Redacted()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Entry != nil {
		fields["status"] = result.Entry.Status
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func (h *Handler) logPassThrough(
	workerID string,
	reason string,
	req *http.Request,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.PassThroughFields(workerID, reason)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL.Redacted()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Debug("proxy_complete")
}

// buildRequest 以页面视角的 URL 重建 net/http 请求。正文会被复制，fiber.Ctx 回收后仍可用。
func buildRequest(ctx context.Context, c fiber.Ctx, target *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Host = target.Host
	return req, nil
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	for key, value := range c.Request().Header.All() {
		name := string(key)
		if http.CanonicalHeaderKey(name) == fiber.HeaderHost {
			continue
		}
		header.Add(name, string(value))
	}
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func setResultHeaders(c fiber.Ctx, result strategy.Result) {
	c.Set(HeaderOutcome, string(result.Outcome))
	c.Set(HeaderClass, string(result.Class))
}
