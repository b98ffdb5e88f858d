package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/partition"
	"github.com/any-hub/shellcache/internal/stats"
	"github.com/any-hub/shellcache/internal/version"
	"github.com/any-hub/shellcache/internal/worker"
)

// ControlOptions 汇总控制路由依赖。Gatherer 为 nil 时不暴露 /-/metrics。
type ControlOptions struct {
	Host     *host.Host
	Registry partition.Registry
	Gatherer prometheus.Gatherer
}

// RegisterControlRoutes 暴露 /-/sw/* 控制接口：页面消息、后台同步、推送与状态诊断。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil || opts.Host == nil {
		return
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		var msg messagePayload
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		return handleMessage(c, opts.Host, worker.MessageType(strings.TrimSpace(msg.Type)))
	})

	app.Post("/-/sw/sync/:tag", func(c fiber.Ctx) error {
		active := opts.Host.Active()
		if active == nil {
			return noActiveWorker(c)
		}
		removed, err := active.Sync(c.Context(), c.Params("tag"))
		if errors.Is(err, worker.ErrUnknownSyncTag) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_sync_tag"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		if removed == nil {
			removed = []string{}
		}
		return c.JSON(fiber.Map{"removed": removed})
	})

	app.Post("/-/sw/push", func(c fiber.Ctx) error {
		active := opts.Host.Active()
		if active == nil {
			return noActiveWorker(c)
		}
		var payload worker.PushPayload
		if body := c.Body(); len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_push_payload"})
			}
		}
		notification, err := active.Push(c.Context(), payload)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "notify_failed"})
		}
		return c.JSON(notification)
	})

	app.Get("/-/sw/state", func(c fiber.Ctx) error {
		payload := statePayload{Build: version.Full(), Partitions: []string{}, Clients: []lifecycle.Client{}}
		if active := opts.Host.Active(); active != nil {
			payload.Active = encodeWorker(active)
			payload.Clients = active.Clients().List()
		}
		if waiting := opts.Host.Waiting(); waiting != nil {
			payload.Waiting = encodeWorker(waiting)
		}
		if opts.Registry != nil {
			names, err := opts.Registry.Names(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partition_list_failed"})
			}
			payload.Partitions = names
		}
		return c.JSON(payload)
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

func handleMessage(c fiber.Ctx, h *host.Host, kind worker.MessageType) error {
	switch kind {
	case worker.MessageGetCacheStats:
		active := h.Active()
		if active == nil {
			return noActiveWorker(c)
		}
		port := make(chan stats.Snapshot, 1)
		if err := active.PostMessage(c.Context(), worker.Message{Type: kind, Port: port}); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
		}
		select {
		case snap := <-port:
			return c.JSON(snap)
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
		}
	case worker.MessageSkipWaiting:
		target := h.Waiting()
		if target == nil {
			target = h.Active()
		}
		if target == nil {
			return noActiveWorker(c)
		}
		if err := target.PostMessage(c.Context(), worker.Message{Type: kind}); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "skip_waiting_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"worker": target.ID(), "status": "accepted"})
	case worker.MessageCacheUpdate:
		active := h.Active()
		if active == nil {
			return noActiveWorker(c)
		}
		if err := active.PostMessage(c.Context(), worker.Message{Type: kind}); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "cache_update_failed"})
		}
		return c.JSON(fiber.Map{"worker": active.ID(), "status": "updated"})
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
}

func noActiveWorker(c fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
}

type messagePayload struct {
	Type string `json:"type"`
}

type workerPayload struct {
	ID         string          `json:"id"`
	State      lifecycle.State `json:"state"`
	Partitions []string        `json:"partitions"`
	Stats      stats.Snapshot  `json:"stats"`
}

type statePayload struct {
	Build      string             `json:"build"`
	Active     *workerPayload     `json:"active,omitempty"`
	Waiting    *workerPayload     `json:"waiting,omitempty"`
	Partitions []string           `json:"partitions"`
	Clients    []lifecycle.Client `json:"clients"`
}

func encodeWorker(w *worker.Worker) *workerPayload {
	return &workerPayload{
		ID:         w.ID(),
		State:      w.State(),
		Partitions: w.Versions().Names(),
		Stats:      w.Stats(),
	}
}
