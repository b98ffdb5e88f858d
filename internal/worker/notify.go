package worker

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// NotificationTag 让同一来源的通知互相替换而不是堆叠。
const NotificationTag = "shellcache-notification"

// NotificationAction 是通知上的操作按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification 描述一条待展示的系统通知。
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions"`
}

// Notifier 负责真正展示通知。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier 把通知写入结构化日志，适用于无桌面环境的部署。
type LogNotifier struct {
	Logger *logrus.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"action":  "notify",
		"title":   n.Title,
		"tag":     n.Tag,
		"actions": len(n.Actions),
	}).Info(n.Body)
	return nil
}

func buildNotification(title, icon string, payload PushPayload) Notification {
	body := strings.TrimSpace(payload.Text)
	if body == "" {
		body = title + " update available"
	}
	return Notification{
		Title:              title,
		Body:               body,
		Icon:               icon,
		Badge:              icon,
		Tag:                NotificationTag,
		RequireInteraction: true,
		Actions: []NotificationAction{
			{Action: "open", Title: "Open App"},
			{Action: "dismiss", Title: "Dismiss"},
		},
	}
}
