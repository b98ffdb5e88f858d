package worker

import (
	"errors"
	"net/http"

	"github.com/any-hub/shellcache/internal/stats"
	"github.com/any-hub/shellcache/internal/strategy"
)

// EventKind 是 worker 可处理的事件类型，对应分发表中的键。
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventSync     EventKind = "sync"
	EventPush     EventKind = "push"
)

// MessageType 是页面发来的控制消息类型。
type MessageType string

const (
	MessageGetCacheStats MessageType = "GET_CACHE_STATS"
	MessageSkipWaiting   MessageType = "SKIP_WAITING"
	MessageCacheUpdate   MessageType = "CACHE_UPDATE"
)

var (
	ErrUnknownEvent   = errors.New("unknown event kind")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrUnknownSyncTag = errors.New("unknown sync tag")
	ErrNoReplyPort    = errors.New("message requires a reply port")
	ErrMissingRequest = errors.New("fetch event without request")
)

// Message 是一条控制消息。Port 仅 GET_CACHE_STATS 需要，应答只发送一次。
type Message struct {
	Type MessageType           `json:"type"`
	Port chan<- stats.Snapshot `json:"-"`
}

// PushPayload 是推送事件携带的数据，Text 为空时使用默认正文。
type PushPayload struct {
	Text string `json:"text,omitempty"`
}

// Event 是分发给 worker 的一次事件，按 Kind 使用对应字段。
type Event struct {
	Kind     EventKind
	Request  *http.Request
	ClientID string
	Message  Message
	Tag      string
	Push     PushPayload
}

// Result 汇总事件处理结果。
type Result struct {
	// Intercepted 为 false 时 fetch 事件应直接转发到网络。
	Intercepted  bool
	Strategy     strategy.Result
	Removed      []string
	Notification *Notification
}
