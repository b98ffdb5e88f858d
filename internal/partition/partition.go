package partition

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound 表示分区内不存在对应条目。
var ErrNotFound = errors.New("partition entry not found")

// ErrPartitionGone 表示句柄对应的分区已被删除，写入会被拒绝。
var ErrPartitionGone = errors.New("partition deleted")

// Registry 管理所有命名分区。Open 在首次调用时创建分区，之后幂等返回同一分区；
// Names 不保证顺序。
type Registry interface {
	Open(ctx context.Context, name string) (Partition, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// Partition 是单个分区的句柄，保存 Key → Entry 映射。Put 总是覆盖旧值。
type Partition interface {
	Name() string
	Match(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, key Key, entry *Entry) error
	Delete(ctx context.Context, key Key) (bool, error)
	Keys(ctx context.Context) ([]Key, error)
}

// Key 由只读方法与规范化后的 URL 组成，唯一定位一个缓存条目。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化方法（大写）并去掉 URL 片段。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.Scheme = strings.ToLower(clean.Scheme)
	clean.Host = strings.ToLower(clean.Host)
	if clean.Path == "" {
		clean.Path = "/"
	}
	return Key{Method: method, URL: clean.String()}
}

// KeyFromRequest 根据请求构造条目 Key。
func KeyFromRequest(req *http.Request) Key {
	if req == nil {
		return Key{}
	}
	return NewKey(req.Method, req.URL)
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是某一时刻捕获的响应快照，存储后不可变。
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回独立副本，保证写入分区的快照与返回给调用方的快照互不影响。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Header = e.Header.Clone()
	if e.Body != nil {
		cloned.Body = append([]byte(nil), e.Body...)
	}
	return &cloned
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("partition name required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid partition name: %q", name)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
