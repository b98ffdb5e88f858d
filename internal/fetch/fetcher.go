package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/partition"
)

// Mode 控制回源请求是否绕过中间缓存。
type Mode int

const (
	// ModeDefault 转发请求头，条件请求与 Range 头除外。
	ModeDefault Mode = iota
	// ModeReload 强制绕过 HTTP 缓存（Cache-Control/Pragma: no-cache），用于安装阶段预缓存。
	ModeReload
)

// Fetcher 负责把页面可见的 URL 映射到真实上游并抓取响应快照。应用 origin 下的请求
// 会被改写到 Upstream，其它 origin 直接访问。
type Fetcher struct {
	client    *http.Client
	appOrigin *url.URL
	upstream  *url.URL
	now       func() time.Time
}

// NewFetcher 构造 Fetcher；upstream 为空时应用资源直接从 appOrigin 获取。
func NewFetcher(client *http.Client, appOrigin, upstream string) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("http client required")
	}
	origin, err := url.Parse(strings.TrimSpace(appOrigin))
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin: %q", appOrigin)
	}
	f := &Fetcher{client: client, appOrigin: origin, now: time.Now}
	if raw := strings.TrimSpace(upstream); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid upstream: %s", raw)
		}
		f.upstream = parsed
	}
	return f, nil
}

// Resolve 返回请求真正发往的上游地址。
func (f *Fetcher) Resolve(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	if f.upstream == nil || !strings.EqualFold(u.Scheme, f.appOrigin.Scheme) || !strings.EqualFold(u.Host, f.appOrigin.Host) {
		clone := *u
		clone.Fragment = ""
		return &clone
	}
	relative := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	if relative.Path == "" {
		relative.Path = "/"
	}
	return f.upstream.ResolveReference(relative)
}

// snapshotExcludedHeaders 会让上游返回 304/206，快照必须是完整的 200 正文。
var snapshotExcludedHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// Fetch 发起 GET 并完整读取正文，返回可同时用于存储与返回的快照。
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request, mode Mode) (*partition.Entry, error) {
	out, err := f.newRequest(ctx, req, http.MethodGet, http.NoBody)
	if err != nil {
		return nil, err
	}
	for _, name := range snapshotExcludedHeaders {
		out.Header.Del(name)
	}
	if mode == ModeReload {
		out.Header.Set("Cache-Control", "no-cache")
		out.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", out.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", out.URL.Redacted(), err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &partition.Entry{
		Key:      partition.KeyFromRequest(req),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: f.now().UTC(),
	}, nil
}

// Forward 以流式方式转发未被拦截的请求（任意方法），调用方负责关闭 Body。
func (f *Fetcher) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := f.newRequest(ctx, req, req.Method, body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", out.URL.Redacted(), err)
	}
	return resp, nil
}

func (f *Fetcher) newRequest(ctx context.Context, req *http.Request, method string, body io.Reader) (*http.Request, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	target := f.Resolve(req.URL)
	out, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	if !strings.EqualFold(target.Host, req.URL.Host) {
		out.Host = target.Host
		out.Header.Set("X-Forwarded-Host", req.URL.Host)
		out.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	return out, nil
}
