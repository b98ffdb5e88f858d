package server

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/any-hub/shellcache/internal/classify"
	"github.com/any-hub/shellcache/internal/config"
)

// Target 是一次请求在页面视角下的地址。
type Target struct {
	URL       *url.URL
	AppOrigin bool
	ClientID  string
}

// TargetResolver 根据 Host 把进入代理的请求还原为页面看到的 URL：应用主机映射到
// AppOrigin，字体服务域名与 RemoteHosts 按正向代理目标处理并使用 RemoteScheme，
// 其余主机不予转发。
type TargetResolver struct {
	origin       *url.URL
	appHost      string
	remoteScheme string
	remoteHosts  map[string]struct{}
}

// NewTargetResolver 基于应用配置构造解析器。
func NewTargetResolver(cfg config.AppConfig) (*TargetResolver, error) {
	origin, err := classify.ParseOrigin(cfg.AppOrigin)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(cfg.RemoteScheme))
	if scheme == "" {
		scheme = "https"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported remote scheme: %s", cfg.RemoteScheme)
	}
	host, _ := normalizeHost(origin.Host)
	fontHosts := cfg.FontHosts
	if len(fontHosts) == 0 {
		fontHosts = classify.DefaultFontHosts
	}
	remote := make(map[string]struct{}, len(fontHosts)+len(cfg.RemoteHosts))
	for _, list := range [][]string{fontHosts, cfg.RemoteHosts} {
		for _, raw := range list {
			if h, _ := normalizeHost(raw); h != "" && h != host {
				remote[h] = struct{}{}
			}
		}
	}
	return &TargetResolver{
		origin:       origin,
		appHost:      host,
		remoteScheme: scheme,
		remoteHosts:  remote,
	}, nil
}

// Origin 返回应用 origin 的副本。
func (r *TargetResolver) Origin() *url.URL {
	clone := *r.origin
	return &clone
}

// Resolve 将 Host 与请求 URI 组合成页面视角的绝对 URL。Host 为空或不在允许列表时返回 false。
func (r *TargetResolver) Resolve(rawHost string, uri *fasthttp.URI) (*Target, bool) {
	host, port := normalizeHost(rawHost)
	if host == "" || uri == nil {
		return nil, false
	}
	if _, allowed := r.remoteHosts[host]; host != r.appHost && !allowed {
		return nil, false
	}
	ref, err := url.ParseRequestURI(string(uri.RequestURI()))
	if err != nil {
		return nil, false
	}

	target := &Target{URL: &url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery}}
	if target.URL.Path == "" {
		target.URL.Path = "/"
	}
	if host == r.appHost {
		target.AppOrigin = true
		target.URL.Scheme = r.origin.Scheme
		target.URL.Host = r.origin.Host
		return target, true
	}
	target.URL.Scheme = r.remoteScheme
	target.URL.Host = host
	if port > 0 {
		target.URL.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return target, true
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
