// Package classify 将请求映射为资源类别及承载它的分区，规则只依赖 URL，
// 无状态且不会发起网络请求。
package classify

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/any-hub/shellcache/internal/partition"
)

// Class 描述请求所属的资源类别。
type Class string

const (
	ClassNone        Class = ""
	ClassAppShell    Class = "critical-app-shell"
	ClassSameOrigin  Class = "same-origin-asset"
	ClassFontFile    Class = "web-font-file"
	ClassFontService Class = "remote-font-service-asset"
)

// DefaultFontHosts 是默认识别的远程字体服务域名。
var DefaultFontHosts = []string{"fonts.googleapis.com", "fonts.gstatic.com"}

var fontFilePattern = regexp.MustCompile(`(?i)\.(woff|woff2|ttf|otf|eot)$`)

// Result 是分类结果：类别、分区角色与真实分区名。
type Result struct {
	Class     Class
	Role      partition.Role
	Partition string
}

// Options 描述构建 Classifier 所需的配置。
type Options struct {
	AppOrigin     string
	CriticalFiles []string
	FontHosts     []string
	Versions      partition.VersionSet
}

// Classifier 根据应用 origin、关键资源列表与字体服务域名对请求分类。
type Classifier struct {
	origin    *url.URL
	critical  map[string]struct{}
	basenames map[string]struct{}
	fontHosts map[string]struct{}
	versions  partition.VersionSet
}

// New 校验 AppOrigin 并预先构建查找表。
func New(opts Options) (*Classifier, error) {
	origin, err := ParseOrigin(opts.AppOrigin)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		origin:    origin,
		critical:  make(map[string]struct{}, len(opts.CriticalFiles)),
		basenames: make(map[string]struct{}),
		fontHosts: make(map[string]struct{}),
		versions:  opts.Versions,
	}
	for _, item := range opts.CriticalFiles {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "/") {
			c.critical[item] = struct{}{}
			continue
		}
		// 不带路径的条目按文件名匹配。
		c.basenames[item] = struct{}{}
	}
	hosts := opts.FontHosts
	if len(hosts) == 0 {
		hosts = DefaultFontHosts
	}
	for _, host := range hosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			c.fontHosts[host] = struct{}{}
		}
	}
	return c, nil
}

// ParseOrigin 解析形如 https://app.example.com 的 origin，不允许携带路径。
func ParseOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("app origin required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid app origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("app origin must be http/https: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("app origin missing host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return nil, fmt.Errorf("app origin must not contain a path: %s", raw)
	}
	return &url.URL{Scheme: strings.ToLower(parsed.Scheme), Host: strings.ToLower(parsed.Host)}, nil
}

// Origin 返回应用 origin 的副本。
func (c *Classifier) Origin() *url.URL {
	clone := *c.origin
	return &clone
}

// Classify 按优先级判定类别；第二个返回值为 false 表示请求不被拦截，应直接走网络。
func (c *Classifier) Classify(req *http.Request) (Result, bool) {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return Result{}, false
	}
	u := req.URL

	if c.SameOrigin(u) {
		class := ClassSameOrigin
		if c.isCritical(u.Path) {
			class = ClassAppShell
		}
		return c.result(class, partition.RoleApp), true
	}
	// 字体服务域名优先于扩展名：gstatic 上的 woff2 同样走 stale-while-revalidate。
	if _, ok := c.fontHosts[strings.ToLower(u.Hostname())]; ok {
		return c.result(ClassFontService, partition.RoleData), true
	}
	if fontFilePattern.MatchString(u.Path) {
		return c.result(ClassFontFile, partition.RoleFonts), true
	}
	return Result{}, false
}

// SameOrigin 比较 scheme 与 host（含端口）。
func (c *Classifier) SameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func (c *Classifier) isCritical(p string) bool {
	if p == "" {
		p = "/"
	}
	if _, ok := c.critical[p]; ok {
		return true
	}
	if len(c.basenames) == 0 {
		return false
	}
	_, ok := c.basenames[path.Base(p)]
	return ok
}

func (c *Classifier) result(class Class, role partition.Role) Result {
	return Result{Class: class, Role: role, Partition: c.versions.Name(role)}
}

// IsNavigation 判断请求是否为页面导航：优先读取 Sec-Fetch-Mode，缺失时退回
// Sec-Fetch-Dest 与 Accept 推断。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	mode := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")))
	if mode != "" {
		return mode == "navigate"
	}
	if dest := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest"))); dest != "" {
		return dest == "document"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// IsDocumentPath 表示资源为 HTML 文档或根路径，命中时需要后台刷新。
func IsDocumentPath(p string) bool {
	return p == "" || strings.HasSuffix(p, "/") || strings.HasSuffix(strings.ToLower(p), ".html")
}
