package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/classify"
	"github.com/any-hub/shellcache/internal/partition"
)

const supportedBackendList = "fs|leveldb|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch partition.Backend(g.StorageBackend) {
	case partition.BackendFS, partition.BackendLevelDB, partition.BackendMemory:
	default:
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.MemoryEntries <= 0 {
		return newFieldError("Global.MemoryEntries", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.App.validate()
}

func (a AppConfig) validate() error {
	if _, err := classify.ParseOrigin(a.AppOrigin); err != nil {
		return fmt.Errorf("%s: %w", appField("AppOrigin"), err)
	}
	if a.Upstream != "" {
		if err := validateUpstream(a.Upstream); err != nil {
			return fmt.Errorf("%s: %w", appField("Upstream"), err)
		}
	}
	if a.RemoteScheme != "http" && a.RemoteScheme != "https" {
		return newFieldError(appField("RemoteScheme"), "仅支持 http/https")
	}
	if strings.ContainsAny(a.CachePrefix, `/\ `) {
		return newFieldError(appField("CachePrefix"), "不允许包含路径分隔符或空格")
	}
	if a.Version == "" {
		return newFieldError(appField("Version"), "不能为空")
	}
	for _, name := range a.VersionSet().Names() {
		if strings.ContainsAny(name, `/\ `) {
			return newFieldError(appField("Version"), fmt.Sprintf("分区名非法: %s", name))
		}
	}
	if len(a.CriticalFiles) == 0 {
		return newFieldError(appField("CriticalFiles"), "至少需要一个关键资源")
	}
	for i, file := range a.CriticalFiles {
		if err := validateResource(file); err != nil {
			return fmt.Errorf("%s: %w", listField("CriticalFiles", i), err)
		}
	}
	for i, file := range a.OptionalFiles {
		if err := validateResource(file); err != nil {
			return fmt.Errorf("%s: %w", listField("OptionalFiles", i), err)
		}
	}
	for i, host := range a.FontHosts {
		if err := validateHost(host); err != nil {
			return fmt.Errorf("%s: %w", listField("FontHosts", i), err)
		}
	}
	for i, host := range a.RemoteHosts {
		if err := validateHost(host); err != nil {
			return fmt.Errorf("%s: %w", listField("RemoteHosts", i), err)
		}
	}
	return nil
}

func validateResource(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("资源路径不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return errors.New("资源路径必须相对于 AppOrigin")
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("Host 不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("Host 不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("Host 不允许包含空格")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
