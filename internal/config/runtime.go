package config

import "slices"

// RequiresNewWorker 判断热加载后的配置是否需要安装新 worker：版本集合、关键资源、
// 可选资源、字体服务域名或 origin/上游变化时返回 true。
func (c *Config) RequiresNewWorker(next *Config) bool {
	if c == nil || next == nil {
		return true
	}
	prev, cur := c.App, next.App
	if !prev.VersionSet().Equal(cur.VersionSet()) {
		return true
	}
	if prev.AppOrigin != cur.AppOrigin || prev.Upstream != cur.Upstream {
		return true
	}
	return !slices.Equal(prev.CriticalFiles, cur.CriticalFiles) ||
		!slices.Equal(prev.OptionalFiles, cur.OptionalFiles) ||
		!slices.Equal(prev.FontHosts, cur.FontHosts)
}

// WorkerID 返回该配置对应 worker 的标识。
func (c *Config) WorkerID() string {
	set := c.App.VersionSet()
	return set.App
}

// RestartRequired 返回热加载无法生效、必须重启进程才能应用的配置项名称。
func (c *Config) RestartRequired(next *Config) []string {
	if c == nil || next == nil {
		return nil
	}
	var keys []string
	add := func(changed bool, key string) {
		if changed {
			keys = append(keys, key)
		}
	}
	prev, cur := c.Global, next.Global
	add(prev.ListenPort != cur.ListenPort, "ListenPort")
	add(prev.LogFilePath != cur.LogFilePath, "LogFilePath")
	add(prev.StoragePath != cur.StoragePath, "StoragePath")
	add(prev.StorageBackend != cur.StorageBackend, "StorageBackend")
	add(prev.MemoryEntries != cur.MemoryEntries, "MemoryEntries")
	add(prev.UpstreamTimeout != cur.UpstreamTimeout, "UpstreamTimeout")
	add(c.App.AppOrigin != next.App.AppOrigin, appField("AppOrigin"))
	add(c.App.Upstream != next.App.Upstream, appField("Upstream"))
	add(c.App.RemoteScheme != next.App.RemoteScheme, appField("RemoteScheme"))
	add(!slices.Equal(c.App.FontHosts, next.App.FontHosts) || !slices.Equal(c.App.RemoteHosts, next.App.RemoteHosts), appField("RemoteHosts"))
	return keys
}
