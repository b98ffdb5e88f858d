package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/partition"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储后端与回源行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	MemoryEntries   int      `mapstructure:"MemoryEntries"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AppConfig 描述被缓存的单页应用：origin、上游、版本与关键资源列表。
type AppConfig struct {
	AppOrigin         string   `mapstructure:"AppOrigin"`
	Upstream          string   `mapstructure:"Upstream"`
	RemoteScheme      string   `mapstructure:"RemoteScheme"`
	CachePrefix       string   `mapstructure:"CachePrefix"`
	Version           string   `mapstructure:"Version"`
	AppVersion        string   `mapstructure:"AppVersion"`
	DataVersion       string   `mapstructure:"DataVersion"`
	FontVersion       string   `mapstructure:"FontVersion"`
	CriticalFiles     []string `mapstructure:"CriticalFiles"`
	OptionalFiles     []string `mapstructure:"OptionalFiles"`
	FontHosts         []string `mapstructure:"FontHosts"`
	RemoteHosts       []string `mapstructure:"RemoteHosts"`
	NotificationTitle string   `mapstructure:"NotificationTitle"`
	NotificationIcon  string   `mapstructure:"NotificationIcon"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// VersionSet 返回本次部署视为 current 的分区名，未单独指定的分区沿用 Version。
func (a AppConfig) VersionSet() partition.VersionSet {
	return partition.NewVersionSet(a.CachePrefix, pick(a.AppVersion, a.Version), pick(a.DataVersion, a.Version), pick(a.FontVersion, a.Version))
}

// PartitionOptions 将全局存储配置转换为分区后端参数。
func (g GlobalConfig) PartitionOptions() partition.Options {
	return partition.Options{
		Backend:       partition.Backend(g.StorageBackend),
		StoragePath:   g.StoragePath,
		MemoryEntries: g.MemoryEntries,
	}
}

func pick(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}
