package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/shellcache/internal/classify"
	"github.com/any-hub/shellcache/internal/partition"
)

// DefaultCriticalFiles 在未配置关键资源时使用，保证离线回退所需的 /index.html 被预缓存。
var DefaultCriticalFiles = []string{"/", "/index.html"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", string(partition.BackendFS))
	v.SetDefault("MemoryEntries", partition.DefaultMemoryEntries)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = string(partition.BackendFS)
	}
	if g.MemoryEntries == 0 {
		g.MemoryEntries = partition.DefaultMemoryEntries
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyAppDefaults(a *AppConfig) {
	a.AppOrigin = strings.TrimRight(strings.TrimSpace(a.AppOrigin), "/")
	a.Upstream = strings.TrimSpace(a.Upstream)
	a.RemoteScheme = strings.ToLower(strings.TrimSpace(a.RemoteScheme))
	if a.RemoteScheme == "" {
		a.RemoteScheme = "https"
	}
	if strings.TrimSpace(a.CachePrefix) == "" {
		a.CachePrefix = "shellcache"
	}
	a.Version = strings.TrimSpace(a.Version)
	if len(a.CriticalFiles) == 0 {
		a.CriticalFiles = append([]string(nil), DefaultCriticalFiles...)
	}
	if len(a.FontHosts) == 0 {
		a.FontHosts = append([]string(nil), classify.DefaultFontHosts...)
	}
	for i, host := range a.FontHosts {
		a.FontHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
	for i, host := range a.RemoteHosts {
		a.RemoteHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
	if strings.TrimSpace(a.NotificationTitle) == "" {
		a.NotificationTitle = "App"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
