package strategy

import (
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/classify"
)

// Mode 描述一个资源类别的读写策略。
type Mode string

const (
	// ModeCacheFirst 命中即返回，未命中回源并在截止时间内等待结果。
	ModeCacheFirst Mode = "cache-first"
	// ModeStaleWhileRevalidate 命中时返回旧值并在后台刷新。
	ModeStaleWhileRevalidate Mode = "stale-while-revalidate"
)

// 各类别回源的截止时间。
const (
	AppTimeout         = 5 * time.Second
	FontTimeout        = 8 * time.Second
	FontServiceTimeout = 6 * time.Second
)

// Profile 是某个资源类别的策略参数。
type Profile struct {
	Class            classify.Class
	Mode             Mode
	Timeout          time.Duration
	RefreshDocuments bool
	OfflineFallback  bool
}

// DefaultProfiles 返回内置的类别 → 策略表。
func DefaultProfiles() map[classify.Class]Profile {
	app := Profile{
		Mode:             ModeCacheFirst,
		Timeout:          AppTimeout,
		RefreshDocuments: true,
		OfflineFallback:  true,
	}
	shell := app
	shell.Class = classify.ClassAppShell
	asset := app
	asset.Class = classify.ClassSameOrigin

	return map[classify.Class]Profile{
		classify.ClassAppShell:   shell,
		classify.ClassSameOrigin: asset,
		classify.ClassFontFile: {
			Class:   classify.ClassFontFile,
			Mode:    ModeCacheFirst,
			Timeout: FontTimeout,
		},
		classify.ClassFontService: {
			Class:   classify.ClassFontService,
			Mode:    ModeStaleWhileRevalidate,
			Timeout: FontServiceTimeout,
		},
	}
}

// refreshOnHit 判断命中后是否需要后台刷新。
func (p Profile) refreshOnHit(req *http.Request) bool {
	if p.Mode == ModeStaleWhileRevalidate {
		return true
	}
	return p.RefreshDocuments && classify.IsDocumentPath(req.URL.Path)
}

func normalizeProfile(profile Profile) Profile {
	if profile.Timeout < 0 {
		profile.Timeout = 0
	}
	if profile.Mode == "" {
		profile.Mode = ModeCacheFirst
	}
	return profile
}
