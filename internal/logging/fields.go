package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 worker/类别/分区/结果字段，供拦截请求日志复用。
func RequestFields(worker, class, partition, outcome string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"worker":    worker,
		"class":     class,
		"partition": partition,
		"outcome":   outcome,
		"cache_hit": cacheHit,
	}
}

// PassThroughFields 用于未被拦截、直接转发的请求。
func PassThroughFields(worker, reason string) logrus.Fields {
	return logrus.Fields{
		"worker":    worker,
		"outcome":   "pass-through",
		"reason":    reason,
		"cache_hit": false,
	}
}
