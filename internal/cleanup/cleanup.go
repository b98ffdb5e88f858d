// Package cleanup 在后台同步信号触发时删除过期分区。
package cleanup

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/partition"
)

// Tag 是触发清理的后台同步标签。
const Tag = "cache-cleanup"

// Task 删除既不在当前版本集合中、名称也不含版本标记的分区。失败只记录日志，不重试。
type Task struct {
	registry partition.Registry
	marker   string
	current  partition.VersionSet
	logger   *logrus.Logger
}

// New 创建清理任务；marker 通常为部署版本号，current 中的分区即使带有单独覆盖的版本号也会保留。
func New(registry partition.Registry, marker string, current partition.VersionSet, logger *logrus.Logger) (*Task, error) {
	if registry == nil {
		return nil, errors.New("partition registry required")
	}
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return nil, errors.New("version marker required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Task{registry: registry, marker: marker, current: current, logger: logger}, nil
}

// Run 执行一次清理并返回已删除的分区名（排序后）。
func (t *Task) Run(ctx context.Context) []string {
	fields := logrus.Fields{"action": "cleanup", "tag": Tag, "marker": t.marker}
	names, err := t.registry.Names(ctx)
	if err != nil {
		t.logger.WithFields(fields).WithError(err).Warn("list partitions failed")
		return nil
	}
	var removed []string
	for _, name := range names {
		if t.current.Contains(name) || strings.Contains(name, t.marker) {
			continue
		}
		deleted, err := t.registry.Delete(ctx, name)
		if err != nil {
			t.logger.WithFields(fields).WithField("partition", name).WithError(err).Warn("remove partition failed")
			continue
		}
		if deleted {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	fields["removed"] = removed
	t.logger.WithFields(fields).Info("cleanup finished")
	return removed
}
