package partition

import "strings"

// Role 是分区的逻辑名称，与版本号组合得到真实分区名。
type Role string

const (
	RoleApp   Role = "app"
	RoleData  Role = "data"
	RoleFonts Role = "fonts"
)

// VersionSet 记录本次部署视为 current 的分区名，激活时据此删除其余分区。
type VersionSet struct {
	App   string
	Data  string
	Fonts string
}

// NewVersionSet 按 <prefix>-<ver>、<prefix>-data-<ver>、<prefix>-fonts-<ver> 的约定生成分区名。
func NewVersionSet(prefix, appVersion, dataVersion, fontVersion string) VersionSet {
	prefix = strings.TrimSpace(prefix)
	return VersionSet{
		App:   join(prefix, "", appVersion),
		Data:  join(prefix, "data", dataVersion),
		Fonts: join(prefix, "fonts", fontVersion),
	}
}

func join(prefix, role, version string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, role, strings.TrimSpace(version)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

// Name 返回指定角色对应的分区名。
func (v VersionSet) Name(role Role) string {
	switch role {
	case RoleApp:
		return v.App
	case RoleData:
		return v.Data
	case RoleFonts:
		return v.Fonts
	}
	return ""
}

// Names 返回全部 current 分区名。
func (v VersionSet) Names() []string {
	return []string{v.App, v.Data, v.Fonts}
}

// Contains 判断分区名是否属于当前版本集合。
func (v VersionSet) Contains(name string) bool {
	for _, current := range v.Names() {
		if current != "" && current == name {
			return true
		}
	}
	return false
}

// Equal 用于配置热加载时判断版本集合是否变化。
func (v VersionSet) Equal(other VersionSet) bool {
	return v == other
}
