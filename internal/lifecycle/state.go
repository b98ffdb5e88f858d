// Package lifecycle 管理 worker 的安装与激活：安装阶段预缓存关键资源，激活阶段
// 删除不属于当前版本集合的分区并接管所有客户端。
package lifecycle

import (
	"errors"
	"fmt"
)

// State 是 worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed 表示预缓存未完成，worker 不能进入 installed。
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidTransition 表示当前阶段不允许该操作。
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// allowed 列出每个目标阶段允许的前置阶段。
var allowed = map[State][]State{
	StateInstalling: {StateParsed, StateInstalled},
	StateInstalled:  {StateInstalling},
	StateActivating: {StateInstalled},
	StateActivated:  {StateActivating},
	StateRedundant:  {StateParsed, StateInstalling, StateInstalled, StateActivating, StateActivated, StateRedundant},
	StateParsed:     {StateInstalling},
}

func checkTransition(from, to State) error {
	for _, state := range allowed[to] {
		if state == from {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
