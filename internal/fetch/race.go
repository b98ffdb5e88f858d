package fetch

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout 表示网络请求未能在截止时间前完成。
var ErrTimeout = errors.New("fetch timeout")

type settled[T any] struct {
	value T
	err   error
}

// Race 让 op 与计时器竞争：先完成者胜出。超时后 op 不会被取消，它最终的结果
// 交给 discard 处理后丢弃（可为 nil）。timeout <= 0 时直接同步执行 op。
func Race[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error), discard func(T)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	done := make(chan settled[T], 1)
	go func() {
		value, err := op(ctx)
		done <- settled[T]{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		drainLoser(done, discard)
		return zero, ErrTimeout
	case <-ctx.Done():
		drainLoser(done, discard)
		return zero, ctx.Err()
	}
}

func drainLoser[T any](done <-chan settled[T], discard func(T)) {
	if discard == nil {
		return
	}
	go func() {
		out := <-done
		if out.err == nil {
			discard(out.value)
		}
	}()
}
