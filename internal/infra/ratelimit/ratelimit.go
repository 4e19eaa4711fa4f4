package ratelimit

import (
	"context"
	"sync"
	"time"
)

// 可替换的时钟与 sleep，让测试不依赖真实墙钟。
var (
	timeNow  = time.Now
	sleepCtx = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
)

// Limiter 保证相邻两次 Wait 返回之间至少间隔 min。
//
// 约束：
// - 首次调用不等待
// - 一次 run 共享一个实例：间隔作用于所有出站请求，而不只是文件下载
// - 并发安全（pipeline 目前是串行的，但契约不依赖这一点）
type Limiter struct {
	mu   sync.Mutex
	min  time.Duration
	last time.Time
}

func New(min time.Duration) *Limiter {
	if min < 0 {
		min = 0
	}
	return &Limiter{min: min}
}

// Wait 阻塞到距上一次 Wait 返回至少过去 min；ctx 取消时提前返回其错误。
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	now := timeNow()
	if !l.last.IsZero() && l.min > 0 {
		if wait := l.min - now.Sub(l.last); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
	}

	// “自上一次返回起计时”：取 sleep 之后的当前时间。
	l.last = timeNow()
	return nil
}
