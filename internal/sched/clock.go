package sched

import (
	"context"
	"time"
)

// Clock 抽象时间读取与睡眠，便于测试中以假时钟驱动调度器。
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock 返回基于系统时钟的实现。Now 携带单调时钟读数，
// 唤醒后重新计算剩余等待不受墙钟回拨影响。
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
