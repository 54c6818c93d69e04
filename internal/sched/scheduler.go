package sched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrMissed 表示布防时目标时间已错过，属于整轮致命错误，不得静默跳过。
var ErrMissed = errors.New("sched: 目标时间已错过")

// Options 控制等待节奏。
type Options struct {
	// Coarse 为距目标较远时的粗粒度睡眠步长。
	Coarse time.Duration
	// Fine 为进入收口窗口后的细粒度轮询步长。
	Fine time.Duration
	// FineWindow 为切换到细粒度轮询的剩余时间阈值。
	FineWindow time.Duration
	// MissTolerance 为布防时允许目标时间已过的容忍量。
	MissTolerance time.Duration
}

func (o Options) withDefaults() Options {
	if o.Coarse <= 0 {
		o.Coarse = 200 * time.Millisecond
	}
	if o.Fine <= 0 {
		o.Fine = time.Millisecond
	}
	if o.FineWindow <= 0 {
		o.FineWindow = 50 * time.Millisecond
	}
	if o.MissTolerance <= 0 {
		o.MissTolerance = time.Second
	}
	return o
}

// Scheduler 在补偿后的目标时刻精确放行一次。
// 远离目标时粗睡、临近目标时细粒度轮询并每次重读时钟，
// 将触发误差收敛到毫秒级。
type Scheduler struct {
	clock  Clock
	opts   Options
	logger *zap.Logger

	// offset 为本地与服务器的时间差，本地时间+offset≈服务器时间。
	offset atomic.Int64
}

// New 创建调度器。clock 传 nil 时使用系统时钟。
func New(clock Clock, opts Options, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clock,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// SetOffset 更新服务器时间偏移，通常来自一次 Calibrate。
func (s *Scheduler) SetOffset(offset time.Duration) {
	s.offset.Store(int64(offset))
}

// Offset 返回当前使用的服务器时间偏移。
func (s *Scheduler) Offset() time.Duration {
	return time.Duration(s.offset.Load())
}

// Now 返回校准后的当前时间（近似服务器时间）。
func (s *Scheduler) Now() time.Time {
	return s.clock.Now().Add(s.Offset())
}

// WaitUntil 睡到 target-compensation 后返回。目标时间已过超出容忍量时
// 返回 ErrMissed；ctx 取消则中止等待且不放行。
func (s *Scheduler) WaitUntil(ctx context.Context, target time.Time, compensation time.Duration) error {
	if compensation < 0 {
		return fmt.Errorf("sched: 补偿偏移不能为负: %v", compensation)
	}

	now := s.Now()
	if target.Add(s.opts.MissTolerance).Before(now) {
		return fmt.Errorf("%w: 目标 %s 当前 %s", ErrMissed,
			target.Format("15:04:05.000"), now.Format("15:04:05.000"))
	}

	fire := target.Add(-compensation)
	if !fire.After(now) {
		s.logger.Warn("触发时刻已到，立即放行",
			zap.Time("target", target),
			zap.Duration("compensation", compensation),
		)
		return nil
	}

	s.logger.Info("开始等待触发时刻",
		zap.Time("target", target),
		zap.Duration("compensation", compensation),
		zap.Duration("remaining", fire.Sub(now)),
	)

	for {
		remaining := fire.Sub(s.Now())
		if remaining <= 0 {
			return nil
		}

		step := s.opts.Coarse
		if remaining <= s.opts.FineWindow {
			step = s.opts.Fine
		}
		if remaining < step {
			step = remaining
		}

		if err := s.clock.Sleep(ctx, step); err != nil {
			return err
		}
	}
}

// NextDailyTime 返回按每日时分秒计算的下一个目标时刻，今日已过则取明日。
func NextDailyTime(now time.Time, hour, minute, second int) time.Time {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}
