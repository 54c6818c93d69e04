package sched

import (
	"context"
	"fmt"
	"time"
)

// ServerTimeFunc 获取一次远端服务器时间。
type ServerTimeFunc func(ctx context.Context) (time.Time, error)

// Calibrate 多次采样估计本地与服务器的时间差，取请求中点对齐以抵消
// 单程网络延迟。单次采样失败会被跳过，全部失败才返回错误。
func Calibrate(ctx context.Context, fn ServerTimeFunc, samples int, clock Clock) (time.Duration, error) {
	if clock == nil {
		clock = RealClock()
	}
	if samples <= 0 {
		samples = 3
	}

	var total time.Duration
	var ok int
	for i := 0; i < samples; i++ {
		before := clock.Now()
		serverTime, err := fn(ctx)
		after := clock.Now()
		if err == nil {
			mid := before.Add(after.Sub(before) / 2)
			total += serverTime.Sub(mid)
			ok++
		}

		if i < samples-1 {
			if err := clock.Sleep(ctx, 100*time.Millisecond); err != nil {
				return 0, err
			}
		}
	}

	if ok == 0 {
		return 0, fmt.Errorf("sched: 无法获取服务器时间完成校准")
	}
	return total / time.Duration(ok), nil
}
