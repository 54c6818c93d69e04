package stream

import "time"

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// reconnectDelay 返回第 retry 次重连前的退避时长：1s、2s、4s……封顶 30s。
func reconnectDelay(retry int) time.Duration {
	if retry < 0 {
		return reconnectBase
	}
	if retry > 30 {
		return reconnectMax
	}
	delay := reconnectBase * time.Duration(1<<retry)
	if delay > reconnectMax {
		return reconnectMax
	}
	return delay
}
