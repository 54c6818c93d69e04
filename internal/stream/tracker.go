package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrWaitTimeout 表示等待成交超时。推送断连期间的超时应按"未知"处理，
// 调用方需回退到一次主动查单而不是当作失败。
var ErrWaitTimeout = errors.New("stream: 等待成交超时")

// ErrUnknownOrder 表示订单未被跟踪。
var ErrUnknownOrder = errors.New("stream: 订单未被跟踪")

type entry struct {
	rec        OrderRecord
	terminalAt time.Time
}

// Tracker 维护订单状态机。写入方只有两个：下单方注册新订单，
// 推送事件驱动状态迁移；读取方拿到的都是同步快照。
type Tracker struct {
	mu      sync.RWMutex
	orders  map[string]*entry
	waiters map[string][]chan OrderRecord

	// gapSince 非零表示推送通道断连中，期间已记录的终态仍然有效。
	gapSince time.Time

	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker 创建跟踪器。retention 为终态记录的保留期。
func NewTracker(retention time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Tracker{
		orders:    make(map[string]*entry),
		waiters:   make(map[string][]chan OrderRecord),
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Track 注册一笔刚下出的订单，初始状态为 NEW。
func (t *Tracker) Track(rec OrderRecord) {
	if rec.Status == "" {
		rec.Status = StatusNew
	}
	rec.UpdatedAt = t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[rec.OrderID] = &entry{rec: rec}
}

// Apply 应用一条推送事件。未知订单号直接忽略（可能属于历史会话）；
// 已终结的订单不再迁移。终态迁移会唤醒全部等待者。
func (t *Tracker) Apply(ev Event) {
	t.mu.Lock()

	e, ok := t.orders[ev.OrderID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("忽略未知订单推送", zap.String("order_id", ev.OrderID))
		return
	}
	if e.rec.Status.Terminal() {
		t.mu.Unlock()
		return
	}

	e.rec.Status = ev.Status
	if !ev.ExecutedQty.IsZero() {
		e.rec.ExecutedQty = ev.ExecutedQty
	}
	if !ev.Commission.IsZero() {
		e.rec.Commission = ev.Commission
	}
	if !ev.Price.IsZero() {
		e.rec.Price = ev.Price
	}
	e.rec.UpdatedAt = t.now()

	var (
		waiters  []chan OrderRecord
		snapshot OrderRecord
	)
	if ev.Status.Terminal() {
		e.terminalAt = t.now()
		waiters = t.waiters[ev.OrderID]
		delete(t.waiters, ev.OrderID)
		snapshot = e.rec
	}
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- snapshot
	}
}

// Resolve 用主动查单的结果修正本地状态，供成交等待超时后的兜底路径使用。
func (t *Tracker) Resolve(rec OrderRecord) {
	ev := Event{
		OrderID:     rec.OrderID,
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		Status:      rec.Status,
		Price:       rec.Price,
		ExecutedQty: rec.ExecutedQty,
		Commission:  rec.Commission,
	}
	t.Apply(ev)
}

// Get 返回订单当前快照。
func (t *Tracker) Get(orderID string) (OrderRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.orders[orderID]
	if !ok {
		return OrderRecord{}, false
	}
	return e.rec, true
}

// AwaitFill 阻塞直到订单到达终态、超时或 ctx 取消。
// 订单已处于终态时立即返回当前快照。
func (t *Tracker) AwaitFill(ctx context.Context, orderID string, timeout time.Duration) (OrderRecord, error) {
	t.mu.Lock()
	e, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return OrderRecord{}, ErrUnknownOrder
	}
	if e.rec.Status.Terminal() {
		rec := e.rec
		t.mu.Unlock()
		return rec, nil
	}
	ch := make(chan OrderRecord, 1)
	t.waiters[orderID] = append(t.waiters[orderID], ch)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-ch:
		return rec, nil
	case <-timer.C:
		t.dropWaiter(orderID, ch)
		return OrderRecord{}, ErrWaitTimeout
	case <-ctx.Done():
		t.dropWaiter(orderID, ch)
		return OrderRecord{}, ctx.Err()
	}
}

func (t *Tracker) dropWaiter(orderID string, ch chan OrderRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	waiters := t.waiters[orderID]
	for i, w := range waiters {
		if w == ch {
			t.waiters[orderID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(t.waiters[orderID]) == 0 {
		delete(t.waiters, orderID)
	}
}

// MarkGap 标记推送通道断连，期间的成交等待超时应按未知处理。
func (t *Tracker) MarkGap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gapSince.IsZero() {
		t.gapSince = t.now()
	}
}

// MarkHealthy 标记推送通道恢复。
func (t *Tracker) MarkHealthy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gapSince = time.Time{}
}

// Healthy 报告推送通道是否在线。
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gapSince.IsZero()
}

// Sweep 回收终态超过保留期的记录，返回回收条数。
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed int
	for id, e := range t.orders {
		if !e.terminalAt.IsZero() && now.Sub(e.terminalAt) > t.retention {
			delete(t.orders, id)
			removed++
		}
	}
	return removed
}

// StartGC 启动后台回收循环，ctx 取消后退出。
func (t *Tracker) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(t.now()); n > 0 {
					t.logger.Debug("回收终态订单记录", zap.Int("count", n))
				}
			}
		}
	}()
}

// Len 返回当前跟踪的订单数。
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}
