package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alpha-engine/internal/stream"
	"alpha-engine/internal/token"
	"alpha-engine/internal/venue"
)

// tradeClient 抽象刷量动作依赖的远端调用。
type tradeClient interface {
	LatestPrice(ctx context.Context, accountID string, asset token.Asset) (decimal.Decimal, error)
	PlaceLimitOrder(ctx context.Context, accountID string, ord venue.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, accountID string, asset token.Asset, orderID string) error
	QueryOrder(ctx context.Context, accountID, orderID string) (venue.OrderState, error)
}

// fillWaiter 抽象订单跟踪器的成交等待。
type fillWaiter interface {
	Track(rec stream.OrderRecord)
	AwaitFill(ctx context.Context, orderID string, timeout time.Duration) (stream.OrderRecord, error)
	Resolve(rec stream.OrderRecord)
	Healthy() bool
}

// errSkipCycle 表示本轮买卖循环未产生成交，计入失败预算后继续。
var errSkipCycle = errors.New("executor: 本轮循环未成交")

// TradeOptions 控制刷量行为。
type TradeOptions struct {
	QuoteCurrency   string
	BuyPaymentType  string
	SellPaymentType string

	// BuySlippage/SellSlippage 为报价上的滑点余量。
	BuySlippage  decimal.Decimal
	SellSlippage decimal.Decimal

	// FillTimeout 为单笔订单的成交等待上限，超时回退到一次主动查单。
	FillTimeout time.Duration
	// SettleDelay 为买入成交与卖出下单之间的缓冲。
	SettleDelay time.Duration

	// MinQuantity 为买入数量下限，截断后低于该值直接判定增量不可行。
	MinQuantity decimal.Decimal
	// MinSellQuantity 为卖出数量下限。
	MinSellQuantity decimal.Decimal
	// MaxFailures 为一轮内允许的未成交循环数。
	MaxFailures int
}

func (o TradeOptions) withDefaults() TradeOptions {
	if o.QuoteCurrency == "" {
		o.QuoteCurrency = "USDT"
	}
	if o.BuyPaymentType == "" {
		o.BuyPaymentType = "CARD"
	}
	if o.SellPaymentType == "" {
		o.SellPaymentType = "ALPHA"
	}
	if o.FillTimeout <= 0 {
		o.FillTimeout = 5 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 300 * time.Millisecond
	}
	if o.MinQuantity.IsZero() {
		o.MinQuantity = decimal.NewFromInt(1)
	}
	if o.MinSellQuantity.IsZero() {
		o.MinSellQuantity = decimal.RequireFromString("0.01")
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	return o
}

// Trader 执行刷量动作：报价、买入、等成交、回卖，循环到目标名义额。
// 一个账户的失败只终止该账户的本轮，对其他账户无影响。
type Trader struct {
	client tradeClient
	fills  fillWaiter
	opts   TradeOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewTrader 创建刷量执行器。
func NewTrader(client tradeClient, fills fillWaiter, opts TradeOptions, logger *zap.Logger) *Trader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trader{
		client: client,
		fills:  fills,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Run 循环执行买卖直到累计名义额达到 target 或失败预算耗尽。
// 报价或下单失败会立即终止该账户的本轮（跳过账户策略）。
func (t *Trader) Run(ctx context.Context, accountID string, asset token.Asset, target, increment decimal.Decimal) TradeRound {
	round := TradeRound{
		AccountID:      accountID,
		Symbol:         asset.Symbol,
		TargetNotional: target,
		StartedAt:      t.now(),
	}
	defer func() {
		round.FinishedAt = t.now()
	}()

	if target.Sign() <= 0 || increment.Sign() <= 0 {
		round.FailReason = "目标名义额与单次增量必须为正"
		return round
	}

	var failures int
	for round.ExecutedNotional.LessThan(target) {
		if err := ctx.Err(); err != nil {
			round.FailReason = fmt.Sprintf("本轮被取消: %v", err)
			return round
		}

		bought, err := t.cycle(ctx, accountID, asset, increment)
		if err != nil {
			if errors.Is(err, errSkipCycle) {
				failures++
				if failures > t.opts.MaxFailures {
					round.FailReason = fmt.Sprintf("连续 %d 次循环未成交", failures)
					return round
				}
				continue
			}
			round.FailReason = err.Error()
			t.logger.Warn("刷量循环失败，终止该账户本轮",
				zap.String("account", accountID),
				zap.String("symbol", asset.Symbol),
				zap.Error(err),
			)
			return round
		}

		failures = 0
		round.ExecutedNotional = round.ExecutedNotional.Add(bought)
		round.Cycles++
		t.logger.Info("完成一次买卖循环",
			zap.String("account", accountID),
			zap.String("executed", round.ExecutedNotional.String()),
			zap.String("target", target.String()),
		)
	}

	round.Completed = true
	return round
}

// cycle 执行一次买入-回卖循环，返回本次买入的名义额。
func (t *Trader) cycle(ctx context.Context, accountID string, asset token.Asset, increment decimal.Decimal) (decimal.Decimal, error) {
	price, err := t.client.LatestPrice(ctx, accountID, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取报价失败: %w", err)
	}

	one := decimal.NewFromInt(1)
	buyPrice := price.Mul(one.Add(t.opts.BuySlippage)).Truncate(asset.PricePrecision)
	if buyPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("买入价截断后非正: %s", buyPrice)
	}

	// 数量只向下截断，保证 qty*price ≤ increment，绝不超付。
	qty := increment.Div(buyPrice).Truncate(asset.QuantityPrecision)
	if qty.LessThan(t.opts.MinQuantity) {
		return decimal.Zero, fmt.Errorf("单次增量 %s 在价格 %s 下不足最小下单数量 %s",
			increment, buyPrice, t.opts.MinQuantity)
	}
	notional := buyPrice.Mul(qty)

	orderID, err := t.placeTracked(ctx, accountID, asset, venue.OrderRequest{
		BaseAsset:     asset.AlphaID,
		QuoteAsset:    t.opts.QuoteCurrency,
		Side:          "BUY",
		Price:         buyPrice,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
		PaymentType:   t.opts.BuyPaymentType,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("买入下单失败: %w", err)
	}

	rec, err := t.awaitOrPoll(ctx, accountID, orderID)
	if err != nil {
		return decimal.Zero, err
	}

	switch rec.Status {
	case stream.StatusFilled:
		received := rec.ExecutedQty.Sub(rec.Commission)
		if err := t.sleep(ctx, t.opts.SettleDelay); err != nil {
			return decimal.Zero, err
		}
		if err := t.sellBack(ctx, accountID, asset, received, price); err != nil {
			return decimal.Zero, err
		}
		return notional, nil

	case stream.StatusPartiallyFilled:
		// 部分成交：撤掉剩余部分，回卖已成交的净额。
		t.cancelQuiet(ctx, accountID, asset, orderID)
		received := rec.ExecutedQty.Sub(rec.Commission)
		if received.Sign() <= 0 {
			return decimal.Zero, errSkipCycle
		}
		if err := t.sleep(ctx, t.opts.SettleDelay); err != nil {
			return decimal.Zero, err
		}
		if err := t.sellBack(ctx, accountID, asset, received, price); err != nil {
			return decimal.Zero, err
		}
		return buyPrice.Mul(rec.ExecutedQty), nil

	case stream.StatusCanceled:
		received := rec.ExecutedQty.Sub(rec.Commission)
		if received.Sign() <= 0 {
			return decimal.Zero, errSkipCycle
		}
		if err := t.sellBack(ctx, accountID, asset, received, price); err != nil {
			return decimal.Zero, err
		}
		return buyPrice.Mul(rec.ExecutedQty), nil

	case stream.StatusRejected, stream.StatusExpired:
		return decimal.Zero, errSkipCycle

	default:
		// 仍未成交：撤单并跳过本轮。
		t.cancelQuiet(ctx, accountID, asset, orderID)
		return decimal.Zero, errSkipCycle
	}
}

// sellBack 将买入所得回卖，让循环只积累成交量不积累仓位。
func (t *Trader) sellBack(ctx context.Context, accountID string, asset token.Asset, qty, refPrice decimal.Decimal) error {
	sellQty := qty.Truncate(asset.QuantityPrecision)
	if sellQty.LessThan(t.opts.MinSellQuantity) {
		t.logger.Warn("回卖数量不足下限，跳过卖出",
			zap.String("account", accountID),
			zap.String("quantity", sellQty.String()),
		)
		return nil
	}

	one := decimal.NewFromInt(1)
	sellPrice := refPrice.Mul(one.Sub(t.opts.SellSlippage)).Truncate(asset.PricePrecision)

	orderID, err := t.placeTracked(ctx, accountID, asset, venue.OrderRequest{
		BaseAsset:     asset.AlphaID,
		QuoteAsset:    t.opts.QuoteCurrency,
		Side:          "SELL",
		Price:         sellPrice,
		Quantity:      sellQty,
		ClientOrderID: uuid.NewString(),
		PaymentType:   t.opts.SellPaymentType,
	})
	if err != nil {
		return fmt.Errorf("卖出下单失败: %w", err)
	}

	rec, err := t.awaitOrPoll(ctx, accountID, orderID)
	if err != nil {
		return err
	}
	if rec.Status != stream.StatusFilled {
		t.cancelQuiet(ctx, accountID, asset, orderID)
		return fmt.Errorf("卖出订单 %s 未成交，状态 %s", orderID, rec.Status)
	}
	return nil
}

// placeTracked 下单并向跟踪器注册初始记录。
func (t *Trader) placeTracked(ctx context.Context, accountID string, asset token.Asset, ord venue.OrderRequest) (string, error) {
	orderID, err := t.client.PlaceLimitOrder(ctx, accountID, ord)
	if err != nil {
		return "", err
	}
	t.fills.Track(stream.OrderRecord{
		AccountID:     accountID,
		OrderID:       orderID,
		ClientOrderID: ord.ClientOrderID,
		Symbol:        asset.Symbol,
		Side:          ord.Side,
		Price:         ord.Price,
		Quantity:      ord.Quantity,
		Status:        stream.StatusNew,
	})
	return orderID, nil
}

// awaitOrPoll 等待成交。超时不视为失败——推送断连期间尤其如此——
// 而是回退到一次主动查单，用查单结果修正本地状态后再做决定。
func (t *Trader) awaitOrPoll(ctx context.Context, accountID, orderID string) (stream.OrderRecord, error) {
	rec, err := t.fills.AwaitFill(ctx, orderID, t.opts.FillTimeout)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, stream.ErrWaitTimeout) {
		return stream.OrderRecord{}, err
	}

	if !t.fills.Healthy() {
		t.logger.Warn("推送断连期间成交等待超时，回退主动查单",
			zap.String("account", accountID),
			zap.String("order_id", orderID),
		)
	}

	state, qerr := t.client.QueryOrder(ctx, accountID, orderID)
	if qerr != nil {
		// 查单兜底也失败，按未成交处理。
		t.logger.Warn("主动查单失败", zap.String("order_id", orderID), zap.Error(qerr))
		return stream.OrderRecord{OrderID: orderID, Status: stream.StatusNew}, nil
	}

	resolved := stream.OrderRecord{
		OrderID:     state.OrderID,
		Status:      stream.OrderStatus(state.Status),
		ExecutedQty: state.ExecutedQty,
		Commission:  state.Commission,
	}
	t.fills.Resolve(resolved)
	return resolved, nil
}

func (t *Trader) cancelQuiet(ctx context.Context, accountID string, asset token.Asset, orderID string) {
	if err := t.client.CancelOrder(ctx, accountID, asset, orderID); err != nil {
		// 撤单失败多半是订单已成交，容忍。
		t.logger.Warn("撤销订单失败",
			zap.String("account", accountID),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func (t *Trader) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
