package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alpha-engine/internal/config"
	"alpha-engine/internal/executor"
	"alpha-engine/internal/sched"
	"alpha-engine/internal/session"
	"alpha-engine/internal/store"
	"alpha-engine/internal/token"
	"alpha-engine/internal/venue"
)

// OutcomeStatus 描述单账户在一轮中的最终状态。
type OutcomeStatus string

const (
	StatusSuccess  OutcomeStatus = "success"
	StatusFailed   OutcomeStatus = "failed"
	StatusSkipped  OutcomeStatus = "skipped"
	StatusTerminal OutcomeStatus = "terminal"
	StatusCanceled OutcomeStatus = "canceled"
)

// AccountOutcome 为一轮中单账户的结果。部分成功是常态而非轮级错误。
type AccountOutcome struct {
	AccountID string
	Status    OutcomeStatus
	Reason    string
	Claim     *executor.ClaimAttempt
	Trade     *executor.TradeRound
}

// RoundResult 汇总一轮全部账户的结果。
type RoundResult struct {
	Mode     string
	FiredAt  time.Time
	Outcomes []AccountOutcome
}

// Count 统计指定状态的账户数。
func (r RoundResult) Count(status OutcomeStatus) int {
	var n int
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

type coordinatorConfig struct {
	mode           string
	accountTimeout time.Duration
	trade          config.TradeConfig
}

// Coordinator 驱动一轮执行：布防定时器、触发后按账户并发派发执行器、
// 收齐所有账户结果后结束。轮次不会自动重试，下一轮由调用方安排。
type Coordinator struct {
	cfg      coordinatorConfig
	sched    *sched.Scheduler
	sessions *session.Registry
	claimer  *executor.Claimer
	trader   *executor.Trader
	resolver *token.Resolver
	store    *store.Store
	logger   *zap.Logger
}

// ScheduleRound 等待触发时刻，然后并发执行所有启用账户的动作。
// 定时已错过时返回 sched.ErrMissed，属于整轮致命错误。
func (c *Coordinator) ScheduleRound(ctx context.Context, target time.Time, compensation time.Duration, accounts []config.AccountConfig) (RoundResult, error) {
	if err := c.sched.WaitUntil(ctx, target, compensation); err != nil {
		return RoundResult{}, err
	}

	result := RoundResult{
		Mode:     c.cfg.mode,
		FiredAt:  c.sched.Now(),
		Outcomes: make([]AccountOutcome, len(accounts)),
	}
	c.logger.Info("定时已触发，派发账户任务",
		zap.String("mode", c.cfg.mode),
		zap.Int("accounts", len(accounts)),
	)

	// 账户任务完全独立：任何账户的失败都不取消其他账户，
	// 错误只落在各自的 AccountOutcome 里。
	var g errgroup.Group
	for i, acct := range accounts {
		i, acct := i, acct
		g.Go(func() error {
			result.Outcomes[i] = c.runAccount(ctx, acct)
			return nil
		})
	}
	_ = g.Wait()

	c.persist(result)
	return result, nil
}

func (c *Coordinator) runAccount(ctx context.Context, acct config.AccountConfig) AccountOutcome {
	actx, cancel := context.WithTimeout(ctx, c.cfg.accountTimeout)
	defer cancel()

	outcome := AccountOutcome{AccountID: acct.ID}

	// 会话失效直接跳过该账户，本轮内不再用同一会话重试。
	if _, err := c.sessions.Get(actx, acct.ID); err != nil {
		outcome.Status = StatusSkipped
		outcome.Reason = err.Error()
		c.logger.Warn("账户会话不可用，跳过本轮",
			zap.String("account", acct.ID),
			zap.String("kind", venue.KindOf(err).String()),
			zap.Error(err),
		)
		return outcome
	}

	switch c.cfg.mode {
	case "claim":
		return c.runClaim(actx, acct)
	case "trade":
		return c.runTrade(actx, acct)
	default:
		outcome.Status = StatusFailed
		outcome.Reason = "未知执行模式 " + c.cfg.mode
		return outcome
	}
}

func (c *Coordinator) runClaim(ctx context.Context, acct config.AccountConfig) AccountOutcome {
	attempt := c.claimer.ClaimWindow(ctx, acct.ID)
	outcome := AccountOutcome{
		AccountID: acct.ID,
		Reason:    attempt.Message,
		Claim:     &attempt,
	}

	switch attempt.Outcome {
	case executor.OutcomeSuccess:
		outcome.Status = StatusSuccess
	case executor.OutcomeAlreadyClaimed, executor.OutcomeNotEligible:
		outcome.Status = StatusTerminal
	default:
		if ctx.Err() != nil {
			outcome.Status = StatusCanceled
		} else {
			outcome.Status = StatusFailed
		}
	}
	return outcome
}

func (c *Coordinator) runTrade(ctx context.Context, acct config.AccountConfig) AccountOutcome {
	outcome := AccountOutcome{AccountID: acct.ID}

	asset, err := c.resolver.Resolve(ctx, c.cfg.trade.Symbol)
	if err != nil {
		// 三级解析全部失败只影响该账户。
		outcome.Status = StatusFailed
		outcome.Reason = err.Error()
		return outcome
	}

	target := decimal.NewFromFloat(c.cfg.trade.TargetNotional)
	if acct.TargetNotional > 0 {
		target = decimal.NewFromFloat(acct.TargetNotional)
	}
	increment := decimal.NewFromFloat(c.cfg.trade.Increment)
	if acct.Increment > 0 {
		increment = decimal.NewFromFloat(acct.Increment)
	}

	round := c.trader.Run(ctx, acct.ID, asset, target, increment)
	outcome.Trade = &round
	outcome.Reason = round.FailReason

	switch {
	case round.Completed:
		outcome.Status = StatusSuccess
	case ctx.Err() != nil:
		outcome.Status = StatusCanceled
	default:
		outcome.Status = StatusFailed
	}
	return outcome
}

// persist 落盘轮次结果，失败只记日志不影响轮次返回。
func (c *Coordinator) persist(result RoundResult) {
	if c.store == nil {
		return
	}

	for _, o := range result.Outcomes {
		if o.Claim != nil {
			if err := c.store.SaveClaimAttempt(*o.Claim); err != nil {
				c.logger.Warn("持久化领取记录失败", zap.Error(err))
			}
		}
		if o.Trade != nil {
			if err := c.store.SaveTradeRound(*o.Trade); err != nil {
				c.logger.Warn("持久化刷量记录失败", zap.Error(err))
			}
		}
	}

	err := c.store.SaveRoundSummary(
		result.Mode,
		result.FiredAt,
		len(result.Outcomes),
		result.Count(StatusSuccess),
		result.Count(StatusFailed)+result.Count(StatusCanceled),
		result.Count(StatusSkipped)+result.Count(StatusTerminal),
	)
	if err != nil {
		c.logger.Warn("持久化轮次汇总失败", zap.Error(err))
	}
}
