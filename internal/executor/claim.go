package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"alpha-engine/internal/venue"
)

// airdropClient 抽象领取动作依赖的远端调用。
type airdropClient interface {
	QueryAirdrops(ctx context.Context, accountID string) ([]venue.RewardConfig, error)
	ClaimAirdrop(ctx context.Context, accountID, configID string) (venue.ClaimResult, error)
}

// ClaimOptions 控制领取节奏。
type ClaimOptions struct {
	// Attempts 为对可重试结果的尝试上限。
	Attempts int
	// RetryDelay 为重试间的固定间隔。
	RetryDelay time.Duration
	// QueryInterval 与 QueryWindow 控制触发后的高频扫描：
	// 每隔 QueryInterval 查一次空投列表，最长持续 QueryWindow。
	QueryInterval time.Duration
	QueryWindow   time.Duration
}

func (o ClaimOptions) withDefaults() ClaimOptions {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.QueryInterval <= 0 {
		o.QueryInterval = 100 * time.Millisecond
	}
	if o.QueryWindow <= 0 {
		o.QueryWindow = 10 * time.Second
	}
	return o
}

// Claimer 执行领取动作：幂等的单次远端调用加重试决策表。
type Claimer struct {
	client airdropClient
	opts   ClaimOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewClaimer 创建领取执行器。
func NewClaimer(client airdropClient, opts ClaimOptions, logger *zap.Logger) *Claimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claimer{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Claim 对指定配置发起领取。只有 Throttled/Transient 会在预算内
// 以固定间隔重试，其余结果立即终止并原样上报。
func (c *Claimer) Claim(ctx context.Context, accountID, rewardID string) ClaimAttempt {
	attempt := ClaimAttempt{
		AccountID: accountID,
		RewardID:  rewardID,
		Timestamp: c.now(),
	}

	for i := 1; i <= c.opts.Attempts; i++ {
		attempt.Attempts = i

		result, err := c.client.ClaimAirdrop(ctx, accountID, rewardID)
		outcome, message := c.classify(ctx, accountID, rewardID, result, err)
		attempt.Outcome = outcome
		attempt.Message = message

		if !outcome.Retryable() {
			return attempt
		}
		if i == c.opts.Attempts {
			return attempt
		}

		c.logger.Warn("领取失败，准备重试",
			zap.String("account", accountID),
			zap.String("reward", rewardID),
			zap.Int("attempt", i),
			zap.String("outcome", outcome.String()),
		)
		select {
		case <-ctx.Done():
			attempt.Message = ctx.Err().Error()
			return attempt
		case <-time.After(c.opts.RetryDelay):
		}
	}
	return attempt
}

// ClaimWindow 在触发后的时间窗内高频扫描空投列表，发现可领取项
// 立即领取。窗口内未出现可领取项按 NotEligible 上报。
func (c *Claimer) ClaimWindow(ctx context.Context, accountID string) ClaimAttempt {
	deadline := c.now().Add(c.opts.QueryWindow)

	for c.now().Before(deadline) {
		configs, err := c.client.QueryAirdrops(ctx, accountID)
		if err != nil {
			if ctx.Err() != nil {
				return ClaimAttempt{
					AccountID: accountID,
					Outcome:   OutcomeTransient,
					Message:   ctx.Err().Error(),
					Timestamp: c.now(),
				}
			}
			c.logger.Warn("查询空投列表失败",
				zap.String("account", accountID),
				zap.Error(err),
			)
		} else {
			for _, cfg := range configs {
				if !cfg.Claimable() {
					continue
				}
				c.logger.Info("检测到可领取空投，立即发起领取",
					zap.String("account", accountID),
					zap.String("token", cfg.TokenSymbol),
					zap.String("config_id", cfg.ConfigID),
				)
				return c.Claim(ctx, accountID, cfg.ConfigID)
			}
		}

		select {
		case <-ctx.Done():
			return ClaimAttempt{
				AccountID: accountID,
				Outcome:   OutcomeTransient,
				Message:   ctx.Err().Error(),
				Timestamp: c.now(),
			}
		case <-time.After(c.opts.QueryInterval):
		}
	}

	return ClaimAttempt{
		AccountID: accountID,
		Outcome:   OutcomeNotEligible,
		Message:   "时间窗内未出现可领取空投",
		Timestamp: c.now(),
	}
}

// classify 把一次领取调用的结果映射到决策表的键。
// 超时后领取可能已在远端生效，做一次幂等的状态回查再决定是否重试。
func (c *Claimer) classify(ctx context.Context, accountID, rewardID string, result venue.ClaimResult, err error) (Outcome, string) {
	if err != nil {
		if venue.KindOf(err) == venue.KindTerminal {
			return OutcomeNotEligible, err.Error()
		}
		if !venue.IsRetryable(err) {
			// 认证、资源类失败按瞬时处理，回查留给限速/超时场景。
			return OutcomeTransient, err.Error()
		}
		if venue.KindOf(err) == venue.KindThrottled {
			return OutcomeThrottled, err.Error()
		}
		if c.recheckClaimed(ctx, accountID, rewardID) {
			return OutcomeSuccess, "超时后回查确认已领取"
		}
		return OutcomeTransient, err.Error()
	}

	switch {
	case result.Succeeded():
		return OutcomeSuccess, result.Message
	case result.AlreadyDone():
		return OutcomeAlreadyClaimed, result.Message
	default:
		return OutcomeNotEligible, result.Message
	}
}

// recheckClaimed 做一次领取状态回查，确认超时的领取是否已被远端接受。
func (c *Claimer) recheckClaimed(ctx context.Context, accountID, rewardID string) bool {
	configs, err := c.client.QueryAirdrops(ctx, accountID)
	if err != nil {
		return false
	}
	for _, cfg := range configs {
		if cfg.ConfigID == rewardID && cfg.ClaimStatus == "success" {
			return true
		}
	}
	return false
}
