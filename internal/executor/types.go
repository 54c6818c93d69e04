package executor

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome 为领取动作的分类结果，决定重试与否的决策表以它为键。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAlreadyClaimed
	OutcomeNotEligible
	OutcomeThrottled
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyClaimed:
		return "already_claimed"
	case OutcomeNotEligible:
		return "not_eligible"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeTransient:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Retryable 判断该结果是否允许再次尝试。逻辑性终态重试只会浪费
// 跨账户共享的限频配额。
func (o Outcome) Retryable() bool {
	return o == OutcomeThrottled || o == OutcomeTransient
}

// ClaimAttempt 为一次领取执行的结果记录，写毕即不可变。
type ClaimAttempt struct {
	AccountID string
	RewardID  string
	Outcome   Outcome
	Message   string
	Attempts  int
	Timestamp time.Time
}

// Succeeded 判断领取是否成功。
func (a ClaimAttempt) Succeeded() bool {
	return a.Outcome == OutcomeSuccess
}

// TradeRound 为一轮刷量执行的结果记录，写毕即不可变。
type TradeRound struct {
	AccountID        string
	Symbol           string
	TargetNotional   decimal.Decimal
	ExecutedNotional decimal.Decimal
	Cycles           int
	Completed        bool
	FailReason       string
	StartedAt        time.Time
	FinishedAt       time.Time
}
