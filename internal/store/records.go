package store

import (
	"fmt"
	"time"

	"alpha-engine/internal/executor"
)

const schema = `
CREATE TABLE IF NOT EXISTS claim_attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  TEXT NOT NULL,
	reward_id   TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_attempts_account ON claim_attempts(account_id);

CREATE TABLE IF NOT EXISTS trade_rounds (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id        TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	target_notional   TEXT NOT NULL,
	executed_notional TEXT NOT NULL,
	cycles            INTEGER NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	fail_reason       TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMP NOT NULL,
	finished_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_rounds_account ON trade_rounds(account_id);

CREATE TABLE IF NOT EXISTS rounds (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	mode       TEXT NOT NULL,
	fired_at   TIMESTAMP NOT NULL,
	total      INTEGER NOT NULL,
	succeeded  INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	skipped    INTEGER NOT NULL
);
`

// Migrate 建立历史记录所需的表结构。
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化表结构失败: %w", err)
	}
	return nil
}

// SaveClaimAttempt 持久化一次领取结果。
func (s *Store) SaveClaimAttempt(a executor.ClaimAttempt) error {
	_, err := s.db.Exec(
		`INSERT INTO claim_attempts (account_id, reward_id, outcome, message, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.AccountID, a.RewardID, a.Outcome.String(), a.Message, a.Attempts, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("写入领取记录失败: %w", err)
	}
	return nil
}

// SaveTradeRound 持久化一轮刷量结果。
func (s *Store) SaveTradeRound(r executor.TradeRound) error {
	completed := 0
	if r.Completed {
		completed = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO trade_rounds (account_id, symbol, target_notional, executed_notional, cycles, completed, fail_reason, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AccountID, r.Symbol, r.TargetNotional.String(), r.ExecutedNotional.String(),
		r.Cycles, completed, r.FailReason, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("写入刷量记录失败: %w", err)
	}
	return nil
}

// SaveRoundSummary 持久化一轮的汇总统计。
func (s *Store) SaveRoundSummary(mode string, firedAt time.Time, total, succeeded, failed, skipped int) error {
	_, err := s.db.Exec(
		`INSERT INTO rounds (mode, fired_at, total, succeeded, failed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		mode, firedAt, total, succeeded, failed, skipped,
	)
	if err != nil {
		return fmt.Errorf("写入轮次汇总失败: %w", err)
	}
	return nil
}
