package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Accounts  []AccountConfig `mapstructure:"accounts"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Claim     ClaimConfig     `mapstructure:"claim"`
	Trade     TradeConfig     `mapstructure:"trade"`
	Session   SessionConfig   `mapstructure:"session"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// Mode 选择本轮动作：claim 或 trade。
	Mode string `mapstructure:"mode"`
	// AccountTimeout 为单账户任务的独立超时。
	AccountTimeout time.Duration `mapstructure:"account_timeout"`
}

// VenueConfig 描述远端交易场的接入地址。
type VenueConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeURL   string `mapstructure:"time_url"`
	StreamURL string `mapstructure:"stream_url"`
}

// AccountConfig 描述一个独立认证的账户及其覆盖参数。
type AccountConfig struct {
	ID      string            `mapstructure:"id"`
	Enabled bool              `mapstructure:"enabled"`
	Headers map[string]string `mapstructure:"headers"`
	Cookies map[string]string `mapstructure:"cookies"`
	Proxy   string            `mapstructure:"proxy"`
	// TargetNotional/Increment 覆盖 trade 段的全局默认，0 表示不覆盖。
	TargetNotional float64 `mapstructure:"target_notional"`
	Increment      float64 `mapstructure:"increment"`
}

// SchedulerConfig 控制定时触发。
type SchedulerConfig struct {
	TargetHour   int `mapstructure:"target_hour"`
	TargetMinute int `mapstructure:"target_minute"`
	TargetSecond int `mapstructure:"target_second"`
	// Compensation 为提前补偿量，抵消预期的网络与调度延迟。
	Compensation     time.Duration `mapstructure:"compensation"`
	CalibrateSamples int           `mapstructure:"calibrate_samples"`
	MissTolerance    time.Duration `mapstructure:"miss_tolerance"`
}

// ClaimConfig 控制空投领取。
type ClaimConfig struct {
	Attempts      int           `mapstructure:"attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	QueryInterval time.Duration `mapstructure:"query_interval"`
	QueryWindow   time.Duration `mapstructure:"query_window"`
}

// TradeConfig 控制刷量交易。
type TradeConfig struct {
	Symbol         string        `mapstructure:"symbol"`
	QuoteCurrency  string        `mapstructure:"quote_currency"`
	BuySlippage    float64       `mapstructure:"buy_slippage"`
	SellSlippage   float64       `mapstructure:"sell_slippage"`
	TargetNotional float64       `mapstructure:"target_notional"`
	Increment      float64       `mapstructure:"increment"`
	FillTimeout    time.Duration `mapstructure:"fill_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	MaxFailures    int           `mapstructure:"max_failures"`
	TokenCachePath string        `mapstructure:"token_cache_path"`
}

// SessionConfig 控制会话缓存。
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// PoolConfig 控制传输池。
type PoolConfig struct {
	ProxyFile      string        `mapstructure:"proxy_file"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
}

// StreamConfig 控制订单推送订阅。
type StreamConfig struct {
	Retention         time.Duration `mapstructure:"retention"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	GCInterval        time.Duration `mapstructure:"gc_interval"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.Mode != "claim" && c.App.Mode != "trade" {
		err = multierr.Append(err, fmt.Errorf("app.mode 必须为 claim 或 trade: %q", c.App.Mode))
	}
	if c.App.AccountTimeout <= 0 {
		err = multierr.Append(err, errors.New("app.account_timeout 必须大于0"))
	}
	if c.Venue.BaseURL == "" {
		err = multierr.Append(err, errors.New("venue.base_url 不能为空"))
	}
	if c.Venue.StreamURL == "" {
		err = multierr.Append(err, errors.New("venue.stream_url 不能为空"))
	}
	if len(c.Accounts) == 0 {
		err = multierr.Append(err, errors.New("accounts 至少配置一个账户"))
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].id 不能为空", i))
			continue
		}
		if seen[acct.ID] {
			err = multierr.Append(err, fmt.Errorf("账户 %s 重复配置", acct.ID))
		}
		seen[acct.ID] = true
		if acct.Enabled && len(acct.Headers) == 0 {
			err = multierr.Append(err, fmt.Errorf("账户 %s 已启用但缺少认证头", acct.ID))
		}
	}
	if c.Scheduler.TargetHour < 0 || c.Scheduler.TargetHour > 23 {
		err = multierr.Append(err, errors.New("scheduler.target_hour 必须位于[0,23]"))
	}
	if c.Scheduler.TargetMinute < 0 || c.Scheduler.TargetMinute > 59 {
		err = multierr.Append(err, errors.New("scheduler.target_minute 必须位于[0,59]"))
	}
	if c.Scheduler.TargetSecond < 0 || c.Scheduler.TargetSecond > 59 {
		err = multierr.Append(err, errors.New("scheduler.target_second 必须位于[0,59]"))
	}
	if c.Scheduler.Compensation < 0 {
		err = multierr.Append(err, errors.New("scheduler.compensation 不能为负"))
	}
	if c.Claim.Attempts <= 0 {
		err = multierr.Append(err, errors.New("claim.attempts 必须大于0"))
	}
	if c.Claim.QueryInterval <= 0 || c.Claim.QueryWindow <= 0 {
		err = multierr.Append(err, errors.New("claim.query_interval 与 claim.query_window 必须为正"))
	}
	if c.App.Mode == "trade" {
		if c.Trade.Symbol == "" {
			err = multierr.Append(err, errors.New("trade.symbol 不能为空"))
		}
		if c.Trade.TargetNotional <= 0 {
			err = multierr.Append(err, errors.New("trade.target_notional 必须大于0"))
		}
		if c.Trade.Increment <= 0 {
			err = multierr.Append(err, errors.New("trade.increment 必须大于0"))
		}
	}
	if c.Trade.BuySlippage < 0 || c.Trade.BuySlippage > 0.2 {
		err = multierr.Append(err, errors.New("trade.buy_slippage 应位于[0,0.2]"))
	}
	if c.Trade.SellSlippage < 0 || c.Trade.SellSlippage > 0.2 {
		err = multierr.Append(err, errors.New("trade.sell_slippage 应位于[0,0.2]"))
	}
	if c.Session.TTL <= 0 {
		err = multierr.Append(err, errors.New("session.ttl 必须大于0"))
	}
	if c.Pool.AcquireTimeout <= 0 || c.Pool.IdleTimeout <= 0 || c.Pool.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("pool 超时配置必须为正"))
	}
	if c.Stream.Retention <= 0 {
		err = multierr.Append(err, errors.New("stream.retention 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

// EnabledAccounts 返回启用的账户列表。
func (c *Config) EnabledAccounts() []AccountConfig {
	enabled := make([]AccountConfig, 0, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.Enabled {
			enabled = append(enabled, acct)
		}
	}
	return enabled
}
