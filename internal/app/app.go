package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alpha-engine/internal/config"
	"alpha-engine/internal/executor"
	"alpha-engine/internal/pool"
	"alpha-engine/internal/sched"
	"alpha-engine/internal/session"
	"alpha-engine/internal/store"
	"alpha-engine/internal/stream"
	"alpha-engine/internal/token"
	"alpha-engine/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配全部组件后进入主循环：每天在目标时刻执行一轮，直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	accounts := a.cfg.EnabledAccounts()
	if len(accounts) == 0 {
		return errors.New("没有启用的账户")
	}

	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.App.Mode),
		zap.Int("accounts", len(accounts)),
	)

	if err := a.store.Migrate(); err != nil {
		return fmt.Errorf("初始化数据表失败: %w", err)
	}

	proxies, err := pool.LoadProxyFile(a.cfg.Pool.ProxyFile)
	if err != nil {
		return fmt.Errorf("加载代理列表失败: %w", err)
	}
	transports := pool.New(proxies, pool.Options{
		AcquireTimeout: a.cfg.Pool.AcquireTimeout,
		IdleTimeout:    a.cfg.Pool.IdleTimeout,
		RequestTimeout: a.cfg.Pool.RequestTimeout,
		MaxIdleConns:   a.cfg.Pool.MaxIdleConns,
	}, a.logger)
	defer transports.Close()

	// 注册表与场馆客户端互相依赖：先各自构建再绑定校验方。
	sessions := session.NewRegistry(nil, a.cfg.Session.TTL, a.logger)
	client := venue.NewClient(transports, sessions, venue.ClientConfig{
		BaseURL:    a.cfg.Venue.BaseURL,
		TimeURL:    a.cfg.Venue.TimeURL,
		SessionTTL: a.cfg.Session.TTL,
	}, a.logger)
	sessions.SetChecker(client)

	for _, acct := range accounts {
		sessions.Put(sessionFromConfig(acct))
		if acct.Proxy != "" {
			transports.SetProxy(acct.ID, acct.Proxy)
		}
	}

	scheduler := sched.New(sched.RealClock(), sched.Options{
		MissTolerance: a.cfg.Scheduler.MissTolerance,
	}, a.logger)
	if offset, cerr := sched.Calibrate(ctx, client.ServerTime, a.cfg.Scheduler.CalibrateSamples, nil); cerr != nil {
		a.logger.Warn("服务器时间校准失败，退回本地时钟", zap.Error(cerr))
	} else {
		scheduler.SetOffset(offset)
		a.logger.Info("时钟偏移已校准", zap.Duration("offset", offset))
	}

	tracker := stream.NewTracker(a.cfg.Stream.Retention, a.logger)
	if a.cfg.App.Mode == "trade" {
		tracker.StartGC(ctx, a.cfg.Stream.GCInterval)
		for _, acct := range accounts {
			sess, ok := sessions.Peek(acct.ID)
			if !ok {
				continue
			}
			sub := stream.NewSubscriber(stream.SubscriberConfig{
				AccountID:         acct.ID,
				URL:               a.cfg.Venue.StreamURL,
				Header:            sess.Header.Clone(),
				ReadTimeout:       a.cfg.Stream.ReadTimeout,
				KeepAliveInterval: a.cfg.Stream.KeepAliveInterval,
			}, client, tracker, a.logger)
			sub.Start(ctx)
			defer sub.Stop()
		}
	}

	coord := &Coordinator{
		cfg: coordinatorConfig{
			mode:           a.cfg.App.Mode,
			accountTimeout: a.cfg.App.AccountTimeout,
			trade:          a.cfg.Trade,
		},
		sched:    scheduler,
		sessions: sessions,
		claimer: executor.NewClaimer(client, executor.ClaimOptions{
			Attempts:      a.cfg.Claim.Attempts,
			RetryDelay:    a.cfg.Claim.RetryDelay,
			QueryInterval: a.cfg.Claim.QueryInterval,
			QueryWindow:   a.cfg.Claim.QueryWindow,
		}, a.logger),
		trader: executor.NewTrader(client, tracker, executor.TradeOptions{
			QuoteCurrency: a.cfg.Trade.QuoteCurrency,
			BuySlippage:   decimal.NewFromFloat(a.cfg.Trade.BuySlippage),
			SellSlippage:  decimal.NewFromFloat(a.cfg.Trade.SellSlippage),
			FillTimeout:   a.cfg.Trade.FillTimeout,
			SettleDelay:   a.cfg.Trade.SettleDelay,
			MaxFailures:   a.cfg.Trade.MaxFailures,
		}, a.logger),
		resolver: token.NewResolver(a.cfg.Trade.TokenCachePath, client, a.logger),
		store:    a.store,
		logger:   a.logger,
	}

	for {
		target := sched.NextDailyTime(scheduler.Now(),
			a.cfg.Scheduler.TargetHour,
			a.cfg.Scheduler.TargetMinute,
			a.cfg.Scheduler.TargetSecond,
		)
		a.logger.Info("已布防下一轮", zap.Time("target", target))

		result, rerr := coord.ScheduleRound(ctx, target, a.cfg.Scheduler.Compensation, accounts)
		if rerr != nil {
			if ctx.Err() != nil {
				a.logger.Info("系统收到退出信号，正在停止")
				return nil
			}
			if errors.Is(rerr, sched.ErrMissed) {
				// 错过触发点属于整轮致命错误，跳过本轮等待下一天。
				a.logger.Error("触发时刻已错过，本轮作废", zap.Error(rerr))
				continue
			}
			return fmt.Errorf("本轮执行失败: %w", rerr)
		}

		a.logger.Info("本轮执行完成",
			zap.Time("fired_at", result.FiredAt),
			zap.Int("success", result.Count(StatusSuccess)),
			zap.Int("failed", result.Count(StatusFailed)),
			zap.Int("skipped", result.Count(StatusSkipped)),
			zap.Int("terminal", result.Count(StatusTerminal)),
			zap.Int("canceled", result.Count(StatusCanceled)),
		)

		// 被跳过的账户清除失效标记，下一轮重新复核会话。
		for _, o := range result.Outcomes {
			if o.Status == StatusSkipped {
				sessions.Reset(o.AccountID)
			}
		}
	}
}

// sessionFromConfig 将配置里的认证材料装载为会话。
// ValidUntil 留空，首次使用前会经过一次复核。
func sessionFromConfig(acct config.AccountConfig) *session.Session {
	header := make(http.Header, len(acct.Headers))
	for k, v := range acct.Headers {
		header.Set(k, v)
	}
	cookies := make([]*http.Cookie, 0, len(acct.Cookies))
	for name, value := range acct.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	return &session.Session{
		AccountID: acct.ID,
		Header:    header,
		Cookies:   cookies,
	}
}
