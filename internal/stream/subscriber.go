package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// KeySource 提供账户级订阅密钥的获取与续期，由 HTTP 协作方实现。
type KeySource interface {
	ObtainListenKey(ctx context.Context, accountID string) (string, error)
	KeepAliveListenKey(ctx context.Context, accountID, key string) error
}

// SubscriberConfig 控制单账户订阅连接。
type SubscriberConfig struct {
	AccountID string
	URL       string
	// Header 为握手时附带的请求头，通常来自账户会话。
	Header http.Header

	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	KeepAliveInterval time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Minute
	}
	return c
}

// Subscriber 维护单账户的持久订阅：拿密钥、握手、订阅、读推送，
// 断开后以指数退避无限重连并重发订阅握手。
type Subscriber struct {
	cfg     SubscriberConfig
	keys    KeySource
	tracker *Tracker
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	delay func(retry int) time.Duration
}

// NewSubscriber 创建订阅器。
func NewSubscriber(cfg SubscriberConfig, keys KeySource, tracker *Tracker, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		cfg:     cfg.withDefaults(),
		keys:    keys,
		tracker: tracker,
		logger:  logger.With(zap.String("account", cfg.AccountID)),
		delay:   reconnectDelay,
	}
}

// Start 启动连接循环。
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop 终止订阅并等待循环退出。
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		subscribed, err := s.connectOnce(ctx)
		if subscribed {
			// 本轮连接完成过订阅，退避计数从头算起。
			retry = 0
		}
		if err == nil {
			continue
		}

		s.tracker.MarkGap()
		delay := s.delay(retry)
		retry++
		s.logger.Warn("订阅连接中断，准备重连",
			zap.Error(err),
			zap.Int("retry", retry),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce 完成一轮完整的连接生命周期，返回是否达到过订阅态
// 以及导致断开的错误。
func (s *Subscriber) connectOnce(ctx context.Context) (bool, error) {
	key, err := s.keys.ObtainListenKey(ctx, s.cfg.AccountID)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.WriteJSON(buildSubscribe(key)); err != nil {
		return false, err
	}

	s.tracker.MarkHealthy()
	s.logger.Info("订阅通道已建立")

	// 读循环独立于续期循环，任一失败都结束本轮连接。
	errCh := make(chan error, 2)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		errCh <- s.readLoop(conn)
	}()
	go func() {
		errCh <- s.keepAliveLoop(readCtx, conn, key)
	}()

	select {
	case err := <-errCh:
		return true, err
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (s *Subscriber) readLoop(conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, ok, err := DecodeEvent(raw)
		if err != nil {
			s.logger.Warn("推送帧解析失败", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}
		if !ok {
			continue
		}
		s.tracker.Apply(ev)
	}
}

func (s *Subscriber) keepAliveLoop(ctx context.Context, conn *websocket.Conn, key string) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.keys.KeepAliveListenKey(ctx, s.cfg.AccountID, key); err != nil {
				// 续期失败时主动断开，重连路径会取新密钥重新订阅。
				s.logger.Warn("订阅密钥续期失败，触发重连", zap.Error(err))
				_ = conn.Close()
				return err
			}
			s.logger.Debug("订阅密钥已续期")
		}
	}
}

// buildSubscribe 构造订阅握手消息，密钥统一加 alpha@ 前缀。
func buildSubscribe(key string) map[string]interface{} {
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{"alpha@" + key},
		"id":     1,
	}
}
