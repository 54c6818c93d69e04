package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrAuthInvalid 表示账户凭证失效，当轮内不得用同一会话重试。
var ErrAuthInvalid = errors.New("session: 凭证已失效")

// Session 保存单个账户的认证材料与有效性缓存。
// 同一账户的会话只会由注册表单写方更新，调用方以只读方式使用。
type Session struct {
	AccountID     string
	Header        http.Header
	Cookies       []*http.Cookie
	ValidUntil    time.Time
	LastCheckedAt time.Time
}

// Checker 是外部的身份校验协作方，返回有效性与新的有效期。
type Checker interface {
	Check(ctx context.Context, accountID string) (valid bool, ttl time.Duration, err error)
}

// Registry 按账户缓存会话，过期后惰性复核。
// 同一账户的并发复核通过 singleflight 合并为一次外部调用。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	invalid  map[string]bool

	group      singleflight.Group
	checker    Checker
	defaultTTL time.Duration
	logger     *zap.Logger

	now func() time.Time
}

// NewRegistry 创建会话注册表。
func NewRegistry(checker Checker, defaultTTL time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		invalid:    make(map[string]bool),
		checker:    checker,
		defaultTTL: defaultTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// SetChecker 绑定身份校验协作方。校验方自身依赖注册表取凭证，
// 两者需先各自构建再绑定。
func (r *Registry) SetChecker(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checker = c
}

// Put 注入启动时从配置装载的会话。
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.AccountID] = s
	delete(r.invalid, s.AccountID)
}

// Peek 返回原始会话材料，不做有效性判断。身份校验调用自身需要凭证，走此入口。
func (r *Registry) Peek(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// Get 返回有效会话。缓存未过期直接命中；过期则走一次复核，
// 同账户并发调用会等待同一次复核结果而不会重复发起外部请求。
// 复核失败返回 ErrAuthInvalid，调用方本轮内不应再重试。
func (r *Registry) Get(ctx context.Context, accountID string) (*Session, error) {
	// ValidUntil 会被复核与失效标记并发改写，必须在读锁内取快照。
	r.mu.RLock()
	s, ok := r.sessions[accountID]
	bad := r.invalid[accountID]
	var validUntil time.Time
	if ok {
		validUntil = s.ValidUntil
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("session: 账户 %s 未注册", accountID)
	}
	if bad {
		return nil, fmt.Errorf("%w: 账户 %s", ErrAuthInvalid, accountID)
	}
	if r.now().Before(validUntil) {
		return s, nil
	}

	v, err, _ := r.group.Do(accountID, func() (interface{}, error) {
		return r.revalidate(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate 标记账户会话失效，由远端返回认证错误的调用方触发。
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid[accountID] = true
	if s, ok := r.sessions[accountID]; ok {
		s.ValidUntil = time.Time{}
	}
	r.logger.Warn("会话被标记为失效", zap.String("account", accountID))
}

// Reset 清除失效标记，供下一轮以新会话重试。
func (r *Registry) Reset(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.invalid, accountID)
}

func (r *Registry) revalidate(ctx context.Context, accountID string) (*Session, error) {
	r.mu.RLock()
	checker := r.checker
	r.mu.RUnlock()
	if checker == nil {
		return nil, fmt.Errorf("session: 账户 %s 复核缺少校验方", accountID)
	}

	valid, ttl, err := checker.Check(ctx, accountID)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[accountID]
	if !ok {
		return nil, fmt.Errorf("session: 账户 %s 未注册", accountID)
	}
	s.LastCheckedAt = now

	if err != nil {
		r.invalid[accountID] = true
		return nil, fmt.Errorf("%w: 账户 %s 复核失败: %v", ErrAuthInvalid, accountID, err)
	}
	if !valid {
		r.invalid[accountID] = true
		return nil, fmt.Errorf("%w: 账户 %s", ErrAuthInvalid, accountID)
	}

	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	s.ValidUntil = now.Add(ttl)
	r.logger.Debug("会话复核通过",
		zap.String("account", accountID),
		zap.Time("valid_until", s.ValidUntil),
	)
	return s, nil
}
