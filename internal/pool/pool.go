package pool

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable 表示无法在限定时间内取得可用传输，调用方应跳过该账户本轮。
var ErrUnavailable = errors.New("pool: transport unavailable")

// Transport 是单个账户专属的 HTTP 传输，底层连接在多次请求间复用。
type Transport struct {
	accountID string
	client    *http.Client
	proxy     string
	createdAt time.Time

	sem      chan struct{}
	inflight atomic.Int64
	lastUsed atomic.Int64
}

// Client 返回底层 HTTP 客户端。
func (t *Transport) Client() *http.Client {
	return t.client
}

// AccountID 返回归属账户。
func (t *Transport) AccountID() string {
	return t.accountID
}

// Proxy 返回分配的代理地址，直连时为空。
func (t *Transport) Proxy() string {
	return t.proxy
}

func (t *Transport) touch(now time.Time) {
	t.lastUsed.Store(now.UnixNano())
}

func (t *Transport) idleSince(now time.Time) time.Duration {
	last := t.lastUsed.Load()
	if last == 0 {
		return now.Sub(t.createdAt)
	}
	return now.Sub(time.Unix(0, last))
}

// Options 控制传输池行为。
type Options struct {
	// AcquireTimeout 为借用传输的等待上限，超过即返回 ErrUnavailable。
	AcquireTimeout time.Duration
	// IdleTimeout 超过后传输将在下次借用时重建，避免持有远端已回收的会话。
	IdleTimeout time.Duration
	// RequestTimeout 为传输上单次请求的超时。
	RequestTimeout time.Duration
	// MaxIdleConns 控制底层连接缓存规模。
	MaxIdleConns int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 2 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 8
	}
	return opts
}

// Pool 按账户维护传输，每个账户一份、借用互斥，账户之间互不竞争。
type Pool struct {
	mu         sync.Mutex
	transports map[string]*Transport
	overrides  map[string]string
	proxies    *ProxyList
	opts       Options
	logger     *zap.Logger

	now func() time.Time
}

// New 创建传输池。proxies 可为空列表，表示全部直连。
func New(proxies *ProxyList, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if proxies == nil {
		proxies = NewProxyList(nil)
	}
	return &Pool{
		transports: make(map[string]*Transport),
		overrides:  make(map[string]string),
		proxies:    proxies,
		opts:       opts.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// SetProxy 为账户指定专属代理，优先于代理池轮询分配。
func (p *Pool) SetProxy(accountID, proxy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[accountID] = proxy
}

// Acquire 借用账户专属传输，按需惰性创建。闲置超时的传输会先被重建。
// 等待超过 AcquireTimeout 或创建失败时返回包裹 ErrUnavailable 的错误。
func (p *Pool) Acquire(accountID string) (*Transport, error) {
	p.mu.Lock()
	t, ok := p.transports[accountID]
	if ok && t.inflight.Load() == 0 && t.idleSince(p.now()) > p.opts.IdleTimeout {
		t.client.CloseIdleConnections()
		delete(p.transports, accountID)
		p.logger.Debug("回收闲置传输", zap.String("account", accountID))
		t, ok = nil, false
	}
	if !ok {
		built, err := p.build(accountID)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		p.transports[accountID] = built
		t = built
	}
	// 在锁内预占计数，等待借用期间传输不会被当作闲置回收。
	t.inflight.Add(1)
	p.mu.Unlock()

	select {
	case t.sem <- struct{}{}:
	case <-time.After(p.opts.AcquireTimeout):
		t.inflight.Add(-1)
		return nil, fmt.Errorf("%w: 账户 %s 传输借用等待超时", ErrUnavailable, accountID)
	}

	t.touch(p.now())
	return t, nil
}

// Release 归还传输。
func (p *Pool) Release(t *Transport) {
	if t == nil {
		return
	}
	t.touch(p.now())
	t.inflight.Add(-1)
	<-t.sem
}

// Len 返回当前存活传输数。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Close 关闭全部传输的空闲连接。
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.client.CloseIdleConnections()
	}
	p.transports = make(map[string]*Transport)
}

func (p *Pool) build(accountID string) (*Transport, error) {
	proxy := p.overrides[accountID]
	if proxy == "" {
		proxy = p.proxies.Next()
	}

	transport := &http.Transport{
		MaxIdleConns:        p.opts.MaxIdleConns,
		MaxIdleConnsPerHost: p.opts.MaxIdleConns,
		IdleConnTimeout:     p.opts.IdleTimeout,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("解析代理地址 %q 失败: %v", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	p.logger.Debug("创建账户传输",
		zap.String("account", accountID),
		zap.String("proxy", proxy),
	)

	return &Transport{
		accountID: accountID,
		proxy:     proxy,
		createdAt: p.now(),
		client: &http.Client{
			Transport: transport,
			Timeout:   p.opts.RequestTimeout,
		},
		sem: make(chan struct{}, 1),
	}, nil
}
