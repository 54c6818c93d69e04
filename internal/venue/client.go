package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alpha-engine/internal/pool"
	"alpha-engine/internal/session"
	"alpha-engine/internal/token"
)

const (
	codeOK = "000000"

	pathServerTime   = "/api/v3/time"
	pathBaseDetail   = "/bapi/accounts/v1/private/account/user/base-detail"
	pathQueryAirdrop = "/bapi/defi/v1/friendly/wallet-direct/buw/growth/query-alpha-airdrop"
	pathClaimAirdrop = "/bapi/defi/v1/private/wallet-direct/buw/growth/claim-alpha-airdrop"
	pathMarketQuote  = "/bapi/asset/v1/private/alpha-trade/market-quote"
	pathPlaceOrder   = "/bapi/asset/v1/private/alpha-trade/order/place"
	pathCancelOrder  = "/bapi/asset/v1/private/alpha-trade/order/cancel"
	pathOrderHistory = "/bapi/defi/v1/private/alpha-trade/order/get-order-history-merge"
	pathListenKey    = "/bapi/defi/v1/private/alpha-trade/get-listen-key"
	pathKeepAlive    = "/bapi/defi/v1/private/alpha-trade/keep-listen-key"
	pathTokenList    = "/bapi/defi/v1/public/wallet-direct/buw/wallet/cex/alpha/all/token/list"
)

// ClientConfig 控制远端调用。
type ClientConfig struct {
	BaseURL string
	// TimeURL 为公开时间接口的基址，与私有接口分属不同域名。
	TimeURL    string
	SessionTTL time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.binance.com"
	}
	if c.TimeURL == "" {
		c.TimeURL = "https://api.binance.com"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	return c
}

// envelope 为远端统一的响应外壳。
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// Client 是远端交易场的 HTTP 适配层：从注册表取会话、从池借传输、
// 发请求并把响应归入统一的错误类别。
type Client struct {
	pool     *pool.Pool
	sessions *session.Registry
	cfg      ClientConfig
	public   *http.Client
	logger   *zap.Logger
}

// NewClient 创建适配层。
func NewClient(p *pool.Pool, reg *session.Registry, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		pool:     p,
		sessions: reg,
		cfg:      cfg.withDefaults(),
		public:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// do 完成一次带会话的私有调用：取有效会话、借传输、发请求。
func (c *Client) do(ctx context.Context, accountID, method, path string, payload interface{}) (*envelope, error) {
	sess, err := c.sessions.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, accountID, sess, method, path, payload)
}

// send 用给定会话发一次请求。身份复核走此入口以避免经过会话有效性检查。
func (c *Client) send(ctx context.Context, accountID string, sess *session.Session, method, path string, payload interface{}) (*envelope, error) {
	op := "venue." + path

	tr, err := c.pool.Acquire(accountID)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(tr)

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: 编码请求失败: %w", op, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: 构造请求失败: %w", op, err)
	}
	for k, vs := range sess.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range sess.Cookies {
		req.AddCookie(ck)
	}

	resp, err := tr.Client().Do(req)
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.sessions.Invalidate(accountID)
		return nil, Errorf(KindAuthInvalid, op, "远端返回 %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, Errorf(KindThrottled, op, "远端限频 %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, Errorf(KindTransient, op, "远端返回 %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, Errorf(KindTerminal, op, "远端返回 %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, E(KindTransient, op, fmt.Errorf("解码响应失败: %w", err))
	}
	return &env, nil
}

// unwrap 把业务失败的外壳转成带类别的错误。
func (c *Client) unwrap(op string, env *envelope, out interface{}) error {
	if env.Code != codeOK && !env.Success {
		return Errorf(classifyBusiness(env.Code), op, "业务失败 code=%s message=%s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return Errorf(KindTransient, op, "解析业务数据失败: %v", err)
		}
	}
	return nil
}

// classifyBusiness 把业务错误码归入错误类别。未知码按终态处理，
// 避免对逻辑性失败盲目重试。
func classifyBusiness(code string) Kind {
	switch code {
	case "100002001", "429": // 限频类
		return KindThrottled
	case "100001005": // 网关瞬时错误
		return KindTransient
	default:
		return KindTerminal
	}
}

// ServerTime 获取远端服务器时间，用于时间偏移校准。
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TimeURL+pathServerTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := c.public.Do(req)
	if err != nil {
		return time.Time{}, E(KindTransient, "venue.server_time", err)
	}
	defer resp.Body.Close()

	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, E(KindTransient, "venue.server_time", err)
	}
	return time.UnixMilli(out.ServerTime), nil
}

// Check 实现 session.Checker：用账户现有凭证调一次身份接口。
func (c *Client) Check(ctx context.Context, accountID string) (bool, time.Duration, error) {
	sess, ok := c.sessions.Peek(accountID)
	if !ok {
		return false, 0, fmt.Errorf("venue: 账户 %s 无会话材料", accountID)
	}

	env, err := c.send(ctx, accountID, sess, http.MethodPost, pathBaseDetail, map[string]interface{}{})
	if err != nil {
		if KindOf(err) == KindAuthInvalid {
			return false, 0, nil
		}
		return false, 0, err
	}
	if env.Code != codeOK && !env.Success {
		return false, 0, nil
	}
	return true, c.cfg.SessionTTL, nil
}

// QueryAirdrops 拉取账户当前的空投配置列表。
func (c *Client) QueryAirdrops(ctx context.Context, accountID string) ([]RewardConfig, error) {
	env, err := c.do(ctx, accountID, http.MethodPost, pathQueryAirdrop, map[string]interface{}{"page": 1, "rows": 20})
	if err != nil {
		return nil, err
	}

	var data struct {
		Configs []struct {
			ConfigID    string `json:"configId"`
			TokenSymbol string `json:"tokenSymbol"`
			ClaimInfo   struct {
				CanClaim    bool   `json:"canClaim"`
				ClaimStatus string `json:"claimStatus"`
			} `json:"claimInfo"`
		} `json:"configs"`
	}
	if err := c.unwrap("venue.query_airdrop", env, &data); err != nil {
		return nil, err
	}

	configs := make([]RewardConfig, 0, len(data.Configs))
	for _, cfg := range data.Configs {
		configs = append(configs, RewardConfig{
			ConfigID:    cfg.ConfigID,
			TokenSymbol: cfg.TokenSymbol,
			ClaimStatus: cfg.ClaimInfo.ClaimStatus,
			CanClaim:    cfg.ClaimInfo.CanClaim,
		})
	}
	return configs, nil
}

// ClaimAirdrop 发起一次领取。业务层失败不作为错误返回，
// 结果分类交由执行器的决策表完成。
func (c *Client) ClaimAirdrop(ctx context.Context, accountID, configID string) (ClaimResult, error) {
	env, err := c.do(ctx, accountID, http.MethodPost, pathClaimAirdrop, map[string]interface{}{"configId": configID})
	if err != nil {
		return ClaimResult{}, err
	}

	result := ClaimResult{Code: env.Code, Message: env.Message}
	if len(env.Data) > 0 {
		var data struct {
			Status    string `json:"status"`
			ClaimInfo struct {
				IsClaimed   bool   `json:"isClaimed"`
				ClaimStatus string `json:"claimStatus"`
			} `json:"claimInfo"`
		}
		if err := json.Unmarshal(env.Data, &data); err == nil {
			result.Status = data.Status
			result.IsClaimed = data.ClaimInfo.IsClaimed
			result.ClaimStatus = data.ClaimInfo.ClaimStatus
		}
	}
	return result, nil
}

// LatestPrice 获取代币最新报价。
func (c *Client) LatestPrice(ctx context.Context, accountID string, asset token.Asset) (decimal.Decimal, error) {
	payload := map[string]interface{}{
		"baseAsset":  asset.AlphaID,
		"quoteAsset": "USDT",
	}
	env, err := c.do(ctx, accountID, http.MethodPost, pathMarketQuote, payload)
	if err != nil {
		return decimal.Zero, err
	}

	var data struct {
		Price string `json:"price"`
	}
	if err := c.unwrap("venue.market_quote", env, &data); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return decimal.Zero, Errorf(KindTransient, "venue.market_quote", "报价 %q 不可解析", data.Price)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, Errorf(KindTransient, "venue.market_quote", "报价非正: %s", price)
	}
	return price, nil
}

// PlaceLimitOrder 提交限价单，返回远端订单号。
func (c *Client) PlaceLimitOrder(ctx context.Context, accountID string, ord OrderRequest) (string, error) {
	payload := map[string]interface{}{
		"baseAsset":  ord.BaseAsset,
		"quoteAsset": ord.QuoteAsset,
		"side":       ord.Side,
		"price":      ord.Price.String(),
		"quantity":   ord.Quantity.String(),
		"paymentDetails": []map[string]interface{}{
			{
				"amount":            ord.Price.Mul(ord.Quantity).String(),
				"paymentWalletType": ord.PaymentType,
			},
		},
	}
	if ord.ClientOrderID != "" {
		payload["clientOrderId"] = ord.ClientOrderID
	}

	env, err := c.do(ctx, accountID, http.MethodPost, pathPlaceOrder, payload)
	if err != nil {
		return "", err
	}

	var orderID string
	if err := c.unwrap("venue.order_place", env, &orderID); err != nil {
		return "", err
	}
	if orderID == "" {
		return "", Errorf(KindTransient, "venue.order_place", "远端未返回订单号")
	}
	return orderID, nil
}

// CancelOrder 撤销订单。订单可能已成交，撤单失败由调用方自行容忍。
func (c *Client) CancelOrder(ctx context.Context, accountID string, asset token.Asset, orderID string) error {
	payload := map[string]interface{}{
		"baseAsset":  asset.AlphaID,
		"quoteAsset": "USDT",
		"orderId":    orderID,
	}
	env, err := c.do(ctx, accountID, http.MethodPost, pathCancelOrder, payload)
	if err != nil {
		return err
	}
	return c.unwrap("venue.order_cancel", env, nil)
}

// QueryOrder 主动查询单笔订单状态，为成交等待超时后的兜底。
func (c *Client) QueryOrder(ctx context.Context, accountID, orderID string) (OrderState, error) {
	env, err := c.do(ctx, accountID, http.MethodPost, pathOrderHistory, map[string]interface{}{
		"page": 1, "rows": 20,
	})
	if err != nil {
		return OrderState{}, err
	}

	var data struct {
		Orders []struct {
			OrderID     string `json:"orderId"`
			Status      string `json:"status"`
			ExecutedQty string `json:"executedQty"`
			Commission  string `json:"commission"`
		} `json:"orders"`
	}
	if err := c.unwrap("venue.order_query", env, &data); err != nil {
		return OrderState{}, err
	}

	for _, o := range data.Orders {
		if o.OrderID != orderID {
			continue
		}
		executed, _ := decimal.NewFromString(o.ExecutedQty)
		commission, _ := decimal.NewFromString(o.Commission)
		return OrderState{
			OrderID:     o.OrderID,
			Status:      o.Status,
			ExecutedQty: executed,
			Commission:  commission,
		}, nil
	}
	return OrderState{}, Errorf(KindTransient, "venue.order_query", "订单 %s 未出现在历史中", orderID)
}

// ObtainListenKey 实现 stream.KeySource。
func (c *Client) ObtainListenKey(ctx context.Context, accountID string) (string, error) {
	env, err := c.do(ctx, accountID, http.MethodPost, pathListenKey, map[string]interface{}{})
	if err != nil {
		return "", err
	}

	// 兼容两种返回格式：data 直接为密钥，或对象内 listenKey 字段。
	var key string
	if err := json.Unmarshal(env.Data, &key); err != nil || key == "" {
		var obj struct {
			ListenKey string `json:"listenKey"`
		}
		if err := json.Unmarshal(env.Data, &obj); err == nil {
			key = obj.ListenKey
		}
	}
	if key == "" {
		return "", Errorf(KindTransient, "venue.listen_key", "远端未返回订阅密钥")
	}
	return key, nil
}

// KeepAliveListenKey 实现 stream.KeySource。
func (c *Client) KeepAliveListenKey(ctx context.Context, accountID, key string) error {
	env, err := c.do(ctx, accountID, http.MethodPut, pathKeepAlive, map[string]interface{}{"listenKey": key})
	if err != nil {
		return err
	}
	return c.unwrap("venue.keep_listen_key", env, nil)
}

// TokenList 实现 token.Lister，拉取远端代币目录。
func (c *Client) TokenList(ctx context.Context) ([]token.Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+pathTokenList, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.public.Do(req)
	if err != nil {
		return nil, E(KindTransient, "venue.token_list", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, E(KindTransient, "venue.token_list", err)
	}

	var assets []token.Asset
	if err := c.unwrap("venue.token_list", &env, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}
