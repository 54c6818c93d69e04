package venue

import (
	"github.com/shopspring/decimal"
)

// RewardConfig 为空投配置列表中的一项。
type RewardConfig struct {
	ConfigID    string `json:"configId"`
	TokenSymbol string `json:"tokenSymbol"`
	ClaimStatus string `json:"claimStatus"`
	CanClaim    bool   `json:"canClaim"`
}

// Claimable 判断该配置当前是否可领取。
func (c RewardConfig) Claimable() bool {
	return c.CanClaim || c.ClaimStatus == "available"
}

// ClaimResult 为一次领取调用的业务结果，分类交由执行器完成。
type ClaimResult struct {
	Code        string
	Message     string
	Status      string
	IsClaimed   bool
	ClaimStatus string
}

// Succeeded 判断领取是否成功。
func (r ClaimResult) Succeeded() bool {
	return r.Code == codeOK
}

// AlreadyDone 判断是否已领取或活动已结束，属于终态，不应重试。
func (r ClaimResult) AlreadyDone() bool {
	return r.IsClaimed || r.ClaimStatus == "success" || r.Status == "ended"
}

// OrderRequest 描述一笔限价委托。
type OrderRequest struct {
	BaseAsset     string
	QuoteAsset    string
	Side          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
	PaymentType   string
}

// OrderState 为主动查单得到的订单状态，供成交等待超时后的兜底路径使用。
type OrderState struct {
	OrderID     string
	Status      string
	ExecutedQty decimal.Decimal
	Commission  decimal.Decimal
}
