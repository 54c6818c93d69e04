package stream

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 为订单状态机的状态集合，与远端推送的状态码一致。
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal 判断状态是否终结。终结后记录只待保留期满被回收。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// OrderRecord 是跟踪器维护的订单本地视图。
// 只有跟踪器在推送事件驱动下修改它，读方拿到的是快照副本。
type OrderRecord struct {
	AccountID     string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	Commission    decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}

// Event 为解码后的订单推送事件。
type Event struct {
	OrderID     string
	Symbol      string
	Side        string
	Status      OrderStatus
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	LastQty     decimal.Decimal
	Commission  decimal.Decimal
	EventTime   time.Time
}
