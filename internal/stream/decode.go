package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// pushFrame 对应推送通道的外层帧。订阅确认帧没有 stream 字段。
type pushFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// executionReport 对应订单推送的紧凑字段。
type executionReport struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Side        string `json:"S"`
	OrderID     string `json:"i"`
	Status      string `json:"X"`
	Price       string `json:"p"`
	Quantity    string `json:"q"`
	ExecutedQty string `json:"z"`
	LastQty     string `json:"l"`
	Commission  string `json:"n"`
}

// DecodeEvent 解析一帧推送。订阅确认等非订单帧返回 ok=false。
func DecodeEvent(raw []byte) (Event, bool, error) {
	var frame pushFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, false, fmt.Errorf("stream: 解析推送帧失败: %w", err)
	}
	if frame.Stream == "" || len(frame.Data) == 0 {
		return Event{}, false, nil
	}

	var report executionReport
	if err := json.Unmarshal(frame.Data, &report); err != nil {
		return Event{}, false, fmt.Errorf("stream: 解析订单推送失败: %w", err)
	}
	if report.OrderID == "" || report.Status == "" {
		return Event{}, false, nil
	}

	ev := Event{
		OrderID:     report.OrderID,
		Symbol:      report.Symbol,
		Side:        report.Side,
		Status:      OrderStatus(report.Status),
		Price:       parseDecimal(report.Price),
		Quantity:    parseDecimal(report.Quantity),
		ExecutedQty: parseDecimal(report.ExecutedQty),
		LastQty:     parseDecimal(report.LastQty),
		Commission:  parseDecimal(report.Commission),
	}
	if report.EventTime > 0 {
		ev.EventTime = time.UnixMilli(report.EventTime)
	}
	return ev, true, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
