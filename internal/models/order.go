package models

import (
	"github.com/shopspring/decimal"
)

// Order actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Order types. One canonical vocabulary; broker-specific spellings are
// mapped at the gateway adapter boundary only.
const (
	OrderTypeMarket       = "MARKET"
	OrderTypeLimit        = "LIMIT"
	OrderTypeStop         = "STOP"
	OrderTypeStopLimit    = "STOP_LIMIT"
	OrderTypeTrailingStop = "TRAILING_STOP"
)

// Time-in-force values.
const (
	TIFDay = "DAY"
	TIFGTC = "GTC"
	TIFIOC = "IOC"
	TIFFOK = "FOK"
)

// Asset types.
const (
	AssetStock  = "STOCK"
	AssetOption = "OPTION"
)

// Order is one leg of a proposed strategy. It is immutable once submitted
// to the broker; quantity and type are fixed at validation time.
type Order struct {
	Symbol       string           `json:"symbol"`
	Action       string           `json:"action"`
	Quantity     decimal.Decimal  `json:"quantity"`
	OrderType    string           `json:"order_type"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	TrailAmount  *decimal.Decimal `json:"trail_amount,omitempty"`
	TrailPercent *decimal.Decimal `json:"trail_percent,omitempty"`
	TimeInForce  string           `json:"time_in_force,omitempty"`
	AssetType    string           `json:"asset_type,omitempty"`

	// Optional bracket exits: when either is set the executor places a
	// bracket (parent + profit target + stop loss) instead of a bare order.
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
}

func (o Order) IsBracket() bool {
	return o.TakeProfitPrice != nil || o.StopLossPrice != nil
}
