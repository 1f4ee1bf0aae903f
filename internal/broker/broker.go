// Package broker defines the Gateway interface the executor and reconciler
// talk to, and provides Alpaca and paper implementations. All broker-specific
// field naming is mapped at this boundary; downstream code only ever sees the
// canonical order schema from internal/models.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

var (
	// ErrNotConnected is returned when an operation is attempted before a
	// successful Connect.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrUnavailable wraps transport-level failures; the executor records
	// the affected order as failed without retrying.
	ErrUnavailable = errors.New("broker: unavailable")
)

// LiveOrder is the broker's view of one working or recently worked order.
type LiveOrder struct {
	OrderID       string
	CorrelationID string

	// Bracket/OCO linkage. ParentID is the broker-native parent order id;
	// OCOGroupID groups siblings whose fill cancels the other.
	ParentID   string
	OCOGroupID string

	Symbol       string
	AssetType    string
	Action       string
	Quantity     decimal.Decimal
	OrderType    string
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TrailAmount  *decimal.Decimal
	TrailPercent *decimal.Decimal
	TimeInForce  string

	Status         string
	FilledQuantity decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	SubmittedAt    time.Time
}

// Execution is a terminal fact about an order that has left the open set,
// used to disambiguate Filled from Cancelled.
type Execution struct {
	OrderID        string
	Symbol         string
	Status         string
	FilledQuantity decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	OccurredAt     time.Time
}

// Position is a held position in the canonical schema.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	MarketValue   decimal.Decimal
	AvgCost       decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Account is the account-level snapshot used by the risk evaluator.
type Account struct {
	Equity      decimal.Decimal
	LastEquity  decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}

// Gateway abstracts the brokerage. PlaceOrder attaches the client-generated
// correlation id to the submission so a retried or duplicated delivery can
// be recognized broker-side; when the order carries bracket exits the
// adapter places the full bracket and returns the parent order id.
type Gateway interface {
	Name() string
	Connect(ctx context.Context) error
	PlaceOrder(ctx context.Context, order models.Order, correlationID string) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOpenOrders(ctx context.Context) ([]LiveOrder, error)
	GetExecutions(ctx context.Context) ([]Execution, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (*Account, error)
}
