package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway implements Gateway against the Alpaca trading API. The
// correlation id travels as Alpaca's client_order_id, which the API rejects
// on reuse, giving broker-side duplicate detection.
type AlpacaGateway struct {
	client    *alpaca.Client
	connected bool
}

func NewAlpacaGateway(apiKey, apiSecret, baseURL string) *AlpacaGateway {
	return &AlpacaGateway{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

func (g *AlpacaGateway) Name() string { return "alpaca" }

// Connect verifies credentials with an account fetch; also used as the
// pool's health probe.
func (g *AlpacaGateway) Connect(_ context.Context) error {
	if _, err := g.client.GetAccount(); err != nil {
		g.connected = false
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	g.connected = true
	return nil
}

func (g *AlpacaGateway) PlaceOrder(_ context.Context, order models.Order, correlationID string) (string, error) {
	if !g.connected {
		return "", ErrNotConnected
	}
	qty := order.Quantity
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          toAlpacaSide(order.Action),
		Type:          toAlpacaType(order.OrderType),
		TimeInForce:   toAlpacaTIF(order.TimeInForce),
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TrailPrice:    order.TrailAmount,
		TrailPercent:  order.TrailPercent,
		ClientOrderID: correlationID,
	}
	if order.IsBracket() {
		req.OrderClass = alpaca.Bracket
		if order.TakeProfitPrice != nil {
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: order.TakeProfitPrice}
		}
		if order.StopLossPrice != nil {
			req.StopLoss = &alpaca.StopLoss{StopPrice: order.StopLossPrice}
		}
	}
	placed, err := g.client.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return placed.ID, nil
}

func (g *AlpacaGateway) CancelOrder(_ context.Context, orderID string) error {
	if !g.connected {
		return ErrNotConnected
	}
	if err := g.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetOpenOrders pulls the nested open order set and flattens bracket legs.
// Children inherit the parent order id as both parent_id and oco_group_id;
// Alpaca has no separate OCA group identifier.
func (g *AlpacaGateway) GetOpenOrders(_ context.Context) ([]LiveOrder, error) {
	if !g.connected {
		return nil, ErrNotConnected
	}
	orders, err := g.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
		Nested: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]LiveOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, fromAlpacaOrder(o, "", ""))
		for _, leg := range o.Legs {
			out = append(out, fromAlpacaOrder(leg, o.ID, o.ID))
		}
	}
	return out, nil
}

// GetExecutions derives terminal facts from recently closed orders: a
// closed order either filled or it did not.
func (g *AlpacaGateway) GetExecutions(_ context.Context) ([]Execution, error) {
	if !g.connected {
		return nil, ErrNotConnected
	}
	orders, err := g.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "closed",
		Limit:  500,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Execution, 0, len(orders))
	for _, o := range orders {
		ex := Execution{
			OrderID:        o.ID,
			Symbol:         o.Symbol,
			FilledQuantity: o.FilledQty,
			AvgFillPrice:   o.FilledAvgPrice,
		}
		if strings.EqualFold(o.Status, "filled") {
			ex.Status = models.OrderStatusFilled
			if o.FilledAt != nil {
				ex.OccurredAt = *o.FilledAt
			}
		} else {
			ex.Status = models.OrderStatusCancelled
			if o.CanceledAt != nil {
				ex.OccurredAt = *o.CanceledAt
			}
		}
		if ex.OccurredAt.IsZero() {
			ex.OccurredAt = time.Now().UTC()
		}
		out = append(out, ex)
	}
	return out, nil
}

func (g *AlpacaGateway) GetPositions(_ context.Context) ([]Position, error) {
	if !g.connected {
		return nil, ErrNotConnected
	}
	positions, err := g.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		pos := Position{
			Symbol:   p.Symbol,
			Quantity: p.Qty,
			AvgCost:  p.AvgEntryPrice,
		}
		if p.MarketValue != nil {
			pos.MarketValue = *p.MarketValue
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPnL = *p.UnrealizedPL
		}
		out = append(out, pos)
	}
	return out, nil
}

func (g *AlpacaGateway) GetAccount(_ context.Context) (*Account, error) {
	if !g.connected {
		return nil, ErrNotConnected
	}
	acct, err := g.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Account{
		Equity:      acct.Equity,
		LastEquity:  acct.LastEquity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}

func fromAlpacaOrder(o alpaca.Order, parentID, ocoGroup string) LiveOrder {
	var qty decimal.Decimal
	if o.Qty != nil {
		qty = *o.Qty
	}
	return LiveOrder{
		OrderID:        o.ID,
		CorrelationID:  o.ClientOrderID,
		ParentID:       parentID,
		OCOGroupID:     ocoGroup,
		Symbol:         o.Symbol,
		AssetType:      models.AssetStock,
		Action:         fromAlpacaSide(o.Side),
		Quantity:       qty,
		OrderType:      fromAlpacaType(o.Type),
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		TrailAmount:    o.TrailPrice,
		TrailPercent:   o.TrailPercent,
		TimeInForce:    strings.ToUpper(string(o.TimeInForce)),
		Status:         fromAlpacaStatus(o.Status),
		FilledQuantity: o.FilledQty,
		AvgFillPrice:   o.FilledAvgPrice,
		SubmittedAt:    o.SubmittedAt,
	}
}

func toAlpacaSide(action string) alpaca.Side {
	if strings.EqualFold(action, models.ActionSell) {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func fromAlpacaSide(side alpaca.Side) string {
	if side == alpaca.Sell {
		return models.ActionSell
	}
	return models.ActionBuy
}

func toAlpacaType(orderType string) alpaca.OrderType {
	switch orderType {
	case models.OrderTypeLimit:
		return alpaca.Limit
	case models.OrderTypeStop:
		return alpaca.Stop
	case models.OrderTypeStopLimit:
		return alpaca.StopLimit
	case models.OrderTypeTrailingStop:
		return alpaca.TrailingStop
	default:
		return alpaca.Market
	}
}

func fromAlpacaType(t alpaca.OrderType) string {
	switch t {
	case alpaca.Limit:
		return models.OrderTypeLimit
	case alpaca.Stop:
		return models.OrderTypeStop
	case alpaca.StopLimit:
		return models.OrderTypeStopLimit
	case alpaca.TrailingStop:
		return models.OrderTypeTrailingStop
	default:
		return models.OrderTypeMarket
	}
}

func toAlpacaTIF(tif string) alpaca.TimeInForce {
	switch strings.ToUpper(tif) {
	case models.TIFGTC:
		return alpaca.GTC
	case models.TIFIOC:
		return alpaca.IOC
	case models.TIFFOK:
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

func fromAlpacaStatus(status string) string {
	switch strings.ToLower(status) {
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return models.OrderStatusCancelled
	case "rejected", "suspended":
		return models.OrderStatusError
	case "pending_new", "accepted_for_bidding":
		return models.OrderStatusPendingSubmit
	default:
		// new, accepted, partially_filled, pending_cancel, pending_replace,
		// stopped, calculated: still working at the broker.
		return models.OrderStatusSubmitted
	}
}
