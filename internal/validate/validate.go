// Package validate performs structural checks on proposed orders. It is
// deliberately pure: no broker or database access, so a malformed order is
// rejected before anything external is touched. Account-dependent checks
// live in the risk package.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

// Order returns every structural problem with a single order. An empty
// slice means the order is well formed.
func Order(o models.Order) []string {
	var errs []string

	if o.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if !o.Quantity.IsPositive() {
		errs = append(errs, fmt.Sprintf("quantity must be positive, got %s", o.Quantity))
	}

	switch o.OrderType {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if !positive(o.LimitPrice) {
			errs = append(errs, "LIMIT order requires a positive limit_price")
		}
	case models.OrderTypeStop:
		if !positive(o.StopPrice) {
			errs = append(errs, "STOP order requires a positive stop_price")
		}
	case models.OrderTypeStopLimit:
		if !positive(o.LimitPrice) {
			errs = append(errs, "STOP_LIMIT order requires a positive limit_price")
		}
		if !positive(o.StopPrice) {
			errs = append(errs, "STOP_LIMIT order requires a positive stop_price")
		}
	case models.OrderTypeTrailingStop:
		hasAmount := positive(o.TrailAmount)
		hasPercent := positive(o.TrailPercent)
		if hasAmount == hasPercent {
			errs = append(errs, "TRAILING_STOP order requires exactly one of trail_amount or trail_percent")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown order type %q", o.OrderType))
	}

	switch o.Action {
	case models.ActionBuy, models.ActionSell:
	default:
		errs = append(errs, fmt.Sprintf("unknown action %q", o.Action))
	}

	if o.TakeProfitPrice != nil && !positive(o.TakeProfitPrice) {
		errs = append(errs, "take_profit_price must be positive when set")
	}
	if o.StopLossPrice != nil && !positive(o.StopLossPrice) {
		errs = append(errs, "stop_loss_price must be positive when set")
	}

	return errs
}

// Strategy validates every order in a strategy, prefixing each problem
// with the order's position so callers can surface it against the right
// leg. A strategy with no orders is itself invalid.
func Strategy(orders []models.Order) []string {
	if len(orders) == 0 {
		return []string{"strategy has no orders"}
	}
	var errs []string
	for i, o := range orders {
		for _, msg := range Order(o) {
			errs = append(errs, fmt.Sprintf("order[%d] %s: %s", i, o.Symbol, msg))
		}
	}
	return errs
}

func positive(d *decimal.Decimal) bool {
	return d != nil && d.IsPositive()
}
