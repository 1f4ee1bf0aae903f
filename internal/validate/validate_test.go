package validate

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func baseOrder() models.Order {
	return models.Order{
		Symbol:    "AAPL",
		Action:    models.ActionBuy,
		Quantity:  decimal.NewFromInt(10),
		OrderType: models.OrderTypeMarket,
	}
}

func TestOrder_Valid(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*models.Order)
	}{
		{"market", func(o *models.Order) {}},
		{"limit", func(o *models.Order) {
			o.OrderType = models.OrderTypeLimit
			o.LimitPrice = dec(185.50)
		}},
		{"stop", func(o *models.Order) {
			o.OrderType = models.OrderTypeStop
			o.StopPrice = dec(170)
		}},
		{"stop_limit", func(o *models.Order) {
			o.OrderType = models.OrderTypeStopLimit
			o.LimitPrice = dec(169.50)
			o.StopPrice = dec(170)
		}},
		{"trailing_amount", func(o *models.Order) {
			o.OrderType = models.OrderTypeTrailingStop
			o.TrailAmount = dec(2.50)
		}},
		{"trailing_percent", func(o *models.Order) {
			o.OrderType = models.OrderTypeTrailingStop
			o.TrailPercent = dec(1.5)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := baseOrder()
			tc.mut(&o)
			if errs := Order(o); len(errs) != 0 {
				t.Fatalf("expected no errors, got %v", errs)
			}
		})
	}
}

func TestOrder_Invalid(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*models.Order)
		want string
	}{
		{"empty symbol", func(o *models.Order) { o.Symbol = "" }, "symbol"},
		{"zero quantity", func(o *models.Order) { o.Quantity = decimal.Zero }, "quantity"},
		{"negative quantity", func(o *models.Order) { o.Quantity = decimal.NewFromInt(-5) }, "quantity"},
		{"limit without price", func(o *models.Order) { o.OrderType = models.OrderTypeLimit }, "limit_price"},
		{"limit with zero price", func(o *models.Order) {
			o.OrderType = models.OrderTypeLimit
			o.LimitPrice = dec(0)
		}, "limit_price"},
		{"stop without price", func(o *models.Order) { o.OrderType = models.OrderTypeStop }, "stop_price"},
		{"stop_limit missing stop", func(o *models.Order) {
			o.OrderType = models.OrderTypeStopLimit
			o.LimitPrice = dec(100)
		}, "stop_price"},
		{"trailing with neither", func(o *models.Order) { o.OrderType = models.OrderTypeTrailingStop }, "exactly one"},
		{"trailing with both", func(o *models.Order) {
			o.OrderType = models.OrderTypeTrailingStop
			o.TrailAmount = dec(2)
			o.TrailPercent = dec(1)
		}, "exactly one"},
		{"unknown type", func(o *models.Order) { o.OrderType = "ICEBERG" }, "unknown order type"},
		{"unknown action", func(o *models.Order) { o.Action = "HOLD" }, "unknown action"},
		{"bad take profit", func(o *models.Order) { o.TakeProfitPrice = dec(-1) }, "take_profit_price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := baseOrder()
			tc.mut(&o)
			errs := Order(o)
			if len(errs) == 0 {
				t.Fatal("expected errors, got none")
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected an error mentioning %q, got %v", tc.want, errs)
			}
		})
	}
}

func TestStrategy_IndexesErrors(t *testing.T) {
	good := baseOrder()
	bad := baseOrder()
	bad.Symbol = "MSFT"
	bad.OrderType = models.OrderTypeLimit

	errs := Strategy([]models.Order{good, bad})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if !strings.Contains(errs[0], "order[1]") || !strings.Contains(errs[0], "MSFT") {
		t.Fatalf("error should reference the offending leg: %s", errs[0])
	}
}

func TestStrategy_Empty(t *testing.T) {
	errs := Strategy(nil)
	if len(errs) != 1 || !strings.Contains(errs[0], "no orders") {
		t.Fatalf("expected a no-orders error, got %v", errs)
	}
}
