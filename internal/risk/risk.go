// Package risk evaluates proposed orders against live account state.
// Every check is individually togglable and produces a warning rather
// than an error; an empty warning list means the strategy is approved.
// Evaluation only accepts a snapshot fetched moments ago, never a cached
// one, so approval always reflects the account as it is now.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/metrics"
	"tradedesk/internal/models"
)

// Reason codes carried as warning prefixes.
const (
	ReasonPositionSize  = "position_size_exceeded"
	ReasonBuyingPower   = "insufficient_buying_power"
	ReasonConcentration = "concentration_exceeded"
	ReasonDailyLoss     = "daily_loss_limit_reached"
)

// ErrStaleSnapshot rejects snapshots older than the configured bound.
type ErrStaleSnapshot struct {
	Age    time.Duration
	MaxAge time.Duration
}

func (e *ErrStaleSnapshot) Error() string {
	return fmt.Sprintf("account snapshot is %s old, max allowed %s", e.Age.Round(time.Millisecond), e.MaxAge)
}

// Snapshot is the account state a single evaluation runs against.
type Snapshot struct {
	Positions []broker.Position
	Account   broker.Account
	FetchedAt time.Time
}

type Evaluator struct {
	cfg    config.RiskConfig
	logger *zap.Logger
}

func NewEvaluator(cfg config.RiskConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, logger: logger}
}

// Evaluate runs every enabled check and returns the accumulated warnings.
// It fails outright, without producing warnings, when the snapshot is too
// old to trust.
func (e *Evaluator) Evaluate(orders []models.Order, snap Snapshot) ([]string, error) {
	if age := time.Since(snap.FetchedAt); age > e.cfg.SnapshotMaxAge {
		return nil, &ErrStaleSnapshot{Age: age, MaxAge: e.cfg.SnapshotMaxAge}
	}

	var warnings []string
	add := func(reason, detail string) {
		warnings = append(warnings, reason+": "+detail)
		metrics.RiskRejections.WithLabelValues(reason).Inc()
	}

	if e.cfg.CheckPositionSize {
		// The cap is in shares, so a market order with no price attached
		// still counts in full.
		maxShares := decimal.NewFromFloat(e.cfg.MaxPositionSize)
		held := make(map[string]decimal.Decimal, len(snap.Positions))
		for _, p := range snap.Positions {
			held[p.Symbol] = p.Quantity
		}
		for i, o := range orders {
			size := o.Quantity
			if o.Action == models.ActionBuy {
				size = size.Add(held[o.Symbol])
			}
			if size.GreaterThan(maxShares) {
				add(ReasonPositionSize, fmt.Sprintf("order[%d] %s would hold %s shares, limit %s",
					i, o.Symbol, size.String(), maxShares.String()))
			}
		}
	}

	if e.cfg.CheckBuyingPower {
		total := decimal.Zero
		for _, o := range orders {
			if o.Action != models.ActionBuy {
				continue
			}
			total = total.Add(estimateNotional(o, snap.Positions))
		}
		if total.GreaterThan(snap.Account.BuyingPower) {
			add(ReasonBuyingPower, fmt.Sprintf("total buy notional %s exceeds buying power %s",
				total.StringFixed(2), snap.Account.BuyingPower.StringFixed(2)))
		}
	}

	if e.cfg.CheckConcentration && snap.Account.Equity.IsPositive() {
		maxConc := decimal.NewFromFloat(e.cfg.MaxConcentration)
		exposure := make(map[string]decimal.Decimal, len(snap.Positions))
		for _, p := range snap.Positions {
			exposure[p.Symbol] = p.MarketValue
		}
		for _, o := range orders {
			if o.Action != models.ActionBuy {
				continue
			}
			exposure[o.Symbol] = exposure[o.Symbol].Add(estimateNotional(o, snap.Positions))
		}
		for _, o := range orders {
			ratio := exposure[o.Symbol].Div(snap.Account.Equity)
			if ratio.GreaterThan(maxConc) {
				add(ReasonConcentration, fmt.Sprintf("%s would be %s of equity, limit %s",
					o.Symbol, ratio.StringFixed(3), maxConc.StringFixed(3)))
				delete(exposure, o.Symbol)
			}
		}
	}

	if e.cfg.CheckDailyLoss {
		loss := snap.Account.LastEquity.Sub(snap.Account.Equity)
		limit := decimal.NewFromFloat(e.cfg.MaxDailyLossUSD)
		if loss.GreaterThanOrEqual(limit) {
			add(ReasonDailyLoss, fmt.Sprintf("down %s today, limit %s",
				loss.StringFixed(2), limit.StringFixed(2)))
		}
	}

	if len(warnings) > 0 && e.logger != nil {
		e.logger.Info("risk checks produced warnings",
			zap.Int("orders", len(orders)), zap.Strings("warnings", warnings))
	}
	return warnings, nil
}

// estimateNotional prices an order as limit, then stop, then the average
// cost of any existing position in the symbol. A market order in a symbol
// we hold nothing of cannot be priced and contributes zero.
func estimateNotional(o models.Order, positions []broker.Position) decimal.Decimal {
	price := decimal.Zero
	switch {
	case o.LimitPrice != nil && o.LimitPrice.IsPositive():
		price = *o.LimitPrice
	case o.StopPrice != nil && o.StopPrice.IsPositive():
		price = *o.StopPrice
	default:
		for _, p := range positions {
			if p.Symbol == o.Symbol && p.AvgCost.IsPositive() {
				price = p.AvgCost
				break
			}
		}
	}
	return price.Mul(o.Quantity)
}
