package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

// Compile-time interface check.
var _ Gateway = (*PaperGateway)(nil)

// PaperGateway is an in-memory Gateway for development and tests. Orders
// acknowledge immediately with sequential ids; fills and cancels are driven
// explicitly via MarkFilled/MarkCancelled. Submissions can be scripted to
// fail or hang per symbol.
type PaperGateway struct {
	mu sync.Mutex

	nextID     int64
	open       map[string]LiveOrder
	executions []Execution
	byCorrID   map[string]string

	positions []Position
	account   Account

	// FailNext maps symbol -> error to return on the next submission of
	// that symbol. HangNext makes the next submission for the symbol block
	// until the context expires, simulating a timeout with unknown outcome.
	failNext map[string]error
	hangNext map[string]bool
}

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		nextID:   1000,
		open:     make(map[string]LiveOrder),
		byCorrID: make(map[string]string),
		failNext: make(map[string]error),
		hangNext: make(map[string]bool),
		account: Account{
			Equity:      decimal.NewFromInt(100_000),
			LastEquity:  decimal.NewFromInt(100_000),
			Cash:        decimal.NewFromInt(100_000),
			BuyingPower: decimal.NewFromInt(200_000),
		},
	}
}

func (g *PaperGateway) Name() string { return "paper" }

func (g *PaperGateway) Connect(_ context.Context) error { return nil }

func (g *PaperGateway) PlaceOrder(ctx context.Context, order models.Order, correlationID string) (string, error) {
	g.mu.Lock()
	if g.hangNext[order.Symbol] {
		delete(g.hangNext, order.Symbol)
		g.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	defer g.mu.Unlock()

	if err, ok := g.failNext[order.Symbol]; ok {
		delete(g.failNext, order.Symbol)
		return "", err
	}
	// Broker-side duplicate detection on correlation id.
	if existing, ok := g.byCorrID[correlationID]; ok {
		return existing, fmt.Errorf("%w: duplicate client order id %s", ErrUnavailable, existing)
	}

	parentID := g.allocateID()
	now := time.Now().UTC()
	parent := liveFromOrder(order, parentID, correlationID, "", "", now)
	g.open[parentID] = parent
	g.byCorrID[correlationID] = parentID

	if order.IsBracket() {
		oco := "BRACKET_" + strconv.FormatInt(now.UnixMilli(), 10)
		if order.TakeProfitPrice != nil {
			tpID := g.allocateID()
			tp := models.Order{
				Symbol:      order.Symbol,
				Action:      opposite(order.Action),
				Quantity:    order.Quantity,
				OrderType:   models.OrderTypeLimit,
				LimitPrice:  order.TakeProfitPrice,
				TimeInForce: models.TIFGTC,
				AssetType:   order.AssetType,
			}
			g.open[tpID] = liveFromOrder(tp, tpID, correlationID+"_tp", parentID, oco, now)
		}
		if order.StopLossPrice != nil {
			slID := g.allocateID()
			sl := models.Order{
				Symbol:      order.Symbol,
				Action:      opposite(order.Action),
				Quantity:    order.Quantity,
				OrderType:   models.OrderTypeStop,
				StopPrice:   order.StopLossPrice,
				TimeInForce: models.TIFGTC,
				AssetType:   order.AssetType,
			}
			g.open[slID] = liveFromOrder(sl, slID, correlationID+"_sl", parentID, oco, now)
		}
	}
	return parentID, nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.open[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s not open", ErrUnavailable, orderID)
	}
	delete(g.open, orderID)
	g.executions = append(g.executions, Execution{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Status:     models.OrderStatusCancelled,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

func (g *PaperGateway) GetOpenOrders(_ context.Context) ([]LiveOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LiveOrder, 0, len(g.open))
	for _, o := range g.open {
		out = append(out, o)
	}
	return out, nil
}

func (g *PaperGateway) GetExecutions(_ context.Context) ([]Execution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Execution, len(g.executions))
	copy(out, g.executions)
	return out, nil
}

func (g *PaperGateway) GetPositions(_ context.Context) ([]Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Position, len(g.positions))
	copy(out, g.positions)
	return out, nil
}

func (g *PaperGateway) GetAccount(_ context.Context) (*Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct := g.account
	return &acct, nil
}

// --- test/scripting hooks ---------------------------------------------------

// FailNextSubmit makes the next submission for symbol fail with err.
func (g *PaperGateway) FailNextSubmit(symbol string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[symbol] = err
}

// HangNextSubmit makes the next submission for symbol block until its
// context expires.
func (g *PaperGateway) HangNextSubmit(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangNext[symbol] = true
}

// MarkFilled moves an open order to the execution history as Filled.
func (g *PaperGateway) MarkFilled(orderID string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.open[orderID]
	if !ok {
		return
	}
	delete(g.open, orderID)
	g.executions = append(g.executions, Execution{
		OrderID:        o.OrderID,
		Symbol:         o.Symbol,
		Status:         models.OrderStatusFilled,
		FilledQuantity: o.Quantity,
		AvgFillPrice:   &price,
		OccurredAt:     time.Now().UTC(),
	})
}

// MarkCancelled moves an open order to the execution history as Cancelled.
func (g *PaperGateway) MarkCancelled(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.open[orderID]
	if !ok {
		return
	}
	delete(g.open, orderID)
	g.executions = append(g.executions, Execution{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Status:     models.OrderStatusCancelled,
		OccurredAt: time.Now().UTC(),
	})
}

// Drop removes an open order without recording an execution, simulating an
// order that vanished from the open set before any terminal fact is known.
func (g *PaperGateway) Drop(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, orderID)
}

// AdoptExternal inserts an open order as if placed outside this system.
func (g *PaperGateway) AdoptExternal(o LiveOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[o.OrderID] = o
}

// SetPositions replaces the position snapshot.
func (g *PaperGateway) SetPositions(positions []Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = positions
}

// SetAccount replaces the account snapshot.
func (g *PaperGateway) SetAccount(acct Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account = acct
}

func (g *PaperGateway) allocateID() string {
	g.nextID++
	return strconv.FormatInt(g.nextID, 10)
}

func liveFromOrder(o models.Order, id, corrID, parentID, oco string, now time.Time) LiveOrder {
	tif := o.TimeInForce
	if tif == "" {
		tif = models.TIFDay
	}
	asset := o.AssetType
	if asset == "" {
		asset = models.AssetStock
	}
	return LiveOrder{
		OrderID:       id,
		CorrelationID: corrID,
		ParentID:      parentID,
		OCOGroupID:    oco,
		Symbol:        o.Symbol,
		AssetType:     asset,
		Action:        o.Action,
		Quantity:      o.Quantity,
		OrderType:     o.OrderType,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		TrailAmount:   o.TrailAmount,
		TrailPercent:  o.TrailPercent,
		TimeInForce:   tif,
		Status:        models.OrderStatusSubmitted,
		SubmittedAt:   now,
	}
}

func opposite(action string) string {
	if action == models.ActionBuy {
		return models.ActionSell
	}
	return models.ActionBuy
}
