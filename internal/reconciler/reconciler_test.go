package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/cache"
	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/repository"
	"tradedesk/internal/repository/repotest"
)

type fixture struct {
	recon *Reconciler
	repo  *repotest.InMemory
	paper *broker.PaperGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repotest.New()
	paper := broker.NewPaperGateway()
	pool, err := broker.NewPool(context.Background(), 1, func() (broker.Gateway, error) { return paper, nil }, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	snapshots := cache.NewMultiLayer([]cache.Layer{cache.NewMemory()}, time.Minute, time.Minute, zap.NewNop())
	recon := New(repo, pool, snapshots, config.ReconcilerConfig{Interval: 15 * time.Second}, zap.NewNop())
	return &fixture{recon: recon, repo: repo, paper: paper}
}

func liveOrder(orderID, corrID, symbol string) broker.LiveOrder {
	return broker.LiveOrder{
		OrderID:       orderID,
		CorrelationID: corrID,
		Symbol:        symbol,
		AssetType:     models.AssetStock,
		Action:        models.ActionBuy,
		Quantity:      decimal.NewFromInt(10),
		OrderType:     models.OrderTypeMarket,
		TimeInForce:   models.TIFDay,
		Status:        models.OrderStatusSubmitted,
		SubmittedAt:   time.Now().UTC(),
	}
}

func seedRecord(t *testing.T, f *fixture, orderID, corrID, symbol string) *models.PendingOrderRecord {
	t.Helper()
	rec := &models.PendingOrderRecord{
		CorrelationID:     corrID,
		Symbol:            symbol,
		AssetType:         models.AssetStock,
		Action:            models.ActionBuy,
		Quantity:          decimal.NewFromInt(10),
		RemainingQuantity: decimal.NewFromInt(10),
		OrderType:         models.OrderTypeMarket,
		TimeInForce:       models.TIFDay,
		Status:            models.OrderStatusSubmitted,
	}
	if orderID != "" {
		rec.OrderID = &orderID
	}
	if err := f.repo.InsertPendingOrder(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func TestReconcile_AdoptsExternalOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paper.AdoptExternal(liveOrder("9001", "", "NVDA"))

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, err := f.repo.GetPendingOrderByOrderID(ctx, "9001")
	if err != nil || rec == nil {
		t.Fatalf("adopted record missing: %v", err)
	}
	if !rec.External {
		t.Fatal("adopted order must be flagged external")
	}
	if rec.LastSyncedAt.IsZero() {
		t.Fatal("sync timestamp not stamped")
	}

	// A second pass updates, never duplicates.
	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	total, _ := f.repo.CountPendingOrders(ctx, repository.ListPendingOrdersParams{})
	if total != 1 {
		t.Fatalf("expected 1 record after repeat pass, got %d", total)
	}
}

func TestReconcile_LateAcknowledgement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := seedRecord(t, f, "", "corr-1", "AAPL")
	rec.Status = models.OrderStatusPendingSubmit
	if err := f.repo.UpdatePendingOrderStatus(ctx, rec.ID, models.OrderStatusPendingSubmit, nil); err != nil {
		t.Fatalf("reset status: %v", err)
	}
	// The timed-out submission did land: the broker reports it with our
	// correlation id.
	f.paper.AdoptExternal(liveOrder("1500", "corr-1", "AAPL"))

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := f.repo.GetPendingOrderByCorrelationID(ctx, "corr-1")
	if got == nil || got.OrderID == nil || *got.OrderID != "1500" {
		t.Fatalf("late acknowledgement not applied: %+v", got)
	}
	if got.External {
		t.Fatal("an order we placed must not be adopted as external")
	}
	if got.Status != models.OrderStatusSubmitted {
		t.Fatalf("expected Submitted, got %s", got.Status)
	}
}

func TestReconcile_SettlesFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedRecord(t, f, "1001", "corr-1", "AAPL")
	f.paper.AdoptExternal(liveOrder("1001", "corr-1", "AAPL"))
	f.paper.MarkFilled("1001", decimal.NewFromInt(185))

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := f.repo.GetPendingOrderByOrderID(ctx, "1001")
	if rec.Status != models.OrderStatusFilled {
		t.Fatalf("expected Filled, got %s", rec.Status)
	}
	if !rec.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected full fill, got %s", rec.FilledQuantity)
	}
	if rec.AvgFillPrice == nil || !rec.AvgFillPrice.Equal(decimal.NewFromInt(185)) {
		t.Fatalf("avg fill price not recorded: %+v", rec.AvgFillPrice)
	}
}

func TestReconcile_SettlesCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedRecord(t, f, "1001", "corr-1", "AAPL")
	f.paper.AdoptExternal(liveOrder("1001", "corr-1", "AAPL"))
	f.paper.MarkCancelled("1001")

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := f.repo.GetPendingOrderByOrderID(ctx, "1001")
	if rec.Status != models.OrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", rec.Status)
	}
}

func TestReconcile_AbsentWithoutExecutionStaysOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The order left the open set with no terminal fact recorded yet.
	seedRecord(t, f, "1001", "corr-1", "AAPL")

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := f.repo.GetPendingOrderByOrderID(ctx, "1001")
	if rec.Status != models.OrderStatusSubmitted {
		t.Fatalf("record must stay open pending disambiguation, got %s", rec.Status)
	}
}

func TestReconcile_WritesOffUnacknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &models.PendingOrderRecord{
		CorrelationID: "corr-old",
		Symbol:        "AAPL",
		Action:        models.ActionBuy,
		Quantity:      decimal.NewFromInt(10),
		OrderType:     models.OrderTypeMarket,
		Status:        models.OrderStatusPendingSubmit,
		CreatedAt:     time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := f.repo.InsertPendingOrder(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := f.repo.GetPendingOrderByCorrelationID(ctx, "corr-old")
	if got.Status != models.OrderStatusError {
		t.Fatalf("stale unacknowledged record should close as Error, got %s", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatal("write-off reason missing")
	}
}

func TestReconcile_LinksBrackets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tp := decimal.NewFromInt(200)
	sl := decimal.NewFromInt(170)
	lp := decimal.NewFromInt(185)
	parentID, err := f.paper.PlaceOrder(ctx, models.Order{
		Symbol:          "AAPL",
		Action:          models.ActionBuy,
		Quantity:        decimal.NewFromInt(10),
		OrderType:       models.OrderTypeLimit,
		LimitPrice:      &lp,
		TakeProfitPrice: &tp,
		StopLossPrice:   &sl,
	}, "corr-1")
	if err != nil {
		t.Fatalf("place bracket: %v", err)
	}

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	groups, err := f.repo.ListBracketGroups(ctx, 10, 0)
	if err != nil || len(groups) != 1 {
		t.Fatalf("expected 1 bracket group, got %d (%v)", len(groups), err)
	}
	g := groups[0]
	if g.ParentOrderID != parentID {
		t.Fatalf("wrong parent: %s", g.ParentOrderID)
	}
	if !g.Complete() {
		t.Fatalf("expected both children linked: %+v", g)
	}
	if g.OCOGroupID == nil {
		t.Fatal("oco group id not carried over")
	}
}

func TestReconcile_FlagsOCOConflictWithoutCancelling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One leg filled locally, its sibling still open at the broker.
	oco := "BRACKET_1"
	filledID := "2001"
	filled := seedRecord(t, f, filledID, "corr-tp", "AAPL")
	if err := f.repo.UpdatePendingOrderStatus(ctx, filled.ID, models.OrderStatusFilled, nil); err != nil {
		t.Fatalf("mark filled: %v", err)
	}
	setOCO(t, f, filled.CorrelationID, oco)

	sibling := liveOrder("2002", "corr-sl", "AAPL")
	sibling.OCOGroupID = oco
	sibling.ParentID = "2000"
	sibling.OrderType = models.OrderTypeStop
	f.paper.AdoptExternal(sibling)

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	conflicts, err := f.repo.ListConflicts(ctx, repository.ListConflictsParams{Limit: 10, UnresolvedOnly: true})
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d (%v)", len(conflicts), err)
	}
	c := conflicts[0]
	if c.Kind != models.ConflictOCOSiblingActive {
		t.Fatalf("wrong kind: %s", c.Kind)
	}
	if c.OrderID != filledID || c.SiblingOrderID != "2002" {
		t.Fatalf("wrong pair: %+v", c)
	}

	// The broker stays authoritative: the sibling is still open.
	open, _ := f.paper.GetOpenOrders(ctx)
	if len(open) != 1 {
		t.Fatalf("reconciler must not cancel the sibling, open=%d", len(open))
	}

	// Repeat passes do not duplicate the conflict.
	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	n, _ := f.repo.CountUnresolvedConflicts(ctx)
	if n != 1 {
		t.Fatalf("conflict duplicated: %d", n)
	}
}

func TestReconcile_FlagsConflictOnCancelledChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A cancelled leg with its sibling still live is just as inconsistent
	// as a filled one.
	oco := "BRACKET_1"
	cancelled := seedRecord(t, f, "2001", "corr-tp", "AAPL")
	if err := f.repo.UpdatePendingOrderStatus(ctx, cancelled.ID, models.OrderStatusCancelled, nil); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	setOCO(t, f, cancelled.CorrelationID, oco)

	sibling := liveOrder("2002", "corr-sl", "AAPL")
	sibling.OCOGroupID = oco
	sibling.OrderType = models.OrderTypeStop
	f.paper.AdoptExternal(sibling)

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	conflicts, err := f.repo.ListConflicts(ctx, repository.ListConflictsParams{Limit: 10, UnresolvedOnly: true})
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d (%v)", len(conflicts), err)
	}
	if conflicts[0].OrderID != "2001" || conflicts[0].SiblingOrderID != "2002" {
		t.Fatalf("wrong pair: %+v", conflicts[0])
	}
	open, _ := f.paper.GetOpenOrders(ctx)
	if len(open) != 1 {
		t.Fatalf("reconciler must not cancel the sibling, open=%d", len(open))
	}
}

func TestReconcile_ResolvesConflictWhenSiblingCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oco := "BRACKET_1"
	filled := seedRecord(t, f, "2001", "corr-tp", "AAPL")
	if err := f.repo.UpdatePendingOrderStatus(ctx, filled.ID, models.OrderStatusFilled, nil); err != nil {
		t.Fatalf("mark filled: %v", err)
	}
	setOCO(t, f, filled.CorrelationID, oco)

	sibling := liveOrder("2002", "corr-sl", "AAPL")
	sibling.OCOGroupID = oco
	sibling.OrderType = models.OrderTypeStop
	f.paper.AdoptExternal(sibling)

	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n, _ := f.repo.CountUnresolvedConflicts(ctx); n != 1 {
		t.Fatalf("expected 1 unresolved conflict, got %d", n)
	}

	// The broker catches up and cancels the sibling.
	f.paper.MarkCancelled("2002")
	if err := f.recon.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if n, _ := f.repo.CountUnresolvedConflicts(ctx); n != 0 {
		t.Fatalf("conflict should resolve once the sibling closes, still %d open", n)
	}
}

// setOCO stamps an oco group onto a stored record via upsert.
func setOCO(t *testing.T, f *fixture, corrID, oco string) {
	t.Helper()
	ctx := context.Background()
	rec, err := f.repo.GetPendingOrderByCorrelationID(ctx, corrID)
	if err != nil || rec == nil {
		t.Fatalf("load record: %v", err)
	}
	rec.OCOGroupID = &oco
	if err := f.repo.UpsertPendingOrderByOrderID(ctx, rec); err != nil {
		t.Fatalf("stamp oco: %v", err)
	}
}
