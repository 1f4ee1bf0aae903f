// Package reconciler aligns the local order store with broker truth. The
// broker is always authoritative: the reconciler records what it reports,
// flags anomalies for human review, and never places or cancels orders on
// its own.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/cache"
	"tradedesk/internal/config"
	"tradedesk/internal/metrics"
	"tradedesk/internal/models"
	"tradedesk/internal/repository"
)

// unresolvedGrace is how long a record with no broker order id may stay
// in PendingSubmit before it is written off as never having reached the
// broker.
const unresolvedGrace = 5 * time.Minute

type Reconciler struct {
	repo   repository.Repository
	pool   *broker.Pool
	cache  *cache.MultiLayer
	cfg    config.ReconcilerConfig
	logger *zap.Logger

	// running enforces single-flight: a triggered pass that overlaps the
	// scheduled one is skipped, not queued.
	running sync.Mutex

	lastRunMu sync.Mutex
	lastRun   time.Time
}

func New(repo repository.Repository, pool *broker.Pool, c *cache.MultiLayer, cfg config.ReconcilerConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, pool: pool, cache: c, cfg: cfg, logger: logger}
}

// Trigger requests an immediate pass without waiting for the schedule.
// It returns at once; if a pass is already running nothing happens.
func (r *Reconciler) Trigger() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.passTimeout())
		defer cancel()
		_ = r.Reconcile(ctx)
	}()
}

// Reconcile runs one pass. Safe to call concurrently; extra callers are
// turned away immediately.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if !r.running.TryLock() {
		metrics.ReconcilePasses.WithLabelValues("skipped").Inc()
		return nil
	}
	defer r.running.Unlock()

	start := time.Now()
	if err := r.pass(ctx); err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		r.logger.Error("reconcile pass failed", zap.Error(err))
		return err
	}
	metrics.ReconcilePasses.WithLabelValues("ok").Inc()
	r.lastRunMu.Lock()
	r.lastRun = time.Now().UTC()
	r.lastRunMu.Unlock()
	r.logger.Debug("reconcile pass complete", zap.Duration("took", time.Since(start)))
	return nil
}

// LastRun reports when the last successful pass finished, zero if none has.
func (r *Reconciler) LastRun() time.Time {
	r.lastRunMu.Lock()
	defer r.lastRunMu.Unlock()
	return r.lastRun
}

func (r *Reconciler) pass(ctx context.Context) error {
	var live []broker.LiveOrder
	err := r.pool.With(ctx, func(gw broker.Gateway) error {
		var gerr error
		live, gerr = gw.GetOpenOrders(ctx)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	local, err := r.repo.ListActivePendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("list active records: %w", err)
	}

	now := time.Now().UTC()
	liveByID := make(map[string]broker.LiveOrder, len(live))
	for _, lo := range live {
		liveByID[lo.OrderID] = lo
	}
	localByID := make(map[string]*models.PendingOrderRecord, len(local))
	localByCorr := make(map[string]*models.PendingOrderRecord, len(local))
	for i := range local {
		rec := &local[i]
		if rec.OrderID != nil {
			localByID[*rec.OrderID] = rec
		}
		localByCorr[rec.CorrelationID] = rec
	}

	for _, lo := range live {
		if err := r.recordLive(ctx, lo, localByID, localByCorr, now); err != nil {
			r.logger.Error("record live order failed", zap.String("order_id", lo.OrderID), zap.Error(err))
		}
	}

	r.linkBrackets(ctx, live)

	// Local records the broker no longer reports as open left the open set
	// since the last pass: filled, cancelled, or never arrived.
	var executions []broker.Execution
	execFetched := false
	for i := range local {
		rec := &local[i]
		if rec.OrderID != nil {
			if _, stillOpen := liveByID[*rec.OrderID]; stillOpen {
				continue
			}
			if !execFetched {
				err := r.pool.With(ctx, func(gw broker.Gateway) error {
					var gerr error
					executions, gerr = gw.GetExecutions(ctx)
					return gerr
				})
				if err != nil {
					// Leave these records open; the next pass retries the
					// lookup rather than guessing between Filled and
					// Cancelled.
					r.logger.Warn("execution lookup failed, deferring absent orders", zap.Error(err))
					break
				}
				execFetched = true
			}
			r.settleAbsent(ctx, rec, executions, now)
			continue
		}
		// No order id was ever assigned. Give the broker a grace window in
		// case the timed-out submission still lands, then close it out.
		if rec.Status == models.OrderStatusPendingSubmit && now.Sub(rec.CreatedAt) > unresolvedGrace {
			if err := r.repo.UpdatePendingOrderStatus(ctx, rec.ID, models.OrderStatusError, map[string]any{
				"failure_reason": "submission never acknowledged by broker",
				"last_synced_at": now,
			}); err != nil {
				r.logger.Error("close unresolved record failed", zap.Uint64("id", rec.ID), zap.Error(err))
			} else {
				r.logger.Warn("submission written off as unacknowledged",
					zap.String("correlation_id", rec.CorrelationID), zap.String("symbol", rec.Symbol))
			}
		}
	}

	if err := r.flagOCOConflicts(ctx, live); err != nil {
		r.logger.Error("oco conflict scan failed", zap.Error(err))
	}

	metrics.OpenOrders.Set(float64(len(live)))
	r.cache.InvalidateOrders(ctx)
	return nil
}

// recordLive writes one broker-reported order into the store. A matching
// correlation id with no order id means a timed-out submission did land;
// acknowledging it here is what resolves an unknown outcome.
func (r *Reconciler) recordLive(ctx context.Context, lo broker.LiveOrder, localByID, localByCorr map[string]*models.PendingOrderRecord, now time.Time) error {
	if lo.CorrelationID != "" {
		if rec, ok := localByCorr[lo.CorrelationID]; ok && rec.OrderID == nil {
			if err := r.repo.AcknowledgePendingOrder(ctx, lo.CorrelationID, lo.OrderID, lo.Status, now); err != nil {
				return err
			}
			r.logger.Info("late acknowledgement resolved unknown outcome",
				zap.String("correlation_id", lo.CorrelationID), zap.String("order_id", lo.OrderID))
			id := lo.OrderID
			rec.OrderID = &id
			localByID[lo.OrderID] = rec
			return nil
		}
	}

	rec := liveToRecord(lo, now)
	known := false
	if _, ok := localByID[lo.OrderID]; ok {
		known = true
	} else if existing, err := r.repo.GetPendingOrderByOrderID(ctx, lo.OrderID); err != nil {
		return err
	} else if existing != nil {
		known = true
		rec.StrategyID = existing.StrategyID
		rec.External = existing.External
		rec.CorrelationID = existing.CorrelationID
	}
	if !known {
		// Someone placed this outside the engine. Adopt it for visibility.
		rec.External = true
		if rec.CorrelationID == "" {
			rec.CorrelationID = "ext_" + lo.OrderID
		}
		metrics.ExternalAdoptions.Inc()
		r.logger.Info("adopted external order",
			zap.String("order_id", lo.OrderID), zap.String("symbol", lo.Symbol))
	}
	return r.repo.UpsertPendingOrderByOrderID(ctx, rec)
}

// settleAbsent decides what happened to a record whose order id is gone
// from the open set, using execution history. No match means the lookup
// window and the open set disagree for the moment; the record stays open
// and the next pass tries again.
func (r *Reconciler) settleAbsent(ctx context.Context, rec *models.PendingOrderRecord, executions []broker.Execution, now time.Time) {
	for _, ex := range executions {
		if ex.OrderID != *rec.OrderID {
			continue
		}
		fields := map[string]any{
			"filled_quantity":    ex.FilledQuantity,
			"remaining_quantity": rec.Quantity.Sub(ex.FilledQuantity),
			"last_synced_at":     now,
		}
		if ex.AvgFillPrice != nil {
			fields["avg_fill_price"] = *ex.AvgFillPrice
		}
		if err := r.repo.UpdatePendingOrderStatus(ctx, rec.ID, ex.Status, fields); err != nil {
			r.logger.Error("settle absent order failed", zap.String("order_id", *rec.OrderID), zap.Error(err))
			return
		}
		r.logger.Info("order settled",
			zap.String("order_id", *rec.OrderID),
			zap.String("status", ex.Status),
			zap.String("symbol", rec.Symbol))
		if models.OrderStatusTerminal(ex.Status) {
			if n, err := r.repo.ResolveConflictsForSibling(ctx, *rec.OrderID, now); err == nil && n > 0 {
				r.logger.Info("resolved oco conflicts", zap.String("order_id", *rec.OrderID), zap.Int64("count", n))
			}
		}
		return
	}
	r.logger.Debug("order absent from open set with no execution record yet",
		zap.String("order_id", *rec.OrderID))
}

// linkBrackets derives bracket groups from parent links in the live set.
// Children are classified by order type: the limit leg is the profit
// target, the stop leg the stop loss.
func (r *Reconciler) linkBrackets(ctx context.Context, live []broker.LiveOrder) {
	groups := make(map[string]*models.BracketGroup)
	for _, lo := range live {
		if lo.ParentID == "" {
			continue
		}
		g, ok := groups[lo.ParentID]
		if !ok {
			g = &models.BracketGroup{ParentOrderID: lo.ParentID, Symbol: lo.Symbol}
			groups[lo.ParentID] = g
		}
		if lo.OCOGroupID != "" && g.OCOGroupID == nil {
			oco := lo.OCOGroupID
			g.OCOGroupID = &oco
		}
		id := lo.OrderID
		switch lo.OrderType {
		case models.OrderTypeLimit:
			g.ProfitTarget = &id
		case models.OrderTypeStop, models.OrderTypeStopLimit:
			g.StopLoss = &id
		}
	}
	for _, g := range groups {
		if err := r.repo.UpsertBracketGroup(ctx, g); err != nil {
			r.logger.Error("upsert bracket group failed", zap.String("parent_order_id", g.ParentOrderID), zap.Error(err))
		}
	}
}

// flagOCOConflicts reports sibling pairs where one leg reached a
// terminal state (filled or cancelled) but the other is still live at
// the broker. The broker owns OCO semantics, so the conflict is recorded
// for review and nothing is auto-cancelled.
func (r *Reconciler) flagOCOConflicts(ctx context.Context, live []broker.LiveOrder) error {
	liveByOCO := make(map[string][]broker.LiveOrder)
	for _, lo := range live {
		if lo.OCOGroupID != "" {
			liveByOCO[lo.OCOGroupID] = append(liveByOCO[lo.OCOGroupID], lo)
		}
	}

	for group, siblings := range liveByOCO {
		terminal, err := r.repo.GetTerminalOrderInOCOGroup(ctx, group)
		if err != nil {
			return err
		}
		if terminal == nil || terminal.OrderID == nil {
			continue
		}
		terminalID := *terminal.OrderID
		for _, sib := range siblings {
			if sib.OrderID == terminalID {
				continue
			}
			exists, err := r.repo.HasUnresolvedConflict(ctx, terminalID, sib.OrderID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			conflict := &models.ReconcileConflict{
				Kind:           models.ConflictOCOSiblingActive,
				OrderID:        terminalID,
				SiblingOrderID: sib.OrderID,
				OCOGroupID:     group,
				Detail: fmt.Sprintf("order %s %s but oco sibling %s (%s %s) still open at broker",
					terminalID, strings.ToLower(terminal.Status), sib.OrderID, sib.Symbol, sib.OrderType),
			}
			if err := r.repo.InsertConflict(ctx, conflict); err != nil {
				return err
			}
			metrics.ReconcileConflicts.Inc()
			r.logger.Warn("oco sibling still active after terminal leg, flagged for review",
				zap.String("terminal_order_id", terminalID),
				zap.String("terminal_status", terminal.Status),
				zap.String("sibling_order_id", sib.OrderID),
				zap.String("oco_group_id", group))
		}
	}
	return nil
}

func (r *Reconciler) passTimeout() time.Duration {
	if r.cfg.Interval > 0 {
		return r.cfg.Interval
	}
	return 15 * time.Second
}

func liveToRecord(lo broker.LiveOrder, now time.Time) *models.PendingOrderRecord {
	rec := &models.PendingOrderRecord{
		CorrelationID:     lo.CorrelationID,
		Symbol:            lo.Symbol,
		AssetType:         lo.AssetType,
		Action:            lo.Action,
		Quantity:          lo.Quantity,
		OrderType:         lo.OrderType,
		LimitPrice:        lo.LimitPrice,
		StopPrice:         lo.StopPrice,
		TrailAmount:       lo.TrailAmount,
		TrailPercent:      lo.TrailPercent,
		TimeInForce:       lo.TimeInForce,
		Status:            lo.Status,
		FilledQuantity:    lo.FilledQuantity,
		RemainingQuantity: lo.Quantity.Sub(lo.FilledQuantity),
		AvgFillPrice:      lo.AvgFillPrice,
		LastSyncedAt:      now,
	}
	id := lo.OrderID
	rec.OrderID = &id
	if lo.ParentID != "" {
		parent := lo.ParentID
		rec.ParentID = &parent
	}
	if lo.OCOGroupID != "" {
		oco := lo.OCOGroupID
		rec.OCOGroupID = &oco
	}
	if rec.AssetType == "" {
		rec.AssetType = models.AssetStock
	}
	if rec.TimeInForce == "" {
		rec.TimeInForce = models.TIFDay
	}
	return rec
}
