// Package executor submits the orders of a confirmed strategy to the
// broker, exactly once. Every leg gets a client-generated correlation id
// and a durable PendingSubmit record before the gateway is touched, so a
// crash or timeout mid-submission leaves an auditable trail the
// reconciler can resolve against broker truth.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/cache"
	"tradedesk/internal/config"
	"tradedesk/internal/metrics"
	"tradedesk/internal/models"
	"tradedesk/internal/repository"
)

// UnknownOutcome marks a submission whose fate the engine does not know:
// the request timed out after possibly reaching the broker. The leg is
// reported failed but its pending record stays open for reconciliation,
// and it must never be re-submitted.
const UnknownOutcome = "UnknownOutcome"

// ReconcileTrigger requests an out-of-band reconciliation pass.
type ReconcileTrigger interface {
	Trigger()
}

type Executor struct {
	repo       repository.Repository
	pool       *broker.Pool
	cache      *cache.MultiLayer
	reconciler ReconcileTrigger
	cfg        config.ExecutorConfig
	logger     *zap.Logger

	mu     sync.Mutex
	inWork map[string]struct{}
}

func New(repo repository.Repository, pool *broker.Pool, c *cache.MultiLayer, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		repo:   repo,
		pool:   pool,
		cache:  c,
		cfg:    cfg,
		logger: logger,
		inWork: make(map[string]struct{}),
	}
}

// SetReconciler wires the reconciliation trigger after construction; the
// reconciler itself depends on this package's output.
func (e *Executor) SetReconciler(t ReconcileTrigger) {
	e.reconciler = t
}

// Execute runs a confirmed strategy. Legs are submitted independently: a
// failure on one leg does not stop the others, and the final status
// reflects the breakdown (EXECUTED, PARTIAL or FAILED).
func (e *Executor) Execute(ctx context.Context, strategyID string) {
	e.mu.Lock()
	if _, busy := e.inWork[strategyID]; busy {
		e.mu.Unlock()
		return
	}
	e.inWork[strategyID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inWork, strategyID)
		e.mu.Unlock()
	}()

	st, err := e.repo.GetStrategyByID(ctx, strategyID)
	if err != nil || st == nil {
		e.logger.Error("execute: strategy load failed", zap.String("strategy_id", strategyID), zap.Error(err))
		return
	}
	if st.Status != models.StrategyConfirmed {
		e.logger.Warn("execute: strategy not confirmed, skipping",
			zap.String("strategy_id", strategyID), zap.String("status", st.Status))
		return
	}

	st.Status = models.StrategyExecuting
	if err := e.repo.SaveStrategy(ctx, st); err != nil {
		e.logger.Error("execute: transition to executing failed", zap.String("strategy_id", strategyID), zap.Error(err))
		return
	}
	metrics.StrategyTransitions.WithLabelValues(models.StrategyExecuting).Inc()

	orders, err := st.DecodeOrders()
	if err != nil {
		e.finish(ctx, st, nil, []models.FailedOrderRef{{Error: "decode orders: " + err.Error()}})
		return
	}

	var executed []models.ExecutedOrderRef
	var failed []models.FailedOrderRef
	for _, o := range orders {
		ref, failRef := e.submit(ctx, st.ID, o)
		if ref != nil {
			executed = append(executed, *ref)
		}
		if failRef != nil {
			failed = append(failed, *failRef)
		}
	}

	e.finish(ctx, st, executed, failed)

	e.cache.InvalidateOrders(ctx)
	e.cache.InvalidatePortfolio(ctx)
	if e.reconciler != nil {
		e.reconciler.Trigger()
	}
}

// submit places one leg. The pending record is written before the
// gateway call so the correlation id exists durably whatever happens on
// the wire.
func (e *Executor) submit(ctx context.Context, strategyID string, o models.Order) (*models.ExecutedOrderRef, *models.FailedOrderRef) {
	corrID := uuid.NewString()
	rec := &models.PendingOrderRecord{
		CorrelationID: corrID,
		StrategyID:    &strategyID,
		Symbol:        o.Symbol,
		AssetType:     defaultStr(o.AssetType, models.AssetStock),
		Action:        o.Action,
		Quantity:      o.Quantity,
		OrderType:     o.OrderType,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		TrailAmount:   o.TrailAmount,
		TrailPercent:  o.TrailPercent,
		TimeInForce:   defaultStr(o.TimeInForce, models.TIFDay),
		Status:        models.OrderStatusPendingSubmit,
		RemainingQuantity: o.Quantity,
	}
	if err := e.repo.InsertPendingOrder(ctx, rec); err != nil {
		return nil, &models.FailedOrderRef{
			CorrelationID: corrID, Symbol: o.Symbol, OrderType: o.OrderType,
			Error: "persist pending order: " + err.Error(),
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	gw, err := e.pool.Get(submitCtx)
	if err != nil {
		// Nothing left the process: no connection was available, so the
		// broker never saw this order. Plain failure, not an unknown one.
		reason := "no broker connection available: " + err.Error()
		metrics.Submissions.WithLabelValues("failed").Inc()
		if uerr := e.repo.UpdatePendingOrderStatus(ctx, rec.ID, models.OrderStatusError, map[string]any{
			"failure_reason": reason,
		}); uerr != nil {
			e.logger.Error("mark pending order failed", zap.String("correlation_id", corrID), zap.Error(uerr))
		}
		e.logger.Warn("no broker connection for submission",
			zap.String("strategy_id", strategyID),
			zap.String("correlation_id", corrID),
			zap.String("symbol", o.Symbol),
			zap.Error(err))
		return nil, &models.FailedOrderRef{
			CorrelationID: corrID, Symbol: o.Symbol, OrderType: o.OrderType,
			Error: reason,
		}
	}
	orderID, err := gw.PlaceOrder(submitCtx, o, corrID)
	e.pool.Put(gw)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The order may or may not exist at the broker. Leave the
			// record in PendingSubmit for the reconciler to settle.
			metrics.Submissions.WithLabelValues("unknown").Inc()
			e.logger.Warn("order submission timed out, outcome unknown",
				zap.String("strategy_id", strategyID),
				zap.String("correlation_id", corrID),
				zap.String("symbol", o.Symbol))
			return nil, &models.FailedOrderRef{
				CorrelationID: corrID, Symbol: o.Symbol, OrderType: o.OrderType,
				Error: UnknownOutcome,
			}
		}
		metrics.Submissions.WithLabelValues("failed").Inc()
		if uerr := e.repo.UpdatePendingOrderStatus(ctx, rec.ID, models.OrderStatusError, map[string]any{
			"failure_reason": err.Error(),
		}); uerr != nil {
			e.logger.Error("mark pending order failed", zap.String("correlation_id", corrID), zap.Error(uerr))
		}
		e.logger.Warn("order submission rejected",
			zap.String("strategy_id", strategyID),
			zap.String("correlation_id", corrID),
			zap.String("symbol", o.Symbol),
			zap.Error(err))
		return nil, &models.FailedOrderRef{
			CorrelationID: corrID, Symbol: o.Symbol, OrderType: o.OrderType,
			Error: err.Error(),
		}
	}

	now := time.Now().UTC()
	if err := e.repo.AcknowledgePendingOrder(ctx, corrID, orderID, models.OrderStatusSubmitted, now); err != nil {
		e.logger.Error("acknowledge pending order failed",
			zap.String("correlation_id", corrID), zap.String("order_id", orderID), zap.Error(err))
	}
	metrics.Submissions.WithLabelValues("accepted").Inc()
	e.logger.Info("order submitted",
		zap.String("strategy_id", strategyID),
		zap.String("order_id", orderID),
		zap.String("correlation_id", corrID),
		zap.String("symbol", o.Symbol),
		zap.String("order_type", o.OrderType),
		zap.Bool("bracket", o.IsBracket()))
	return &models.ExecutedOrderRef{OrderID: orderID, CorrelationID: corrID, Symbol: o.Symbol}, nil
}

func (e *Executor) finish(ctx context.Context, st *models.Strategy, executed []models.ExecutedOrderRef, failed []models.FailedOrderRef) {
	switch {
	case len(failed) == 0:
		st.Status = models.StrategyExecuted
	case len(executed) == 0:
		st.Status = models.StrategyFailed
	default:
		st.Status = models.StrategyPartial
	}
	now := time.Now().UTC()
	st.ExecutedAt = &now
	if executed != nil {
		st.ExecutedOrders, _ = json.Marshal(executed)
	}
	if failed != nil {
		st.FailedOrders, _ = json.Marshal(failed)
	}
	if err := e.repo.SaveStrategy(ctx, st); err != nil {
		e.logger.Error("persist execution outcome failed", zap.String("strategy_id", st.ID), zap.Error(err))
		return
	}
	metrics.StrategyTransitions.WithLabelValues(st.Status).Inc()
	e.logger.Info("strategy execution finished",
		zap.String("strategy_id", st.ID),
		zap.String("status", st.Status),
		zap.Int("submitted", len(executed)),
		zap.Int("failed", len(failed)))
}

// CancelOrder forwards a manual cancel to the broker. The local record is
// not touched here; the next reconciliation pass records whatever the
// broker reports.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	rec, err := e.repo.GetPendingOrderByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("order %s not found", orderID)
	}
	if models.OrderStatusTerminal(rec.Status) {
		// A terminal status is only trusted while the record is within the
		// sync window. Past it the broker decides; forward the cancel and
		// let reconciliation settle the record.
		if !rec.StaleAfter(e.cache.OrdersTTL(), time.Now().UTC()) {
			return fmt.Errorf("order %s already %s", orderID, rec.Status)
		}
		e.logger.Warn("cancelling despite stale terminal record",
			zap.String("order_id", orderID),
			zap.String("status", rec.Status),
			zap.Time("last_synced_at", rec.LastSyncedAt))
	}

	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	err = e.pool.With(cancelCtx, func(gw broker.Gateway) error {
		return gw.CancelOrder(cancelCtx, orderID)
	})
	if err != nil {
		return err
	}
	e.cache.InvalidateOrders(ctx)
	if e.reconciler != nil {
		e.reconciler.Trigger()
	}
	e.logger.Info("cancel requested", zap.String("order_id", orderID))
	return nil
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
