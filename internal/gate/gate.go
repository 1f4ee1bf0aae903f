// Package gate drives the strategy lifecycle from intake to confirmed
// execution. Nothing reaches the broker unless a strategy has passed
// structural validation, had its risk warnings recorded against a fresh
// account snapshot, and been explicitly confirmed by a human after the
// countdown window.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/metrics"
	"tradedesk/internal/models"
	"tradedesk/internal/repository"
	"tradedesk/internal/risk"
	"tradedesk/internal/validate"
)

var (
	ErrNotFound         = errors.New("strategy not found")
	ErrValidationFailed = errors.New("strategy has validation errors")
	ErrRiskRejected     = errors.New("strategy rejected by risk checks")
	ErrRiskUnavailable  = errors.New("account snapshot unavailable for risk checks")
)

// ErrInvalidTransition reports an operation attempted from the wrong
// lifecycle state.
type ErrInvalidTransition struct {
	Op     string
	Status string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s strategy in status %s", e.Op, e.Status)
}

// Executor runs a confirmed strategy's orders. The gate never talks to
// the broker for submission itself.
type Executor interface {
	Execute(ctx context.Context, strategyID string)
}

// ProposeRequest carries an incoming strategy proposal.
type ProposeRequest struct {
	Name       string           `json:"name" binding:"required"`
	Reasoning  string           `json:"reasoning"`
	RiskLevel  string           `json:"risk_level"`
	Confidence float64          `json:"confidence"`
	MaxLoss    *decimal.Decimal `json:"max_loss"`
	MaxGain    *decimal.Decimal `json:"max_gain"`
	Orders     []models.Order   `json:"orders" binding:"required"`
}

type timers struct {
	countdown *time.Timer
	ready     *time.Timer
}

type Gate struct {
	repo     repository.Repository
	eval     *risk.Evaluator
	pool     *broker.Pool
	executor Executor
	cfg      config.GateConfig
	snapTO   time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*timers
}

func New(repo repository.Repository, eval *risk.Evaluator, pool *broker.Pool, executor Executor, cfg config.GateConfig, snapshotTimeout time.Duration, logger *zap.Logger) *Gate {
	if snapshotTimeout <= 0 {
		snapshotTimeout = 5 * time.Second
	}
	return &Gate{
		repo:     repo,
		eval:     eval,
		pool:     pool,
		executor: executor,
		cfg:      cfg,
		snapTO:   snapshotTimeout,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]*timers),
	}
}

// Propose validates a proposal, evaluates its risk against a freshly
// fetched account snapshot, and stores it in REVIEW. Validation errors
// and risk warnings are recorded on the strategy rather than failing the
// call so the reviewer sees exactly what the engine saw.
func (g *Gate) Propose(ctx context.Context, req ProposeRequest) (*models.Strategy, error) {
	ordersJSON, err := json.Marshal(req.Orders)
	if err != nil {
		return nil, fmt.Errorf("encode orders: %w", err)
	}

	st := &models.Strategy{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Reasoning:  req.Reasoning,
		RiskLevel:  req.RiskLevel,
		Confidence: req.Confidence,
		MaxLoss:    req.MaxLoss,
		MaxGain:    req.MaxGain,
		Status:     models.StrategyReview,
		Orders:     ordersJSON,
	}

	if errs := validate.Strategy(req.Orders); len(errs) > 0 {
		st.ValidationErrors, _ = json.Marshal(errs)
	}

	warnings := g.evaluateRisk(ctx, req.Orders)
	if len(warnings) > 0 {
		st.RiskWarnings, _ = json.Marshal(warnings)
	}

	if err := g.repo.InsertStrategy(ctx, st); err != nil {
		return nil, err
	}
	metrics.StrategyTransitions.WithLabelValues(models.StrategyReview).Inc()
	g.logger.Info("strategy proposed",
		zap.String("strategy_id", st.ID),
		zap.String("name", st.Name),
		zap.Int("orders", len(req.Orders)),
		zap.Int("validation_errors", countJSON(st.ValidationErrors)),
		zap.Int("risk_warnings", len(warnings)))
	return st, nil
}

func (g *Gate) evaluateRisk(ctx context.Context, orders []models.Order) []string {
	snap, err := g.FreshSnapshot(ctx)
	if err != nil {
		g.logger.Warn("risk snapshot unavailable", zap.Error(err))
		return []string{"risk_check_unavailable: " + err.Error()}
	}
	warnings, err := g.eval.Evaluate(orders, *snap)
	if err != nil {
		return []string{"risk_check_unavailable: " + err.Error()}
	}
	return warnings
}

// FreshSnapshot pulls positions and account directly from the broker,
// bypassing every cache layer.
func (g *Gate) FreshSnapshot(ctx context.Context) (*risk.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, g.snapTO)
	defer cancel()

	var snap risk.Snapshot
	err := g.pool.With(ctx, func(gw broker.Gateway) error {
		positions, err := gw.GetPositions(ctx)
		if err != nil {
			return err
		}
		account, err := gw.GetAccount(ctx)
		if err != nil {
			return err
		}
		snap = risk.Snapshot{Positions: positions, Account: *account, FetchedAt: time.Now().UTC()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Initiate starts the countdown for a reviewed strategy. Strategies with
// recorded validation errors cannot proceed.
func (g *Gate) Initiate(ctx context.Context, id string) (*models.Strategy, error) {
	unlock := g.lockStrategy(id)
	defer unlock()

	st, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StrategyReview {
		return nil, &ErrInvalidTransition{Op: "initiate", Status: st.Status}
	}
	if countJSON(st.ValidationErrors) > 0 {
		return nil, ErrValidationFailed
	}

	if err := g.transition(ctx, st, models.StrategyCountdown); err != nil {
		return nil, err
	}
	g.startCountdown(st.ID)
	return st, nil
}

// Confirm runs the validation and risk gates one final time and, only if
// both pass, moves a READY strategy to CONFIRMED and hands it to the
// executor. Any validation error or risk warning sends it back to REVIEW
// with the lists recorded; a snapshot failure blocks confirmation
// outright rather than approving on stale account data. Confirming an
// already confirmed, executing or terminal strategy is a no-op returning
// the current state, so a double-clicked button or a retried request
// cannot submit twice.
func (g *Gate) Confirm(ctx context.Context, id string) (*models.Strategy, error) {
	unlock := g.lockStrategy(id)
	defer unlock()

	st, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Status == models.StrategyReady:
	case st.Status == models.StrategyConfirmed ||
		st.Status == models.StrategyExecuting ||
		models.StrategyTerminal(st.Status):
		return st, nil
	default:
		return nil, &ErrInvalidTransition{Op: "confirm", Status: st.Status}
	}

	orders, err := st.DecodeOrders()
	if err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	if errs := validate.Strategy(orders); len(errs) > 0 {
		st.ValidationErrors, _ = json.Marshal(errs)
		g.stopTimers(st.ID)
		if terr := g.transition(ctx, st, models.StrategyReview); terr != nil {
			return nil, terr
		}
		g.logger.Warn("confirm blocked by validation",
			zap.String("strategy_id", st.ID), zap.Strings("errors", errs))
		return st, ErrValidationFailed
	}

	snap, err := g.FreshSnapshot(ctx)
	if err != nil {
		// Strategy stays READY; the user may retry within the window.
		return nil, fmt.Errorf("%w: %v", ErrRiskUnavailable, err)
	}
	warnings, err := g.eval.Evaluate(orders, *snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRiskUnavailable, err)
	}
	if len(warnings) > 0 {
		st.RiskWarnings, _ = json.Marshal(warnings)
		g.stopTimers(st.ID)
		if terr := g.transition(ctx, st, models.StrategyReview); terr != nil {
			return nil, terr
		}
		g.logger.Warn("confirm blocked by risk checks",
			zap.String("strategy_id", st.ID), zap.Strings("warnings", warnings))
		return st, ErrRiskRejected
	}
	st.ValidationErrors = nil
	st.RiskWarnings = nil

	g.stopTimers(st.ID)
	now := time.Now().UTC()
	st.ConfirmedAt = &now
	if err := g.transition(ctx, st, models.StrategyConfirmed); err != nil {
		return nil, err
	}
	g.logger.Info("strategy confirmed", zap.String("strategy_id", st.ID))
	go g.executor.Execute(context.WithoutCancel(ctx), st.ID)
	return st, nil
}

// Cancel aborts a strategy that has not been confirmed yet.
func (g *Gate) Cancel(ctx context.Context, id string) (*models.Strategy, error) {
	unlock := g.lockStrategy(id)
	defer unlock()

	st, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case models.StrategyGenerated, models.StrategyReview,
		models.StrategyCountdown, models.StrategyReady:
	default:
		return nil, &ErrInvalidTransition{Op: "cancel", Status: st.Status}
	}

	g.stopTimers(st.ID)
	if err := g.transition(ctx, st, models.StrategyCancelled); err != nil {
		return nil, err
	}
	g.logger.Info("strategy cancelled", zap.String("strategy_id", st.ID))
	return st, nil
}

func (g *Gate) Get(ctx context.Context, id string) (*models.Strategy, error) {
	return g.load(ctx, id)
}

func (g *Gate) List(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, int64, error) {
	items, err := g.repo.ListStrategies(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := g.repo.CountStrategies(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ExpireStale cancels unconfirmed strategies older than the configured
// maximum age. The cron runner calls this periodically.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-g.cfg.MaxAge)
	stale, err := g.repo.ListActiveStrategiesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		st := &stale[i]
		unlock := g.lockStrategy(st.ID)
		cur, err := g.load(ctx, st.ID)
		if err != nil || models.StrategyTerminal(cur.Status) ||
			cur.Status == models.StrategyConfirmed || cur.Status == models.StrategyExecuting {
			unlock()
			continue
		}
		g.stopTimers(cur.ID)
		if err := g.transition(ctx, cur, models.StrategyCancelled); err != nil {
			unlock()
			return expired, err
		}
		unlock()
		expired++
		g.logger.Info("stale strategy expired", zap.String("strategy_id", cur.ID))
	}
	return expired, nil
}

func (g *Gate) load(ctx context.Context, id string) (*models.Strategy, error) {
	st, err := g.repo.GetStrategyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	// The executor finishes strategies outside the gate; drop the mutex
	// for anything observed terminal so the map stays bounded.
	if models.StrategyTerminal(st.Status) {
		g.evictLock(st.ID)
	}
	return st, nil
}

func (g *Gate) transition(ctx context.Context, st *models.Strategy, status string) error {
	st.Status = status
	if err := g.repo.SaveStrategy(ctx, st); err != nil {
		return err
	}
	metrics.StrategyTransitions.WithLabelValues(status).Inc()
	if models.StrategyTerminal(status) {
		g.evictLock(st.ID)
	}
	return nil
}

// evictLock drops the per-strategy mutex once nothing is left to
// serialize. Current holders keep their pointer and unlock normally.
func (g *Gate) evictLock(id string) {
	g.mu.Lock()
	delete(g.locks, id)
	g.mu.Unlock()
}

// startCountdown arms the countdown timer. When it fires the strategy
// becomes READY, and a second timer returns it to REVIEW if nobody
// confirms within the ready window.
func (g *Gate) startCountdown(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.active[id]; ok {
		stopTimers(t)
	}
	entry := &timers{}
	entry.countdown = time.AfterFunc(g.cfg.Countdown, func() {
		g.onCountdownDone(id)
	})
	g.active[id] = entry
}

func (g *Gate) onCountdownDone(id string) {
	unlock := g.lockStrategy(id)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := g.load(ctx, id)
	if err != nil || st.Status != models.StrategyCountdown {
		return
	}
	if err := g.transition(ctx, st, models.StrategyReady); err != nil {
		g.logger.Error("countdown transition failed", zap.String("strategy_id", id), zap.Error(err))
		return
	}
	g.logger.Info("strategy ready for confirmation", zap.String("strategy_id", id))

	g.mu.Lock()
	if entry, ok := g.active[id]; ok {
		entry.ready = time.AfterFunc(g.cfg.ReadyTimeout, func() {
			g.onReadyExpired(id)
		})
	}
	g.mu.Unlock()
}

// onReadyExpired sends an unconfirmed READY strategy back to REVIEW so a
// forgotten browser tab cannot hold a live confirmation open forever.
func (g *Gate) onReadyExpired(id string) {
	unlock := g.lockStrategy(id)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := g.load(ctx, id)
	if err != nil || st.Status != models.StrategyReady {
		return
	}
	g.stopTimers(id)
	if err := g.transition(ctx, st, models.StrategyReview); err != nil {
		g.logger.Error("ready expiry transition failed", zap.String("strategy_id", id), zap.Error(err))
		return
	}
	g.logger.Info("confirmation window expired", zap.String("strategy_id", id))
}

func (g *Gate) stopTimers(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.active[id]; ok {
		stopTimers(entry)
		delete(g.active, id)
	}
}

func stopTimers(t *timers) {
	if t.countdown != nil {
		t.countdown.Stop()
	}
	if t.ready != nil {
		t.ready.Stop()
	}
}

func (g *Gate) lockStrategy(id string) func() {
	g.mu.Lock()
	lock, ok := g.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[id] = lock
	}
	g.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func countJSON(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}
