package gate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/repository/repotest"
	"tradedesk/internal/risk"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubExecutor) Execute(_ context.Context, strategyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, strategyID)
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	gate *Gate
	repo *repotest.InMemory
	exec *stubExecutor
}

func newFixture(t *testing.T, cfg config.GateConfig) *fixture {
	return newRiskFixture(t, cfg, config.RiskConfig{SnapshotMaxAge: 30 * time.Second})
}

func newRiskFixture(t *testing.T, cfg config.GateConfig, riskCfg config.RiskConfig) *fixture {
	t.Helper()
	repo := repotest.New()
	paper := broker.NewPaperGateway()
	pool, err := broker.NewPool(context.Background(), 1, func() (broker.Gateway, error) { return paper, nil }, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	eval := risk.NewEvaluator(riskCfg, zap.NewNop())
	exec := &stubExecutor{}
	g := New(repo, eval, pool, exec, cfg, time.Second, zap.NewNop())
	return &fixture{gate: g, repo: repo, exec: exec}
}

func fastGateConfig() config.GateConfig {
	return config.GateConfig{
		Countdown:    30 * time.Millisecond,
		ReadyTimeout: time.Second,
		MaxAge:       time.Hour,
	}
}

func validProposal() ProposeRequest {
	price := decimal.NewFromInt(185)
	return ProposeRequest{
		Name:      "earnings dip buy",
		Reasoning: "buy the post-earnings overreaction",
		RiskLevel: "moderate",
		Orders: []models.Order{{
			Symbol:     "AAPL",
			Action:     models.ActionBuy,
			Quantity:   decimal.NewFromInt(10),
			OrderType:  models.OrderTypeLimit,
			LimitPrice: &price,
		}},
	}
}

func waitForStatus(t *testing.T, f *fixture, id, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.gate.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if st.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := f.gate.Get(context.Background(), id)
	t.Fatalf("strategy never reached %s, stuck at %s", want, st.Status)
}

func TestPropose_EntersReview(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	st, err := f.gate.Propose(context.Background(), validProposal())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if st.Status != models.StrategyReview {
		t.Fatalf("expected REVIEW, got %s", st.Status)
	}
	if len(st.ValidationErrors) != 0 {
		t.Fatalf("valid proposal should have no validation errors: %s", st.ValidationErrors)
	}
	orders, err := st.DecodeOrders()
	if err != nil || len(orders) != 1 {
		t.Fatalf("orders not persisted: %v %v", orders, err)
	}
}

func TestPropose_RecordsValidationErrors(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	req := validProposal()
	req.Orders[0].LimitPrice = nil

	st, err := f.gate.Propose(context.Background(), req)
	if err != nil {
		t.Fatalf("propose should store, not fail: %v", err)
	}
	if len(st.ValidationErrors) == 0 {
		t.Fatal("expected recorded validation errors")
	}

	// A strategy carrying validation errors cannot enter the countdown.
	if _, err := f.gate.Initiate(context.Background(), st.ID); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("nothing may execute without confirmation")
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, err := f.gate.Propose(ctx, validProposal())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	st, err = f.gate.Initiate(ctx, st.ID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if st.Status != models.StrategyCountdown {
		t.Fatalf("expected COUNTDOWN, got %s", st.Status)
	}

	waitForStatus(t, f, st.ID, models.StrategyReady)

	confirmed, err := f.gate.Confirm(ctx, st.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != models.StrategyConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", confirmed.Status)
	}
	if confirmed.ConfirmedAt == nil {
		t.Fatal("confirmation timestamp missing")
	}

	deadline := time.Now().Add(time.Second)
	for f.exec.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.exec.callCount(); got != 1 {
		t.Fatalf("expected exactly one execution dispatch, got %d", got)
	}
}

func TestConfirm_IsIdempotent(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	if _, err := f.gate.Initiate(ctx, st.ID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitForStatus(t, f, st.ID, models.StrategyReady)

	if _, err := f.gate.Confirm(ctx, st.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	again, err := f.gate.Confirm(ctx, st.ID)
	if err != nil {
		t.Fatalf("second confirm must be a no-op, got %v", err)
	}
	if again.Status != models.StrategyConfirmed {
		t.Fatalf("unexpected status after repeat confirm: %s", again.Status)
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.exec.callCount(); got != 1 {
		t.Fatalf("repeat confirm dispatched execution again: %d calls", got)
	}
}

func TestConfirm_RejectedBeforeReady(t *testing.T) {
	f := newFixture(t, config.GateConfig{
		Countdown:    time.Minute,
		ReadyTimeout: time.Minute,
		MaxAge:       time.Hour,
	})
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())

	// Straight from review.
	if _, err := f.gate.Confirm(ctx, st.ID); err == nil {
		t.Fatal("confirm from REVIEW must fail")
	}

	// And during the countdown.
	if _, err := f.gate.Initiate(ctx, st.ID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, err := f.gate.Confirm(ctx, st.ID)
	var transition *ErrInvalidTransition
	if !errors.As(err, &transition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("nothing may execute without confirmation")
	}
}

func TestConfirm_RejectsRiskBreach(t *testing.T) {
	f := newRiskFixture(t, fastGateConfig(), config.RiskConfig{
		CheckPositionSize: true,
		MaxPositionSize:   5000,
		SnapshotMaxAge:    30 * time.Second,
	})
	ctx := context.Background()

	req := validProposal()
	req.Orders = []models.Order{{
		Symbol:    "AAPL",
		Action:    models.ActionBuy,
		Quantity:  decimal.NewFromInt(10_000),
		OrderType: models.OrderTypeMarket,
	}}
	st, err := f.gate.Propose(ctx, req)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := f.gate.Initiate(ctx, st.ID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitForStatus(t, f, st.ID, models.StrategyReady)

	rejected, err := f.gate.Confirm(ctx, st.ID)
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected ErrRiskRejected, got %v", err)
	}
	if rejected.Status != models.StrategyReview {
		t.Fatalf("rejected strategy must return to REVIEW, got %s", rejected.Status)
	}
	if len(rejected.RiskWarnings) == 0 {
		t.Fatal("risk warnings not recorded")
	}
	var warnings []string
	if err := json.Unmarshal(rejected.RiskWarnings, &warnings); err != nil || len(warnings) == 0 {
		t.Fatalf("warnings not decodable: %v %v", warnings, err)
	}
	if !strings.HasPrefix(warnings[0], risk.ReasonPositionSize+":") {
		t.Fatalf("expected %s reason, got %q", risk.ReasonPositionSize, warnings[0])
	}
	if f.exec.callCount() != 0 {
		t.Fatal("a risk-rejected strategy must never reach the executor")
	}
}

func TestConfirm_RevalidatesOrders(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, err := f.gate.Propose(ctx, validProposal())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := f.gate.Initiate(ctx, st.ID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitForStatus(t, f, st.ID, models.StrategyReady)

	// The orders went bad after the countdown started.
	broken := []models.Order{{
		Symbol:    "AAPL",
		Action:    models.ActionBuy,
		Quantity:  decimal.NewFromInt(10),
		OrderType: models.OrderTypeLimit,
	}}
	st, _ = f.gate.Get(ctx, st.ID)
	st.Orders, _ = json.Marshal(broken)
	if err := f.repo.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := f.gate.Confirm(ctx, st.ID)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if got.Status != models.StrategyReview {
		t.Fatalf("invalid strategy must return to REVIEW, got %s", got.Status)
	}
	if len(got.ValidationErrors) == 0 {
		t.Fatal("validation errors not recorded")
	}
	if f.exec.callCount() != 0 {
		t.Fatal("an invalid strategy must never reach the executor")
	}
}

func TestConfirm_TerminalIsNoOp(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	if _, err := f.gate.Cancel(ctx, st.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := f.gate.Confirm(ctx, st.ID)
	if err != nil {
		t.Fatalf("confirm on a cancelled strategy must be a no-op, got %v", err)
	}
	if got.Status != models.StrategyCancelled {
		t.Fatalf("expected CANCELLED back, got %s", got.Status)
	}

	st2, _ := f.gate.Propose(ctx, validProposal())
	st2.Status = models.StrategyFailed
	if err := f.repo.SaveStrategy(ctx, st2); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = f.gate.Confirm(ctx, st2.ID)
	if err != nil {
		t.Fatalf("confirm on a failed strategy must be a no-op, got %v", err)
	}
	if got.Status != models.StrategyFailed {
		t.Fatalf("expected FAILED back, got %s", got.Status)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("no-op confirms must not dispatch execution")
	}
}

func TestLocksEvictedOnTerminal(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	if _, err := f.gate.Cancel(ctx, st.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.gate.mu.Lock()
	_, held := f.gate.locks[st.ID]
	f.gate.mu.Unlock()
	if held {
		t.Fatal("terminal strategy still pinned in the lock map")
	}
}

func TestCancel_DuringCountdown(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	if _, err := f.gate.Initiate(ctx, st.ID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	cancelled, err := f.gate.Cancel(ctx, st.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StrategyCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	// The countdown timer must not resurrect the strategy.
	time.Sleep(60 * time.Millisecond)
	st, _ = f.gate.Get(ctx, st.ID)
	if st.Status != models.StrategyCancelled {
		t.Fatalf("countdown fired on a cancelled strategy: %s", st.Status)
	}
	if f.exec.callCount() != 0 {
		t.Fatal("cancelled strategy must never execute")
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	if _, err := f.gate.Cancel(ctx, st.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.gate.Cancel(ctx, st.ID); err == nil {
		t.Fatal("cancelling a terminal strategy must fail")
	}
}

func TestReadyWindowExpires(t *testing.T) {
	cfg := fastGateConfig()
	cfg.ReadyTimeout = 60 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	if _, err := f.gate.Initiate(ctx, st.ID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitForStatus(t, f, st.ID, models.StrategyReady)
	waitForStatus(t, f, st.ID, models.StrategyReview)

	if _, err := f.gate.Confirm(ctx, st.ID); err == nil {
		t.Fatal("confirm after the window expired must fail")
	}
	if f.exec.callCount() != 0 {
		t.Fatal("expired window must not execute")
	}
}

func TestExpireStale(t *testing.T) {
	cfg := fastGateConfig()
	cfg.MaxAge = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	st, _ := f.gate.Propose(ctx, validProposal())
	st.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := f.repo.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := f.gate.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired strategy, got %d", n)
	}
	got, _ := f.gate.Get(ctx, st.ID)
	if got.Status != models.StrategyCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, fastGateConfig())
	if _, err := f.gate.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
