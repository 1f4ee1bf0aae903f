// Package cache provides a TTL-bounded, cache-aside view of broker
// snapshots. Layers are checked in order (memory first, then redis when
// configured); writes from the executor and reconciler invalidate keys
// explicitly rather than waiting for TTL expiry. The persistent store, not
// this cache, is authoritative on any disagreement.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/metrics"
)

const (
	keyOrders    = "broker:orders"
	keyPortfolio = "broker:portfolio"
)

// Layer is one cache tier.
type Layer interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// OrdersSnapshot is a point-in-time copy of the broker's open order set.
type OrdersSnapshot struct {
	Orders    []broker.LiveOrder `json:"orders"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// PortfolioSnapshot is a point-in-time copy of positions plus account
// metrics. Callers decide whether its age is acceptable; the risk
// evaluator never accepts a cached one.
type PortfolioSnapshot struct {
	Positions []broker.Position `json:"positions"`
	Account   broker.Account    `json:"account"`
	FetchedAt time.Time         `json:"fetched_at"`
}

type MultiLayer struct {
	layers       []Layer
	ordersTTL    time.Duration
	portfolioTTL time.Duration
	logger       *zap.Logger
}

func NewMultiLayer(layers []Layer, ordersTTL, portfolioTTL time.Duration, logger *zap.Logger) *MultiLayer {
	if ordersTTL <= 0 {
		ordersTTL = 30 * time.Second
	}
	if portfolioTTL <= 0 {
		portfolioTTL = 30 * time.Second
	}
	return &MultiLayer{
		layers:       layers,
		ordersTTL:    ordersTTL,
		portfolioTTL: portfolioTTL,
		logger:       logger,
	}
}

// OrdersTTL reports the configured TTL for order snapshots; records whose
// last sync exceeds it are stale for decision-making.
func (m *MultiLayer) OrdersTTL() time.Duration { return m.ordersTTL }

// GetOrders returns the cached open-order snapshot or fetches a fresh one.
func (m *MultiLayer) GetOrders(ctx context.Context, fetch func(context.Context) ([]broker.LiveOrder, error)) (*OrdersSnapshot, error) {
	var snap OrdersSnapshot
	if m.lookup(ctx, keyOrders, &snap) {
		return &snap, nil
	}
	orders, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	snap = OrdersSnapshot{Orders: orders, FetchedAt: time.Now().UTC()}
	m.store(ctx, keyOrders, snap, m.ordersTTL)
	return &snap, nil
}

// GetPortfolio returns the cached portfolio snapshot or fetches a fresh
// one. Cached reads serve display paths only.
func (m *MultiLayer) GetPortfolio(ctx context.Context, fetch func(context.Context) (*PortfolioSnapshot, error)) (*PortfolioSnapshot, error) {
	var snap PortfolioSnapshot
	if m.lookup(ctx, keyPortfolio, &snap) {
		return &snap, nil
	}
	fresh, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	m.store(ctx, keyPortfolio, *fresh, m.portfolioTTL)
	return fresh, nil
}

// InvalidateOrders drops the order snapshot from every layer so the next
// reader sees a just-placed or just-cancelled order immediately.
func (m *MultiLayer) InvalidateOrders(ctx context.Context) {
	m.invalidate(ctx, keyOrders)
}

// InvalidatePortfolio drops the portfolio snapshot from every layer.
func (m *MultiLayer) InvalidatePortfolio(ctx context.Context) {
	m.invalidate(ctx, keyPortfolio)
}

func (m *MultiLayer) lookup(ctx context.Context, key string, out any) bool {
	for i, layer := range m.layers {
		raw, ok, err := layer.Get(ctx, key)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("cache layer read failed", zap.Int("layer", i), zap.String("key", key), zap.Error(err))
			}
			continue
		}
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, out); err != nil {
			_ = layer.Delete(ctx, key)
			continue
		}
		metrics.CacheHits.WithLabelValues(key).Inc()
		// Backfill faster layers that missed.
		for j := 0; j < i; j++ {
			_ = m.layers[j].Set(ctx, key, raw, m.ttlFor(key))
		}
		return true
	}
	metrics.CacheMisses.WithLabelValues(key).Inc()
	return false
}

func (m *MultiLayer) store(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	for i, layer := range m.layers {
		if err := layer.Set(ctx, key, raw, ttl); err != nil && m.logger != nil {
			m.logger.Warn("cache layer write failed", zap.Int("layer", i), zap.String("key", key), zap.Error(err))
		}
	}
}

func (m *MultiLayer) invalidate(ctx context.Context, key string) {
	for i, layer := range m.layers {
		if err := layer.Delete(ctx, key); err != nil && m.logger != nil {
			m.logger.Warn("cache layer delete failed", zap.Int("layer", i), zap.String("key", key), zap.Error(err))
		}
	}
}

func (m *MultiLayer) ttlFor(key string) time.Duration {
	if key == keyPortfolio {
		return m.portfolioTTL
	}
	return m.ordersTTL
}
