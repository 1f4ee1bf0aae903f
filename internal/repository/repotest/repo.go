// Package repotest provides a functional in-memory repository.Repository
// for package tests that exercise the gate, executor and reconciler
// without a database.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradedesk/internal/models"
	"tradedesk/internal/repository"
)

type InMemory struct {
	mu         sync.Mutex
	strategies map[string]models.Strategy
	orders     map[uint64]models.PendingOrderRecord
	nextOrder  uint64
	brackets   map[string]models.BracketGroup
	conflicts  []models.ReconcileConflict

	// FailInsertPendingOrder makes the next InsertPendingOrder return this
	// error, for exercising persistence failures.
	FailInsertPendingOrder error
}

func New() *InMemory {
	return &InMemory{
		strategies: make(map[string]models.Strategy),
		orders:     make(map[uint64]models.PendingOrderRecord),
		brackets:   make(map[string]models.BracketGroup),
	}
}

var _ repository.Repository = (*InMemory)(nil)

func (m *InMemory) InTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (m *InMemory) InsertStrategy(_ context.Context, item *models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	m.strategies[item.ID] = *item
	return nil
}

func (m *InMemory) SaveStrategy(_ context.Context, item *models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	m.strategies[item.ID] = *item
	return nil
}

func (m *InMemory) GetStrategyByID(_ context.Context, id string) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *InMemory) ListStrategies(_ context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Strategy
	for _, st := range m.strategies {
		if params.Status != nil && st.Status != *params.Status {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, params.Limit, params.Offset), nil
}

func (m *InMemory) CountStrategies(_ context.Context, params repository.ListStrategiesParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, st := range m.strategies {
		if params.Status != nil && st.Status != *params.Status {
			continue
		}
		n++
	}
	return n, nil
}

func (m *InMemory) ListActiveStrategiesOlderThan(_ context.Context, cutoff time.Time) ([]models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Strategy
	for _, st := range m.strategies {
		switch st.Status {
		case models.StrategyGenerated, models.StrategyReview,
			models.StrategyCountdown, models.StrategyReady:
			if st.CreatedAt.Before(cutoff) {
				out = append(out, st)
			}
		}
	}
	return out, nil
}

func (m *InMemory) InsertPendingOrder(_ context.Context, item *models.PendingOrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailInsertPendingOrder != nil {
		err := m.FailInsertPendingOrder
		m.FailInsertPendingOrder = nil
		return err
	}
	m.nextOrder++
	item.ID = m.nextOrder
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.CreatedAt
	m.orders[item.ID] = *item
	return nil
}

func (m *InMemory) UpsertPendingOrderByOrderID(_ context.Context, item *models.PendingOrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.OrderID != nil {
		for id, rec := range m.orders {
			if rec.OrderID != nil && *rec.OrderID == *item.OrderID {
				item.ID = id
				item.CreatedAt = rec.CreatedAt
				item.UpdatedAt = time.Now().UTC()
				m.orders[id] = *item
				return nil
			}
		}
	}
	m.nextOrder++
	item.ID = m.nextOrder
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	m.orders[item.ID] = *item
	return nil
}

func (m *InMemory) GetPendingOrderByOrderID(_ context.Context, orderID string) (*models.PendingOrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.orders {
		if rec.OrderID != nil && *rec.OrderID == orderID {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (m *InMemory) GetPendingOrderByCorrelationID(_ context.Context, correlationID string) (*models.PendingOrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.orders {
		if rec.CorrelationID == correlationID {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (m *InMemory) AcknowledgePendingOrder(_ context.Context, correlationID, orderID, status string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.orders {
		if rec.CorrelationID == correlationID {
			rec.OrderID = &orderID
			rec.Status = status
			rec.LastSyncedAt = syncedAt
			rec.UpdatedAt = time.Now().UTC()
			m.orders[id] = rec
			return nil
		}
	}
	return nil
}

func (m *InMemory) UpdatePendingOrderStatus(_ context.Context, id uint64, status string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[id]
	if !ok {
		return nil
	}
	rec.Status = status
	if v, ok := fields["failure_reason"].(string); ok {
		rec.FailureReason = v
	}
	if v, ok := fields["last_synced_at"].(time.Time); ok {
		rec.LastSyncedAt = v
	}
	if v, ok := fields["filled_quantity"].(decimal.Decimal); ok {
		rec.FilledQuantity = v
	}
	if v, ok := fields["remaining_quantity"].(decimal.Decimal); ok {
		rec.RemainingQuantity = v
	}
	if v, ok := fields["avg_fill_price"].(decimal.Decimal); ok {
		rec.AvgFillPrice = &v
	}
	rec.UpdatedAt = time.Now().UTC()
	m.orders[id] = rec
	return nil
}

func (m *InMemory) ListPendingOrders(_ context.Context, params repository.ListPendingOrdersParams) ([]models.PendingOrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingOrderRecord
	for _, rec := range m.orders {
		if params.Status != nil && rec.Status != *params.Status {
			continue
		}
		if params.Symbol != nil && rec.Symbol != *params.Symbol {
			continue
		}
		if params.External != nil && rec.External != *params.External {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, params.Limit, params.Offset), nil
}

func (m *InMemory) CountPendingOrders(ctx context.Context, params repository.ListPendingOrdersParams) (int64, error) {
	params.Limit = 0
	params.Offset = 0
	items, err := m.ListPendingOrders(ctx, params)
	return int64(len(items)), err
}

func (m *InMemory) ListActivePendingOrders(_ context.Context) ([]models.PendingOrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingOrderRecord
	for _, rec := range m.orders {
		if rec.Status == models.OrderStatusPendingSubmit || rec.Status == models.OrderStatusSubmitted {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) CountPendingOrdersByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, rec := range m.orders {
		out[rec.Status]++
	}
	return out, nil
}

func (m *InMemory) GetTerminalOrderInOCOGroup(_ context.Context, ocoGroupID string) (*models.PendingOrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.PendingOrderRecord
	for _, rec := range m.orders {
		if rec.OCOGroupID == nil || *rec.OCOGroupID != ocoGroupID {
			continue
		}
		if rec.Status != models.OrderStatusFilled && rec.Status != models.OrderStatusCancelled {
			continue
		}
		rec := rec
		if found == nil || rec.ID < found.ID {
			found = &rec
		}
	}
	return found, nil
}

func (m *InMemory) UpsertBracketGroup(_ context.Context, item *models.BracketGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.brackets[item.ParentOrderID]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		item.ID = uint64(len(m.brackets) + 1)
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = time.Now().UTC()
	m.brackets[item.ParentOrderID] = *item
	return nil
}

func (m *InMemory) ListBracketGroups(_ context.Context, limit, offset int) ([]models.BracketGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BracketGroup
	for _, g := range m.brackets {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (m *InMemory) CountBracketGroups(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.brackets)), nil
}

func (m *InMemory) InsertConflict(_ context.Context, item *models.ReconcileConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = uint64(len(m.conflicts) + 1)
	item.CreatedAt = time.Now().UTC()
	m.conflicts = append(m.conflicts, *item)
	return nil
}

func (m *InMemory) HasUnresolvedConflict(_ context.Context, orderID, siblingOrderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conflicts {
		if c.OrderID == orderID && c.SiblingOrderID == siblingOrderID && c.ResolvedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *InMemory) ResolveConflictsForSibling(_ context.Context, siblingOrderID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.conflicts {
		if m.conflicts[i].SiblingOrderID == siblingOrderID && m.conflicts[i].ResolvedAt == nil {
			ts := at
			m.conflicts[i].ResolvedAt = &ts
			n++
		}
	}
	return n, nil
}

func (m *InMemory) ListConflicts(_ context.Context, params repository.ListConflictsParams) ([]models.ReconcileConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReconcileConflict
	for _, c := range m.conflicts {
		if params.UnresolvedOnly && c.ResolvedAt != nil {
			continue
		}
		out = append(out, c)
	}
	return page(out, params.Limit, params.Offset), nil
}

func (m *InMemory) CountUnresolvedConflicts(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.conflicts {
		if c.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
