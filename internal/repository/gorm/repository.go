package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradedesk/internal/models"
	"tradedesk/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- strategies -------------------------------------------------------------

func (s *Store) InsertStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) SaveStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil || strings.TrimSpace(item.ID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) GetStrategyByID(ctx context.Context, id string) (*models.Strategy, error) {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil, nil
	}
	var item models.Strategy
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.strategyQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 50)
	offset := normalizeOffset(params.Offset)
	var items []models.Strategy
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountStrategies(ctx context.Context, params repository.ListStrategiesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.strategyQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) strategyQuery(ctx context.Context, params repository.ListStrategiesParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Strategy{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	return query
}

func (s *Store) ListActiveStrategiesOlderThan(ctx context.Context, cutoff time.Time) ([]models.Strategy, error) {
	if s == nil || s.db == nil || cutoff.IsZero() {
		return nil, nil
	}
	var items []models.Strategy
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			models.StrategyGenerated,
			models.StrategyReview,
			models.StrategyCountdown,
			models.StrategyReady,
		}).
		Where("created_at < ?", cutoff).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- pending orders ---------------------------------------------------------

func (s *Store) InsertPendingOrder(ctx context.Context, item *models.PendingOrderRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

// UpsertPendingOrderByOrderID writes the reconciler's view of a broker
// order: one row per broker order id.
func (s *Store) UpsertPendingOrderByOrderID(ctx context.Context, item *models.PendingOrderRecord) error {
	if s == nil || s.db == nil || item == nil || item.OrderID == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"filled_quantity",
			"remaining_quantity",
			"avg_fill_price",
			"parent_id",
			"oco_group_id",
			"last_synced_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetPendingOrderByOrderID(ctx context.Context, orderID string) (*models.PendingOrderRecord, error) {
	if s == nil || s.db == nil || strings.TrimSpace(orderID) == "" {
		return nil, nil
	}
	var item models.PendingOrderRecord
	err := s.db.WithContext(ctx).Where("order_id = ?", strings.TrimSpace(orderID)).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetPendingOrderByCorrelationID(ctx context.Context, correlationID string) (*models.PendingOrderRecord, error) {
	if s == nil || s.db == nil || strings.TrimSpace(correlationID) == "" {
		return nil, nil
	}
	var item models.PendingOrderRecord
	err := s.db.WithContext(ctx).Where("correlation_id = ?", strings.TrimSpace(correlationID)).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// AcknowledgePendingOrder attaches the broker-assigned order id to the
// record created before submission.
func (s *Store) AcknowledgePendingOrder(ctx context.Context, correlationID, orderID, status string, syncedAt time.Time) error {
	if s == nil || s.db == nil || strings.TrimSpace(correlationID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.PendingOrderRecord{}).
		Where("correlation_id = ?", strings.TrimSpace(correlationID)).
		Updates(map[string]any{
			"order_id":       strings.TrimSpace(orderID),
			"status":         status,
			"last_synced_at": syncedAt,
		}).Error
}

func (s *Store) UpdatePendingOrderStatus(ctx context.Context, id uint64, status string, fields map[string]any) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	return s.db.WithContext(ctx).Model(&models.PendingOrderRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Store) ListPendingOrders(ctx context.Context, params repository.ListPendingOrdersParams) ([]models.PendingOrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.pendingOrderQuery(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.PendingOrderRecord
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPendingOrders(ctx context.Context, params repository.ListPendingOrdersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.pendingOrderQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) pendingOrderQuery(ctx context.Context, params repository.ListPendingOrdersParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.PendingOrderRecord{})
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(*params.Symbol)))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.External != nil {
		query = query.Where("external = ?", *params.External)
	}
	return query
}

func (s *Store) ListActivePendingOrders(ctx context.Context) ([]models.PendingOrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.PendingOrderRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderStatusPendingSubmit, models.OrderStatusSubmitted}).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPendingOrdersByStatus(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.PendingOrderRecord{}).
		Select("status, count(*) as total").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

func (s *Store) GetTerminalOrderInOCOGroup(ctx context.Context, ocoGroupID string) (*models.PendingOrderRecord, error) {
	if s == nil || s.db == nil || strings.TrimSpace(ocoGroupID) == "" {
		return nil, nil
	}
	var item models.PendingOrderRecord
	err := s.db.WithContext(ctx).
		Where("oco_group_id = ?", strings.TrimSpace(ocoGroupID)).
		Where("status IN ?", []string{models.OrderStatusFilled, models.OrderStatusCancelled}).
		Order("id").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// --- bracket groups ---------------------------------------------------------

func (s *Store) UpsertBracketGroup(ctx context.Context, item *models.BracketGroup) error {
	if s == nil || s.db == nil || item == nil || strings.TrimSpace(item.ParentOrderID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "parent_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"profit_target_order_id",
			"stop_loss_order_id",
			"oco_group_id",
			"symbol",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListBracketGroups(ctx context.Context, limit, offset int) ([]models.BracketGroup, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.BracketGroup
	err := s.db.WithContext(ctx).
		Order("created_at desc").
		Limit(normalizeLimit(limit, 100)).
		Offset(normalizeOffset(offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountBracketGroups(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.BracketGroup{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- reconciliation conflicts -----------------------------------------------

func (s *Store) InsertConflict(ctx context.Context, item *models.ReconcileConflict) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) HasUnresolvedConflict(ctx context.Context, orderID, siblingOrderID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.ReconcileConflict{}).
		Where("order_id = ?", orderID).
		Where("sibling_order_id = ?", siblingOrderID).
		Where("resolved_at IS NULL").
		Count(&total).Error
	if err != nil {
		return false, err
	}
	return total > 0, nil
}

func (s *Store) ResolveConflictsForSibling(ctx context.Context, siblingOrderID string, at time.Time) (int64, error) {
	if s == nil || s.db == nil || strings.TrimSpace(siblingOrderID) == "" {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.ReconcileConflict{}).
		Where("sibling_order_id = ?", siblingOrderID).
		Where("resolved_at IS NULL").
		Update("resolved_at", at)
	return res.RowsAffected, res.Error
}

func (s *Store) ListConflicts(ctx context.Context, params repository.ListConflictsParams) ([]models.ReconcileConflict, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.ReconcileConflict{})
	if params.UnresolvedOnly {
		query = query.Where("resolved_at IS NULL")
	}
	var items []models.ReconcileConflict
	err := query.Order("created_at desc").
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountUnresolvedConflicts(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.ReconcileConflict{}).
		Where("resolved_at IS NULL").
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// --- helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
