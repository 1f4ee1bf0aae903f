package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"tradedesk/internal/models"
)

type ListStrategiesParams struct {
	Limit   int
	Offset  int
	Status  *string
	OrderBy string
	Asc     *bool
}

type ListPendingOrdersParams struct {
	Limit    int
	Offset   int
	Symbol   *string
	Status   *string
	External *bool
	OrderBy  string
	Asc      *bool
}

type ListConflictsParams struct {
	Limit          int
	Offset         int
	UnresolvedOnly bool
}

// Repository is the durable system of record for strategies, pending order
// records, bracket groups and reconciliation conflicts. It is authoritative
// over any cached view on conflict.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Strategies (audit trail; the confirmation gate owns rows until they
	// reach a terminal state).
	InsertStrategy(ctx context.Context, item *models.Strategy) error
	SaveStrategy(ctx context.Context, item *models.Strategy) error
	GetStrategyByID(ctx context.Context, id string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, params ListStrategiesParams) ([]models.Strategy, error)
	CountStrategies(ctx context.Context, params ListStrategiesParams) (int64, error)
	ListActiveStrategiesOlderThan(ctx context.Context, cutoff time.Time) ([]models.Strategy, error)

	// Pending orders.
	InsertPendingOrder(ctx context.Context, item *models.PendingOrderRecord) error
	UpsertPendingOrderByOrderID(ctx context.Context, item *models.PendingOrderRecord) error
	GetPendingOrderByOrderID(ctx context.Context, orderID string) (*models.PendingOrderRecord, error)
	GetPendingOrderByCorrelationID(ctx context.Context, correlationID string) (*models.PendingOrderRecord, error)
	AcknowledgePendingOrder(ctx context.Context, correlationID, orderID, status string, syncedAt time.Time) error
	UpdatePendingOrderStatus(ctx context.Context, id uint64, status string, fields map[string]any) error
	ListPendingOrders(ctx context.Context, params ListPendingOrdersParams) ([]models.PendingOrderRecord, error)
	CountPendingOrders(ctx context.Context, params ListPendingOrdersParams) (int64, error)
	ListActivePendingOrders(ctx context.Context) ([]models.PendingOrderRecord, error)
	CountPendingOrdersByStatus(ctx context.Context) (map[string]int64, error)
	GetTerminalOrderInOCOGroup(ctx context.Context, ocoGroupID string) (*models.PendingOrderRecord, error)

	// Bracket groups.
	UpsertBracketGroup(ctx context.Context, item *models.BracketGroup) error
	ListBracketGroups(ctx context.Context, limit, offset int) ([]models.BracketGroup, error)
	CountBracketGroups(ctx context.Context) (int64, error)

	// Reconciliation conflicts.
	InsertConflict(ctx context.Context, item *models.ReconcileConflict) error
	HasUnresolvedConflict(ctx context.Context, orderID, siblingOrderID string) (bool, error)
	ResolveConflictsForSibling(ctx context.Context, siblingOrderID string, at time.Time) (int64, error)
	ListConflicts(ctx context.Context, params ListConflictsParams) ([]models.ReconcileConflict, error)
	CountUnresolvedConflicts(ctx context.Context) (int64, error)
}
