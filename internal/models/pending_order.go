package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Broker-vocabulary order statuses, as surfaced by the gateway.
const (
	OrderStatusPendingSubmit = "PendingSubmit"
	OrderStatusSubmitted     = "Submitted"
	OrderStatusFilled        = "Filled"
	OrderStatusCancelled     = "Cancelled"
	OrderStatusError         = "Error"
)

// OrderStatusTerminal reports whether a broker status is final.
func OrderStatusTerminal(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusError:
		return true
	}
	return false
}

// PendingOrderRecord is the join point between local intent and broker
// truth: exactly one record exists per broker order id once the broker
// acknowledges. The correlation id is assigned before submission so a
// duplicate submission can be detected even if order id assignment is
// delayed or lost.
type PendingOrderRecord struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement"`
	OrderID       *string `gorm:"type:varchar(64);uniqueIndex"`
	CorrelationID string  `gorm:"type:varchar(64);not null;uniqueIndex"`
	StrategyID    *string `gorm:"type:varchar(64);index"`

	// Bracket/OCO linkage, broker-native.
	ParentID   *string `gorm:"type:varchar(64);index"`
	OCOGroupID *string `gorm:"column:oco_group_id;type:varchar(64);index"`

	Symbol       string           `gorm:"type:varchar(20);not null;index"`
	AssetType    string           `gorm:"type:varchar(10);not null;default:'STOCK'"`
	Action       string           `gorm:"type:varchar(4);not null"`
	Quantity     decimal.Decimal  `gorm:"type:numeric(20,4);not null"`
	OrderType    string           `gorm:"type:varchar(15);not null"`
	LimitPrice   *decimal.Decimal `gorm:"type:numeric(20,6)"`
	StopPrice    *decimal.Decimal `gorm:"type:numeric(20,6)"`
	TrailAmount  *decimal.Decimal `gorm:"type:numeric(20,6)"`
	TrailPercent *decimal.Decimal `gorm:"type:numeric(10,4)"`
	TimeInForce  string           `gorm:"type:varchar(5);not null;default:'DAY'"`

	Status            string           `gorm:"type:varchar(20);not null;default:'PendingSubmit';index"`
	FilledQuantity    decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0"`
	RemainingQuantity decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0"`
	AvgFillPrice      *decimal.Decimal `gorm:"type:numeric(20,6)"`
	FailureReason     string           `gorm:"type:text"`

	// External marks orders observed at the broker that no local strategy
	// placed; they are adopted for visibility, never owned.
	External bool `gorm:"not null;default:false"`

	LastSyncedAt time.Time `gorm:"type:timestamptz;index"`
	CreatedAt    time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (PendingOrderRecord) TableName() string {
	return "pending_orders"
}

// StaleAfter reports whether the record's last sync is older than ttl and
// so must not be used to make execution decisions.
func (r *PendingOrderRecord) StaleAfter(ttl time.Duration, now time.Time) bool {
	if r.LastSyncedAt.IsZero() {
		return true
	}
	return now.Sub(r.LastSyncedAt) > ttl
}
