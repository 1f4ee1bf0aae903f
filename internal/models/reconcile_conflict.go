package models

import (
	"time"
)

// Conflict kinds.
const (
	ConflictOCOSiblingActive = "oco_sibling_active"
)

// ReconcileConflict records a disagreement between expected and observed
// broker state, e.g. one OCO child terminal while its sibling still works.
// Conflicts are surfaced, never auto-resolved: the broker is authoritative
// and the sibling is expected to cancel on its own.
type ReconcileConflict struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	Kind           string `gorm:"type:varchar(40);not null;index"`
	OrderID        string `gorm:"type:varchar(64);not null;index"`
	SiblingOrderID string `gorm:"type:varchar(64);not null"`
	OCOGroupID     string `gorm:"column:oco_group_id;type:varchar(64)"`
	Detail         string `gorm:"type:text"`

	ResolvedAt *time.Time `gorm:"type:timestamptz;index"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (ReconcileConflict) TableName() string {
	return "reconcile_conflicts"
}
