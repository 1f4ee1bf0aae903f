package models

import (
	"time"
)

// BracketGroup links a parent order to its profit-target and stop-loss
// children. A group with either child missing is "simple", not bracketed;
// a full group's children are OCO siblings.
type BracketGroup struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement"`
	ParentOrderID string  `gorm:"type:varchar(64);not null;uniqueIndex"`
	ProfitTarget  *string `gorm:"column:profit_target_order_id;type:varchar(64)"`
	StopLoss      *string `gorm:"column:stop_loss_order_id;type:varchar(64)"`
	OCOGroupID    *string `gorm:"column:oco_group_id;type:varchar(64);index"`
	Symbol        string  `gorm:"type:varchar(20);not null;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (BracketGroup) TableName() string {
	return "bracket_groups"
}

// Complete reports whether both children are present.
func (g *BracketGroup) Complete() bool {
	return g.ProfitTarget != nil && g.StopLoss != nil
}
