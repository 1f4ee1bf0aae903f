package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Strategy lifecycle states. Transitions are monotonic forward except the
// explicit CANCELLED exit from REVIEW, COUNTDOWN or READY.
const (
	StrategyGenerated = "GENERATED"
	StrategyReview    = "REVIEW"
	StrategyCountdown = "COUNTDOWN"
	StrategyReady     = "READY"
	StrategyConfirmed = "CONFIRMED"
	StrategyExecuting = "EXECUTING"
	StrategyExecuted  = "EXECUTED"
	StrategyPartial   = "PARTIAL"
	StrategyFailed    = "FAILED"
	StrategyCancelled = "CANCELLED"
)

// StrategyTerminal reports whether status is one of the four end states.
func StrategyTerminal(status string) bool {
	switch status {
	case StrategyExecuted, StrategyPartial, StrategyFailed, StrategyCancelled:
		return true
	}
	return false
}

// Strategy is a proposed batch of orders awaiting human confirmation. The
// confirmation gate owns the row until it reaches a terminal state; after
// that it is immutable audit history.
type Strategy struct {
	ID        string `gorm:"type:varchar(64);primaryKey"`
	Name      string `gorm:"type:varchar(120);not null"`
	Reasoning string `gorm:"type:text"`

	RiskLevel  string           `gorm:"type:varchar(20);not null;default:'moderate'"`
	Confidence float64          `gorm:"not null;default:0"`
	MaxLoss    *decimal.Decimal `gorm:"type:numeric(30,10)"`
	MaxGain    *decimal.Decimal `gorm:"type:numeric(30,10)"`

	Status string         `gorm:"type:varchar(20);not null;default:'GENERATED';index"`
	Orders datatypes.JSON `gorm:"type:jsonb;not null"`

	// Outcome of the most recent confirm attempt.
	ValidationErrors datatypes.JSON `gorm:"type:jsonb"`
	RiskWarnings     datatypes.JSON `gorm:"type:jsonb"`

	// Per-order breakdown once execution has run.
	ExecutedOrders datatypes.JSON `gorm:"type:jsonb"`
	FailedOrders   datatypes.JSON `gorm:"type:jsonb"`

	ConfirmedAt *time.Time `gorm:"type:timestamptz"`
	ExecutedAt  *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "strategies"
}

// DecodeOrders unmarshals the stored order legs.
func (s *Strategy) DecodeOrders() ([]Order, error) {
	if len(s.Orders) == 0 {
		return nil, nil
	}
	var out []Order
	if err := json.Unmarshal(s.Orders, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecutedOrderRef identifies a successfully submitted order in the
// strategy's execution breakdown.
type ExecutedOrderRef struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	Symbol        string `json:"symbol"`
}

// FailedOrderRef records a leg that did not reach the broker, with the
// reason. Error "UnknownOutcome" means the submission timed out and the
// true state awaits reconciliation; it must not be re-submitted.
type FailedOrderRef struct {
	CorrelationID string `json:"correlation_id"`
	Symbol        string `json:"symbol"`
	OrderType     string `json:"order_type"`
	Error         string `json:"error"`
}
