package models

import (
	"time"

	"github.com/google/uuid"
)

// Swap statuses persisted on swap records.
const (
	SwapStatusCompleted = "COMPLETED"
	SwapStatusFailed    = "FAILED"
)

// OrderStatus represents a state in the smart-order lifecycle.
type OrderStatus string

// All lifecycle states.
const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are permitted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Order sides.
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Trigger conditions evaluated by the scheduler.
const (
	TriggerRateAbove   = "rate-above"
	TriggerRateBelow   = "rate-below"
	TriggerTimeElapsed = "time-elapsed"
)

// Execution modes.
const (
	ExecutionFullOrNothing  = "full-or-nothing"
	ExecutionPartialAllowed = "partial-allowed"
)

// Risk tolerance levels feeding the slippage strategy.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// LiquidityPool holds the reserve state for one asset pair. Reserves and fees
// are stored in scaled integer units (see the market package). The pair column
// is the canonical "A/B" key with assets in lexical order.
type LiquidityPool struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Pair           string    `gorm:"size:33;uniqueIndex"`
	AssetA         string    `gorm:"size:16"`
	AssetB         string    `gorm:"size:16"`
	ReserveA       int64     `gorm:"not null"`
	ReserveB       int64     `gorm:"not null"`
	TotalFees      int64     `gorm:"not null"`
	TotalLiquidity int64     `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SwapRecord is the immutable outcome of one swap attempt.
type SwapRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"size:64;index:idx_swaps_user_created"`
	FromAsset   string    `gorm:"size:16"`
	ToAsset     string    `gorm:"size:16"`
	AmountIn    int64     `gorm:"not null"`
	AmountOut   int64     `gorm:"not null"`
	Rate        int64     `gorm:"not null"`
	Fee         int64     `gorm:"not null"`
	SlippageBps int       `gorm:"not null"`
	Status      string    `gorm:"size:16;index"`
	FailReason  string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"index:idx_swaps_user_created"`
}

// SmartOrder is a deferred swap instruction evaluated against live pool state.
type SmartOrder struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey"`
	UserID           string      `gorm:"size:64;index"`
	Side             string      `gorm:"size:8"`
	FromAsset        string      `gorm:"size:16"`
	ToAsset          string      `gorm:"size:16"`
	RequestedAmount  int64       `gorm:"not null"`
	RemainingAmount  int64       `gorm:"not null"`
	TargetRate       int64       `gorm:"not null"`
	TriggerCondition string      `gorm:"size:16"`
	TriggerWindow    int64       `gorm:"not null"` // seconds, time-elapsed trigger only
	ExecutionMode    string      `gorm:"size:24"`
	TimeDecay        bool        `gorm:"not null"`
	RiskTolerance    string      `gorm:"size:8"`
	SlippageBps      int         `gorm:"not null"`
	Status           OrderStatus `gorm:"size:24;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
	LastEvaluatedAt  *time.Time
	Executions       []OrderExecution `gorm:"foreignKey:OrderID"`
}

// OrderExecution records one fill applied to a smart order.
type OrderExecution struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID      uuid.UUID `gorm:"type:uuid;index"`
	SwapRecordID uuid.UUID `gorm:"type:uuid"`
	Amount       int64     `gorm:"not null"`
	Rate         int64     `gorm:"not null"`
	CreatedAt    time.Time
}

// StabilityReserve accumulates the per-asset skim taken from swap fees.
type StabilityReserve struct {
	Asset     string `gorm:"primaryKey;size:16"`
	Balance   int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// AccountBalance is a per-user, per-asset ledger row.
type AccountBalance struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Asset     string `gorm:"primaryKey;size:16"`
	Balance   int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// IdempotencyKey stores request replay metadata for mutating endpoints. Keys
// are scoped per user and route; the unique index is what stops two
// concurrent retries from both claiming the same key. A zero Status marks a
// claim whose request is still executing.
type IdempotencyKey struct {
	RequestID string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"size:128;uniqueIndex:idx_idempotency_scope;not null"`
	UserID    string `gorm:"size:64;uniqueIndex:idx_idempotency_scope;not null"`
	Method    string `gorm:"size:8;uniqueIndex:idx_idempotency_scope;not null"`
	Path      string `gorm:"size:255;uniqueIndex:idx_idempotency_scope;not null"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// All enumerates every migrated model.
func All() []any {
	return []any{
		&LiquidityPool{},
		&SwapRecord{},
		&SmartOrder{},
		&OrderExecution{},
		&StabilityReserve{},
		&AccountBalance{},
		&IdempotencyKey{},
	}
}
