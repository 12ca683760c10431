package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"melodex/services/exchanged/models"
)

const maxSlippageBps = 10_000

func invalidOrder(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, msg)
}

// Store persists smart orders and guards their lifecycle transitions. Fills
// and cancellations for the same order are serialized with a per-order lock so
// a cancel racing a scheduled fill resolves to exactly one terminal state.
type Store struct {
	db    *gorm.DB
	clock func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewStore constructs a store over the shared database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("orders: database handle must not be nil")
	}
	return &Store{
		db:    db,
		clock: time.Now,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// WithClock overrides the store clock for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func (s *Store) orderLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// CreateParams carries the caller-supplied fields for a new smart order.
// Amounts and rates are already converted to scaled integer units.
type CreateParams struct {
	UserID           string
	Side             string
	FromAsset        string
	ToAsset          string
	Amount           int64
	TargetRate       int64
	TriggerCondition string
	TriggerWindow    time.Duration
	ExecutionMode    string
	TimeDecay        bool
	RiskTolerance    string
	SlippageBps      int
	ExpiresAt        *time.Time
}

func (p CreateParams) validate(now time.Time) error {
	if strings.TrimSpace(p.UserID) == "" {
		return invalidOrder("user id must not be empty")
	}
	if p.Side != models.OrderSideBuy && p.Side != models.OrderSideSell {
		return invalidOrder("side must be buy or sell")
	}
	from := strings.ToUpper(strings.TrimSpace(p.FromAsset))
	to := strings.ToUpper(strings.TrimSpace(p.ToAsset))
	if from == "" || to == "" || from == to {
		return invalidOrder("assets must be distinct and non-empty")
	}
	if p.Amount <= 0 {
		return invalidOrder("amount must be positive")
	}
	if p.SlippageBps < 0 || p.SlippageBps >= maxSlippageBps {
		return invalidOrder("slippage tolerance out of range")
	}
	switch p.TriggerCondition {
	case models.TriggerRateAbove, models.TriggerRateBelow:
		if p.TargetRate <= 0 {
			return invalidOrder("rate triggers require a positive target rate")
		}
	case models.TriggerTimeElapsed:
		if p.TriggerWindow <= 0 {
			return invalidOrder("time trigger requires a positive window")
		}
	default:
		return invalidOrder("unknown trigger condition")
	}
	switch p.ExecutionMode {
	case models.ExecutionFullOrNothing, models.ExecutionPartialAllowed:
	default:
		return invalidOrder("unknown execution mode")
	}
	switch p.RiskTolerance {
	case "", models.RiskLow, models.RiskMedium, models.RiskHigh:
	default:
		return invalidOrder("unknown risk tolerance")
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return invalidOrder("expiry must be in the future")
	}
	if p.TimeDecay && p.ExpiresAt == nil {
		return invalidOrder("time decay requires an expiry")
	}
	return nil
}

// Create validates and persists a new pending order.
func (s *Store) Create(ctx context.Context, params CreateParams) (models.SmartOrder, error) {
	now := s.clock().UTC()
	if err := params.validate(now); err != nil {
		return models.SmartOrder{}, err
	}
	risk := params.RiskTolerance
	if risk == "" {
		risk = models.RiskMedium
	}
	order := models.SmartOrder{
		ID:               uuid.New(),
		UserID:           params.UserID,
		Side:             params.Side,
		FromAsset:        strings.ToUpper(strings.TrimSpace(params.FromAsset)),
		ToAsset:          strings.ToUpper(strings.TrimSpace(params.ToAsset)),
		RequestedAmount:  params.Amount,
		RemainingAmount:  params.Amount,
		TargetRate:       params.TargetRate,
		TriggerCondition: params.TriggerCondition,
		TriggerWindow:    int64(params.TriggerWindow / time.Second),
		ExecutionMode:    params.ExecutionMode,
		TimeDecay:        params.TimeDecay,
		RiskTolerance:    risk,
		SlippageBps:      params.SlippageBps,
		Status:           models.OrderStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        params.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&order).Error; err != nil {
		return models.SmartOrder{}, err
	}
	return order, nil
}

// Get loads one order with its executions.
func (s *Store) Get(ctx context.Context, id uuid.UUID, userID string) (models.SmartOrder, error) {
	var order models.SmartOrder
	err := s.db.WithContext(ctx).
		Preload("Executions").
		First(&order, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SmartOrder{}, ErrOrderNotFound
	}
	if err != nil {
		return models.SmartOrder{}, err
	}
	return order, nil
}

// List returns a user's orders newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, userID string, status models.OrderStatus) ([]models.SmartOrder, error) {
	query := s.db.WithContext(ctx).
		Preload("Executions").
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var list []models.SmartOrder
	if err := query.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListEvaluable returns every order the scheduler should still consider.
func (s *Store) ListEvaluable(ctx context.Context) ([]models.SmartOrder, error) {
	var list []models.SmartOrder
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.OrderStatus{models.OrderStatusPending, models.OrderStatusPartiallyFilled}).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Cancel moves a live order to CANCELLED. Cancelling an already cancelled
// order succeeds; filled and expired orders report their terminal state.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, userID string) error {
	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.SmartOrder
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&order, "id = ? AND user_id = ?", id, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		switch order.Status {
		case models.OrderStatusCancelled:
			return nil
		case models.OrderStatusFilled:
			return ErrOrderAlreadyFilled
		case models.OrderStatusExpired:
			return ErrOrderExpired
		}
		return tx.Model(&order).Updates(map[string]any{
			"status":     models.OrderStatusCancelled,
			"updated_at": s.clock().UTC(),
		}).Error
	})
}

// markExpired transitions a live order to EXPIRED. Orders that reached a
// terminal state in the meantime are left untouched.
func (s *Store) markExpired(ctx context.Context, id uuid.UUID) error {
	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.SmartOrder
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&order, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return nil
		}
		now := s.clock().UTC()
		return tx.Model(&order).Updates(map[string]any{
			"status":            models.OrderStatusExpired,
			"updated_at":        now,
			"last_evaluated_at": now,
		}).Error
	})
}

// touchEvaluated stamps the last evaluation time on a still-live order.
func (s *Store) touchEvaluated(ctx context.Context, id uuid.UUID) error {
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Model(&models.SmartOrder{}).
		Where("id = ? AND status IN ?", id, []models.OrderStatus{models.OrderStatusPending, models.OrderStatusPartiallyFilled}).
		Updates(map[string]any{
			"last_evaluated_at": now,
			"updated_at":        now,
		}).Error
}

// applyFill records a completed swap against the order, decrements the
// remaining amount and advances the status. The caller must hold the order
// lock across the swap and this call.
func (s *Store) applyFill(ctx context.Context, id uuid.UUID, rec models.SwapRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.applyFillTx(tx, id, rec)
	})
}

// applyFillTx is applyFill joined to the caller's transaction, so the fill
// bookkeeping commits or rolls back together with the swap that produced it.
func (s *Store) applyFillTx(tx *gorm.DB, id uuid.UUID, rec models.SwapRecord) error {
	var order models.SmartOrder
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", id).Error
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return errTerminalState
	}
	remaining := order.RemainingAmount - rec.AmountIn
	if remaining < 0 {
		remaining = 0
	}
	status := models.OrderStatusPartiallyFilled
	if remaining == 0 {
		status = models.OrderStatusFilled
	}
	now := s.clock().UTC()
	if err := tx.Model(&order).Updates(map[string]any{
		"remaining_amount":  remaining,
		"status":            status,
		"updated_at":        now,
		"last_evaluated_at": now,
	}).Error; err != nil {
		return err
	}
	execution := models.OrderExecution{
		ID:           uuid.New(),
		OrderID:      order.ID,
		SwapRecordID: rec.ID,
		Amount:       rec.AmountIn,
		Rate:         rec.Rate,
		CreatedAt:    now,
	}
	return tx.Create(&execution).Error
}

// liveSnapshot re-reads an order under its lock and reports whether the
// scheduler may still act on it.
func (s *Store) liveSnapshot(ctx context.Context, id uuid.UUID) (models.SmartOrder, error) {
	var order models.SmartOrder
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SmartOrder{}, ErrOrderNotFound
	}
	if err != nil {
		return models.SmartOrder{}, err
	}
	if order.Status.Terminal() {
		return models.SmartOrder{}, errTerminalState
	}
	return order, nil
}
