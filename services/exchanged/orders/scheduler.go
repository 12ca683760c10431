package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"melodex/observability"
	"melodex/services/exchanged/market"
	"melodex/services/exchanged/models"
)

// Evaluation outcomes recorded per order per tick.
const (
	evalTriggered = "triggered"
	evalSkipped   = "skipped"
	evalExpired   = "expired"
	evalFailed    = "failed"
)

// SwapExecutor is the slice of the market executor the scheduler needs.
type SwapExecutor interface {
	ExecuteSwapWith(ctx context.Context, req market.SwapRequest, settle market.SettleFunc) (models.SwapRecord, error)
	ReferenceRate(ctx context.Context, from, to string) (int64, error)
}

// Scheduler periodically sweeps live smart orders, fires the ones whose
// trigger condition holds and applies the resulting fills. Orders are
// evaluated independently so one failing order never stalls the sweep.
type Scheduler struct {
	logger   *log.Logger
	store    *Store
	exec     SwapExecutor
	strategy Strategy
	interval time.Duration
	sliceBps int
	clock    func() time.Time
	metrics  *observability.SchedulerMetrics
	once     sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithStrategy overrides the slippage strategy.
func WithStrategy(strategy Strategy) Option {
	return func(s *Scheduler) {
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

// WithSchedulerClock overrides the scheduler clock for deterministic tests.
func WithSchedulerClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler constructs a scheduler over the given store and executor.
// sliceBps bounds each partial fill to that fraction of the requested amount.
func NewScheduler(store *Store, exec SwapExecutor, interval time.Duration, sliceBps int, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if sliceBps <= 0 || sliceBps > maxSlippageBps {
		return nil, fmt.Errorf("slice fraction out of range")
	}
	sched := &Scheduler{
		logger:   log.Default(),
		store:    store,
		exec:     exec,
		strategy: DecayStrategy{},
		interval: interval,
		sliceBps: sliceBps,
		clock:    time.Now,
		metrics:  observability.Scheduler(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sched)
		}
	}
	return sched, nil
}

// Run blocks, sweeping live orders until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scheduler not configured")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.once.Do(func() {
		s.logger.Printf("exchanged: order scheduler started, interval %s", s.interval)
	})
	for {
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("exchanged: tick error: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one sweep over every live order.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scheduler not configured")
	}
	start := s.clock()
	list, err := s.store.ListEvaluable(ctx)
	if err != nil {
		s.metrics.ObserveTick(s.clock().Sub(start), err)
		return fmt.Errorf("list orders: %w", err)
	}
	for _, order := range list {
		if ctx.Err() != nil {
			s.metrics.ObserveTick(s.clock().Sub(start), ctx.Err())
			return ctx.Err()
		}
		s.metrics.RecordEvaluation(s.evaluate(ctx, order))
	}
	s.metrics.ObserveTick(s.clock().Sub(start), nil)
	return nil
}

// evaluate processes one order and returns the outcome label. Expiry is
// checked before the trigger so an order that is both expired and triggered
// always expires.
func (s *Scheduler) evaluate(ctx context.Context, order models.SmartOrder) string {
	now := s.clock().UTC()
	if order.ExpiresAt != nil && !now.Before(*order.ExpiresAt) {
		if err := s.store.markExpired(ctx, order.ID); err != nil {
			s.logger.Printf("exchanged: expire order %s: %v", order.ID, err)
			return evalFailed
		}
		return evalExpired
	}

	triggered, err := s.triggered(ctx, order, now)
	if err != nil {
		s.logger.Printf("exchanged: evaluate order %s: %v", order.ID, err)
		return evalFailed
	}
	if !triggered {
		if err := s.store.touchEvaluated(ctx, order.ID); err != nil {
			s.logger.Printf("exchanged: touch order %s: %v", order.ID, err)
		}
		return evalSkipped
	}
	return s.fill(ctx, order.ID)
}

func (s *Scheduler) triggered(ctx context.Context, order models.SmartOrder, now time.Time) (bool, error) {
	switch order.TriggerCondition {
	case models.TriggerTimeElapsed:
		window := time.Duration(order.TriggerWindow) * time.Second
		return !now.Before(order.CreatedAt.Add(window)), nil
	case models.TriggerRateAbove, models.TriggerRateBelow:
		rate, err := s.exec.ReferenceRate(ctx, order.FromAsset, order.ToAsset)
		if err != nil {
			return false, fmt.Errorf("reference rate: %w", err)
		}
		if order.TriggerCondition == models.TriggerRateAbove {
			return rate >= order.TargetRate, nil
		}
		return rate <= order.TargetRate, nil
	default:
		return false, fmt.Errorf("unknown trigger condition %q", order.TriggerCondition)
	}
}

// fill executes one slice of the order. The order lock is held across the
// swap so a concurrent cancel either lands before the swap starts or waits
// until the fill is recorded. The fill bookkeeping joins the swap transaction
// via the settle hook, so the swap and the order update commit atomically:
// a failure between them rolls both back and the next tick retries cleanly.
func (s *Scheduler) fill(ctx context.Context, id uuid.UUID) string {
	lock := s.store.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.liveSnapshot(ctx, id)
	if errors.Is(err, errTerminalState) || errors.Is(err, ErrOrderNotFound) {
		return evalSkipped
	}
	if err != nil {
		s.logger.Printf("exchanged: reload order %s: %v", id, err)
		return evalFailed
	}

	amount := s.fillAmount(order)
	if amount <= 0 {
		return evalSkipped
	}
	tolerance := s.strategy.Tolerance(order, s.clock().UTC())
	_, err = s.exec.ExecuteSwapWith(ctx, market.SwapRequest{
		UserID:      order.UserID,
		FromAsset:   order.FromAsset,
		ToAsset:     order.ToAsset,
		AmountIn:    amount,
		SlippageBps: tolerance,
	}, func(tx *gorm.DB, rec models.SwapRecord) error {
		return s.store.applyFillTx(tx, order.ID, rec)
	})
	if errors.Is(err, errTerminalState) {
		return evalSkipped
	}
	if err != nil {
		if touchErr := s.store.touchEvaluated(ctx, order.ID); touchErr != nil {
			s.logger.Printf("exchanged: touch order %s: %v", order.ID, touchErr)
		}
		s.logger.Printf("exchanged: fill order %s: %v", order.ID, err)
		return evalFailed
	}
	return evalTriggered
}

// fillAmount picks the slice executed this tick. Full-or-nothing orders fill
// their entire remainder; partial orders fill at most the configured fraction
// of the originally requested amount.
func (s *Scheduler) fillAmount(order models.SmartOrder) int64 {
	if order.ExecutionMode == models.ExecutionFullOrNothing {
		return order.RemainingAmount
	}
	slice := market.MulDiv(order.RequestedAmount, int64(s.sliceBps), int64(maxSlippageBps))
	if slice <= 0 || slice > order.RemainingAmount {
		return order.RemainingAmount
	}
	return slice
}
