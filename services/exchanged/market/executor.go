package market

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"melodex/observability"
	"melodex/services/exchanged/models"
)

// Fee split observed by the curve: 80% of the fee accrues to liquidity
// providers via totalFees, 5% is skimmed into the stability reserve, the
// remainder stays inside the reserves.
const (
	lpFeeSharePct  = 80
	reserveSkimPct = 5
	maxSlippageBps = 10_000
	defaultFeeBps  = 25
)

// SwapRequest describes one swap to execute on behalf of a user.
type SwapRequest struct {
	UserID      string
	FromAsset   string
	ToAsset     string
	AmountIn    int64
	SlippageBps int
}

// Executor orchestrates swaps: it prices against the pool, mutates the
// ledger and reserves atomically, and emits an immutable swap record. It
// holds no state of its own beyond the per-pool locks.
type Executor struct {
	db      *gorm.DB
	ledger  Ledger
	reserve *StabilityReserve
	feeBps  int
	clock   func() time.Time
	metrics *observability.ExchangeMetrics
	tracer  trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor constructs a swap executor over the supplied stores.
func NewExecutor(db *gorm.DB, ledger Ledger, reserve *StabilityReserve, feeBps int) (*Executor, error) {
	if db == nil {
		return nil, errors.New("database required")
	}
	if ledger == nil {
		ledger = NewBalanceLedger()
	}
	if reserve == nil {
		reserve = NewStabilityReserve()
	}
	if feeBps <= 0 {
		feeBps = defaultFeeBps
	}
	if feeBps >= maxSlippageBps {
		return nil, errors.New("fee must be below 100%")
	}
	return &Executor{
		db:      db,
		ledger:  ledger,
		reserve: reserve,
		feeBps:  feeBps,
		clock:   time.Now,
		metrics: observability.Exchange(),
		tracer:  otel.Tracer("exchanged/market"),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// WithClock overrides the executor clock for deterministic tests.
func (e *Executor) WithClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// FeeBps exposes the configured pool fee.
func (e *Executor) FeeBps() int {
	return e.feeBps
}

// poolLock returns the mutex serialising swaps for one pair. Swaps on
// different pools never contend.
func (e *Executor) poolLock(pair string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[pair]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[pair] = lock
	}
	return lock
}

// SettleFunc runs inside the swap transaction after the swap record has been
// created. Returning an error rolls back the entire swap, so callers can tie
// their own bookkeeping to the swap atomically.
type SettleFunc func(tx *gorm.DB, rec models.SwapRecord) error

// ExecuteSwap runs the full swap flow. Pricing happens against a snapshot
// outside the pool lock; the reserves are re-read and every check is
// re-validated inside the critical section before anything mutates. The
// debit, pool update, credit, fee split and swap record commit in one
// transaction or not at all.
func (e *Executor) ExecuteSwap(ctx context.Context, req SwapRequest) (models.SwapRecord, error) {
	return e.ExecuteSwapWith(ctx, req, nil)
}

// ExecuteSwapWith is ExecuteSwap with a settlement hook joined to the swap
// transaction. Either the swap and the settlement both commit or neither does.
func (e *Executor) ExecuteSwapWith(ctx context.Context, req SwapRequest, settle SettleFunc) (models.SwapRecord, error) {
	start := e.clock()
	from := strings.ToUpper(strings.TrimSpace(req.FromAsset))
	to := strings.ToUpper(strings.TrimSpace(req.ToAsset))
	ctx, span := e.tracer.Start(ctx, "market.execute_swap",
		trace.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	defer span.End()

	rec, err := e.executeSwap(ctx, req, from, to, settle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Observe("swap", e.clock().Sub(start), err)
		return models.SwapRecord{}, err
	}
	span.SetAttributes(attribute.String("swap.id", rec.ID.String()))
	span.SetStatus(codes.Ok, "swap completed")
	e.metrics.Observe("swap", e.clock().Sub(start), nil)
	slog.InfoContext(ctx, "swap completed",
		slog.String("swap_id", rec.ID.String()),
		slog.String("user_id", rec.UserID),
		slog.String("from", rec.FromAsset),
		slog.String("to", rec.ToAsset),
		slog.Float64("amount_in", FromAmountUnits(rec.AmountIn)),
		slog.Float64("amount_out", FromAmountUnits(rec.AmountOut)),
	)
	return rec, nil
}

func (e *Executor) executeSwap(ctx context.Context, req SwapRequest, from, to string, settle SettleFunc) (models.SwapRecord, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return models.SwapRecord{}, ErrInvalidQuoteInput
	}
	if req.AmountIn <= 0 {
		return models.SwapRecord{}, ErrInvalidQuoteInput
	}
	if req.SlippageBps < 0 || req.SlippageBps >= maxSlippageBps {
		return models.SwapRecord{}, ErrInvalidQuoteInput
	}
	if from == "" || to == "" || from == to {
		return models.SwapRecord{}, ErrInvalidPair
	}

	snapshot, err := ReadPool(ctx, e.db, from, to)
	if err != nil {
		return models.SwapRecord{}, err
	}
	reserveIn, reserveOut, err := orient(snapshot, from, to)
	if err != nil {
		return models.SwapRecord{}, err
	}
	// Advisory quote against the snapshot; rejects degenerate inputs before
	// the lock is ever taken.
	if _, err := Quote(reserveIn, reserveOut, req.AmountIn, e.feeBps); err != nil {
		return models.SwapRecord{}, err
	}

	lock := e.poolLock(snapshot.Pair)
	lock.Lock()
	defer lock.Unlock()

	var rec models.SwapRecord
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pool models.LiquidityPool
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&pool, "pair = ?", snapshot.Pair).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPoolNotFound
			}
			return err
		}
		reserveIn, reserveOut, err := orient(pool, from, to)
		if err != nil {
			return err
		}
		quote, err := Quote(reserveIn, reserveOut, req.AmountIn, e.feeBps)
		if err != nil {
			return err
		}
		expected := MulDiv(req.AmountIn, reserveOut, reserveIn)
		minOut := MulDiv(expected, int64(maxSlippageBps-req.SlippageBps), int64(maxSlippageBps))
		if quote.AmountOut < minOut {
			return ErrSlippageExceeded
		}
		if quote.AmountOut <= 0 || reserveOut-quote.AmountOut <= 0 {
			return ErrLiquidityExhausted
		}

		if err := e.ledger.Debit(tx, req.UserID, from, req.AmountIn); err != nil {
			return err
		}

		newIn := reserveIn + req.AmountIn
		newOut := reserveOut - quote.AmountOut
		updates := map[string]any{
			"total_fees": gorm.Expr("total_fees + ?", MulDiv(quote.Fee, lpFeeSharePct, 100)),
			"updated_at": e.clock().UTC(),
		}
		if from == pool.AssetA {
			updates["reserve_a"] = newIn
			updates["reserve_b"] = newOut
		} else {
			updates["reserve_a"] = newOut
			updates["reserve_b"] = newIn
		}
		if err := tx.Model(&models.LiquidityPool{}).Where("id = ?", pool.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := e.ledger.Credit(tx, req.UserID, to, quote.AmountOut); err != nil {
			return err
		}
		if err := e.reserve.Skim(tx, from, MulDiv(quote.Fee, reserveSkimPct, 100)); err != nil {
			return err
		}

		rec = models.SwapRecord{
			ID:          uuid.New(),
			UserID:      req.UserID,
			FromAsset:   from,
			ToAsset:     to,
			AmountIn:    req.AmountIn,
			AmountOut:   quote.AmountOut,
			Rate:        MulDiv(quote.AmountOut, RateScale, req.AmountIn),
			Fee:         quote.Fee,
			SlippageBps: req.SlippageBps,
			Status:      models.SwapStatusCompleted,
			CreatedAt:   e.clock().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if settle != nil {
			return settle(tx, rec)
		}
		return nil
	})
	if txErr != nil {
		e.recordFailure(ctx, req, from, to, txErr)
		return models.SwapRecord{}, txErr
	}
	return rec, nil
}

// recordFailure persists a FAILED swap record for priced-but-rejected
// attempts. Pre-validation failures leave no record; either way the caller
// sees the original error.
func (e *Executor) recordFailure(ctx context.Context, req SwapRequest, from, to string, cause error) {
	reason := failReason(cause)
	if reason == "" {
		return
	}
	rec := models.SwapRecord{
		ID:          uuid.New(),
		UserID:      req.UserID,
		FromAsset:   from,
		ToAsset:     to,
		AmountIn:    req.AmountIn,
		SlippageBps: req.SlippageBps,
		Status:      models.SwapStatusFailed,
		FailReason:  reason,
		CreatedAt:   e.clock().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&rec).Error; err != nil {
		slog.Error("exchanged: record failed swap", "error", err, "user_id", req.UserID)
	}
}

func failReason(err error) string {
	switch {
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrLiquidityExhausted):
		return "liquidity_exhausted"
	}
	return ""
}

// ReferenceRate returns the current reserveOut/reserveIn rate for the
// direction, in scaled rate units.
func (e *Executor) ReferenceRate(ctx context.Context, from, to string) (int64, error) {
	f := strings.ToUpper(strings.TrimSpace(from))
	t := strings.ToUpper(strings.TrimSpace(to))
	pool, err := ReadPool(ctx, e.db, f, t)
	if err != nil {
		return 0, err
	}
	reserveIn, reserveOut, err := orient(pool, f, t)
	if err != nil {
		return 0, err
	}
	return SpotRate(reserveIn, reserveOut)
}

// History returns the user's swap records, newest first.
func (e *Executor) History(ctx context.Context, userID string, limit, offset int) ([]models.SwapRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var records []models.SwapRecord
	err := e.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
