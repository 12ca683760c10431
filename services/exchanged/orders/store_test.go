package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"melodex/services/exchanged/market"
	"melodex/services/exchanged/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func validParams() CreateParams {
	return CreateParams{
		UserID:           "alice",
		Side:             models.OrderSideSell,
		FromAsset:        "NHB",
		ToAsset:          "USDC",
		Amount:           100 * market.AmountScale,
		TargetRate:       market.RateScale / 2,
		TriggerCondition: models.TriggerRateBelow,
		ExecutionMode:    models.ExecutionFullOrNothing,
		SlippageBps:      100,
	}
}

func TestCreateOrderDefaults(t *testing.T) {
	store := newTestStore(t, openTestDB(t))

	order, err := store.Create(context.Background(), validParams())
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, order.Status)
	require.Equal(t, order.RequestedAmount, order.RemainingAmount)
	require.Equal(t, models.RiskMedium, order.RiskTolerance)
	require.Nil(t, order.LastEvaluatedAt)
}

func TestCreateOrderValidation(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing user", func(p *CreateParams) { p.UserID = " " }},
		{"bad side", func(p *CreateParams) { p.Side = "short" }},
		{"same assets", func(p *CreateParams) { p.ToAsset = p.FromAsset }},
		{"zero amount", func(p *CreateParams) { p.Amount = 0 }},
		{"negative slippage", func(p *CreateParams) { p.SlippageBps = -1 }},
		{"rate trigger without rate", func(p *CreateParams) { p.TargetRate = 0 }},
		{"unknown trigger", func(p *CreateParams) { p.TriggerCondition = "volume-spike" }},
		{"unknown mode", func(p *CreateParams) { p.ExecutionMode = "best-effort" }},
		{"unknown risk", func(p *CreateParams) { p.RiskTolerance = "extreme" }},
		{"time trigger without window", func(p *CreateParams) {
			p.TriggerCondition = models.TriggerTimeElapsed
			p.TriggerWindow = 0
		}},
		{"decay without expiry", func(p *CreateParams) { p.TimeDecay = true }},
		{"expiry in the past", func(p *CreateParams) {
			past := time.Now().Add(-time.Hour)
			p.ExpiresAt = &past
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(&params)
			_, err := store.Create(ctx, params)
			require.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestCancelLifecycle(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	ctx := context.Background()

	order, err := store.Create(ctx, validParams())
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, order.ID, "alice"))

	got, err := store.Get(ctx, order.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, got.Status)

	// Cancelling twice is a no-op.
	require.NoError(t, store.Cancel(ctx, order.ID, "alice"))

	require.ErrorIs(t, store.Cancel(ctx, uuid.New(), "alice"), ErrOrderNotFound)
	require.ErrorIs(t, store.Cancel(ctx, order.ID, "mallory"), ErrOrderNotFound)
}

func TestCancelAfterFill(t *testing.T) {
	db := openTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	order, err := store.Create(ctx, validParams())
	require.NoError(t, err)

	rec := models.SwapRecord{
		ID:       uuid.New(),
		UserID:   "alice",
		AmountIn: order.RequestedAmount,
		Status:   models.SwapStatusCompleted,
	}
	require.NoError(t, db.Create(&rec).Error)
	require.NoError(t, store.applyFill(ctx, order.ID, rec))

	got, err := store.Get(ctx, order.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, got.Status)
	require.Equal(t, int64(0), got.RemainingAmount)
	require.Len(t, got.Executions, 1)

	require.ErrorIs(t, store.Cancel(ctx, order.ID, "alice"), ErrOrderAlreadyFilled)
}

func TestApplyFillPartial(t *testing.T) {
	db := openTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	params := validParams()
	params.ExecutionMode = models.ExecutionPartialAllowed
	order, err := store.Create(ctx, params)
	require.NoError(t, err)

	slice := order.RequestedAmount / 4
	rec := models.SwapRecord{ID: uuid.New(), UserID: "alice", AmountIn: slice, Status: models.SwapStatusCompleted}
	require.NoError(t, db.Create(&rec).Error)
	require.NoError(t, store.applyFill(ctx, order.ID, rec))

	got, err := store.Get(ctx, order.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPartiallyFilled, got.Status)
	require.Equal(t, order.RequestedAmount-slice, got.RemainingAmount)
	require.NotNil(t, got.LastEvaluatedAt)
}

func TestApplyFillRejectsTerminalOrder(t *testing.T) {
	db := openTestDB(t)
	store := newTestStore(t, db)
	ctx := context.Background()

	order, err := store.Create(ctx, validParams())
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, order.ID, "alice"))

	rec := models.SwapRecord{ID: uuid.New(), UserID: "alice", AmountIn: order.RequestedAmount}
	require.ErrorIs(t, store.applyFill(ctx, order.ID, rec), errTerminalState)

	got, err := store.Get(ctx, order.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, got.Status)
	require.Empty(t, got.Executions)
}

func TestMarkExpiredSkipsTerminal(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	ctx := context.Background()

	order, err := store.Create(ctx, validParams())
	require.NoError(t, err)
	require.NoError(t, store.markExpired(ctx, order.ID))

	got, err := store.Get(ctx, order.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusExpired, got.Status)

	// Expiring a cancelled order leaves it cancelled.
	second, err := store.Create(ctx, validParams())
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, second.ID, "alice"))
	require.NoError(t, store.markExpired(ctx, second.ID))

	got, err = store.Get(ctx, second.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	store := newTestStore(t, openTestDB(t))
	ctx := context.Background()

	first, err := store.Create(ctx, validParams())
	require.NoError(t, err)
	_, err = store.Create(ctx, validParams())
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, first.ID, "alice"))

	all, err := store.List(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	pending, err := store.List(ctx, "alice", models.OrderStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	evaluable, err := store.ListEvaluable(ctx)
	require.NoError(t, err)
	require.Len(t, evaluable, 1)

	other, err := store.List(ctx, "bob", "")
	require.NoError(t, err)
	require.Empty(t, other)
}
