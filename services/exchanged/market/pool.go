package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"melodex/services/exchanged/models"
)

// PairKey returns the canonical pool key for two assets, lexically ordered.
func PairKey(a, b string) string {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a == "" || b == "" {
		return ""
	}
	if b < a {
		a, b = b, a
	}
	return a + "/" + b
}

// ReadPool loads the pool row for the unordered asset pair.
func ReadPool(ctx context.Context, db *gorm.DB, assetA, assetB string) (models.LiquidityPool, error) {
	var pool models.LiquidityPool
	key := PairKey(assetA, assetB)
	if key == "" {
		return pool, ErrInvalidPair
	}
	if err := db.WithContext(ctx).First(&pool, "pair = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pool, ErrPoolNotFound
		}
		return pool, fmt.Errorf("query pool: %w", err)
	}
	return pool, nil
}

// ProvisionPool creates the pool for the pair if it does not exist yet.
// Reserves are scaled units and must both be positive. Existing pools are
// left untouched, so provisioning at startup is idempotent.
func ProvisionPool(ctx context.Context, db *gorm.DB, assetA, assetB string, reserveA, reserveB int64) (models.LiquidityPool, error) {
	if reserveA <= 0 || reserveB <= 0 {
		return models.LiquidityPool{}, fmt.Errorf("pool reserves must be positive")
	}
	a := strings.ToUpper(strings.TrimSpace(assetA))
	b := strings.ToUpper(strings.TrimSpace(assetB))
	key := PairKey(a, b)
	if key == "" || a == b {
		return models.LiquidityPool{}, ErrInvalidPair
	}
	if b < a {
		a, b = b, a
		reserveA, reserveB = reserveB, reserveA
	}
	existing, err := ReadPool(ctx, db, a, b)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrPoolNotFound) {
		return models.LiquidityPool{}, err
	}
	now := time.Now().UTC()
	pool := models.LiquidityPool{
		ID:             uuid.New(),
		Pair:           key,
		AssetA:         a,
		AssetB:         b,
		ReserveA:       reserveA,
		ReserveB:       reserveB,
		TotalLiquidity: reserveA + reserveB,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(&pool).Error; err != nil {
		return models.LiquidityPool{}, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// orient returns the in/out reserves for a swap direction, rejecting assets
// the pool does not hold.
func orient(pool models.LiquidityPool, from, to string) (reserveIn, reserveOut int64, err error) {
	switch {
	case from == pool.AssetA && to == pool.AssetB:
		return pool.ReserveA, pool.ReserveB, nil
	case from == pool.AssetB && to == pool.AssetA:
		return pool.ReserveB, pool.ReserveA, nil
	}
	return 0, 0, ErrInvalidPair
}
