package market

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"melodex/services/exchanged/models"
)

// StabilityReserve accumulates the fixed skim taken from every swap fee.
// Balances only grow here; consumption belongs to the intervention layer.
type StabilityReserve struct{}

// NewStabilityReserve returns the reserve accumulator.
func NewStabilityReserve() *StabilityReserve {
	return &StabilityReserve{}
}

// Skim adds amount to the per-asset reserve inside the caller's transaction.
// A zero skim (tiny fees rounding down) is a no-op, not an error.
func (r *StabilityReserve) Skim(tx *gorm.DB, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("skim amount must not be negative")
	}
	if amount == 0 {
		return nil
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	row := models.StabilityReserve{
		Asset:     asset,
		Balance:   amount,
		UpdatedAt: time.Now().UTC(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("skim stability reserve: %w", err)
	}
	return nil
}

// Balance reads the accumulated reserve for the asset.
func (r *StabilityReserve) Balance(db *gorm.DB, asset string) (int64, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	var row models.StabilityReserve
	if err := db.First(&row, "asset = ?", asset).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("query stability reserve: %w", err)
	}
	return row.Balance, nil
}
