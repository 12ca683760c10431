package market

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"melodex/services/exchanged/models"
)

// Ledger performs atomic per-user, per-asset balance mutations. Both calls
// run against the transaction handle supplied by the caller so a swap's
// debit, credit and reserve updates commit or roll back together.
type Ledger interface {
	Debit(tx *gorm.DB, userID, asset string, amount int64) error
	Credit(tx *gorm.DB, userID, asset string, amount int64) error
}

// BalanceLedger is the gorm-backed Ledger over account balance rows.
type BalanceLedger struct{}

// NewBalanceLedger returns the database-backed ledger accessor.
func NewBalanceLedger() *BalanceLedger {
	return &BalanceLedger{}
}

// Debit removes amount from the user's balance. The guard clause keeps the
// balance from going negative: zero rows affected means the funds were not
// there and nothing changed.
func (l *BalanceLedger) Debit(tx *gorm.DB, userID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	result := tx.Model(&models.AccountBalance{}).
		Where("user_id = ? AND asset = ? AND balance >= ?", userID, asset, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("debit balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Credit adds amount to the user's balance, creating the row on first use.
func (l *BalanceLedger) Credit(tx *gorm.DB, userID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	row := models.AccountBalance{
		UserID:    userID,
		Asset:     asset,
		Balance:   amount,
		UpdatedAt: time.Now().UTC(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}
