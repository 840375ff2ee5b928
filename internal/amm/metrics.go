package amm

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mintex-trade/mintex/pkg/models"
)

// metricsWindow is the trailing window for change and volume aggregation.
const metricsWindow = 24 * time.Hour

// Compute24hMetrics derives the rolling 24-hour change and volume for one
// asset. newPrice must be the post-trade price so the result reflects the
// state being committed. The function only reads; it is safe to call inside
// the swap transaction with the same db handle.
func Compute24hMetrics(db *gorm.DB, poolID uuid.UUID, newPrice decimal.Decimal, now time.Time) (Metrics24h, error) {
	cutoff := now.Add(-metricsWindow)
	out := Metrics24h{Change24h: decimal.Zero, Volume24h: decimal.Zero}

	var oldest models.PriceHistoryEntry
	err := db.Where("pool_id = ? AND recorded_at >= ?", poolID, cutoff).
		Order("recorded_at asc").
		First(&oldest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No in-window history: nothing to compare against.
	case err != nil:
		return out, fmt.Errorf("failed to load price history: %w", err)
	case oldest.Price.IsPositive():
		out.Change24h = newPrice.Sub(oldest.Price).Div(oldest.Price).Mul(decimal.NewFromInt(100))
	}

	var volume decimal.NullDecimal
	err = db.Model(&models.TransactionRecord{}).
		Select("SUM(total_base_amount)").
		Where("pool_id = ? AND recorded_at >= ?", poolID, cutoff).
		Scan(&volume).Error
	if err != nil {
		return out, fmt.Errorf("failed to sum traded volume: %w", err)
	}
	if volume.Valid {
		out.Volume24h = volume.Decimal
	}
	return out, nil
}
