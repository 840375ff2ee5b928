package amm

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mintex-trade/mintex/internal/database"
	"github.com/mintex-trade/mintex/pkg/models"
)

// Buy spends req.BaseAmount of the caller's base balance on the asset: the
// single buy leg of the swap algorithm against one pool.
func (e *Engine) Buy(ctx context.Context, userID uuid.UUID, req BuyRequest) (*TradeResult, error) {
	start := time.Now()

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, e.reject("buy", NewError(KindValidation, "symbol is required"))
	}
	if err := e.validateAmount(req.BaseAmount); err != nil {
		return nil, e.reject("buy", err)
	}
	if _, err := e.tradablePool(ctx, symbol, userID); err != nil {
		return nil, e.reject("buy", err)
	}

	var (
		result   *TradeResult
		snapshot PriceSnapshot
	)
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := lockPool(tx, symbol)
		if err != nil {
			return err
		}
		if err := ensureTradable(pool, userID); err != nil {
			return err
		}
		if !pool.ReserveAsset.IsPositive() || !pool.ReserveBase.IsPositive() {
			return NewError(KindEmptyLiquidity, "pool has no liquidity")
		}

		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.BaseBalance.LessThan(req.BaseAmount) {
			return NewError(KindInsufficientBalance,
				"insufficient base balance: required %s, available %s",
				req.BaseAmount.String(), user.BaseBalance.String()).
				WithDetail("required", req.BaseAmount.String()).
				WithDetail("available", user.BaseBalance.String())
		}

		leg := buyLeg(pool.ReserveAsset, pool.ReserveBase, req.BaseAmount)
		if !leg.AmountOut.IsPositive() {
			return NewError(KindOutputTooSmall, "trade too small to produce output")
		}

		impact := priceImpact(pool.ReserveAsset, pool.ReserveBase, leg.NewReserveAsset, leg.NewReserveBase)
		newPrice := leg.NewReserveBase.Div(leg.NewReserveAsset)
		result = &TradeResult{
			Symbol:         pool.Symbol,
			Type:           models.RecordTypeBuy,
			AmountIn:       req.BaseAmount,
			AmountOut:      quantize(leg.AmountOut),
			EffectivePrice: quantize(req.BaseAmount.Div(leg.AmountOut)),
			PriceImpact:    quantize(impact),
			NewPrice:       quantize(newPrice),
		}
		if req.QuoteOnly {
			result.Quote = true
			return nil
		}

		now := time.Now().UTC()
		if err := setBaseBalance(tx, userID, user.BaseBalance.Sub(req.BaseAmount), now); err != nil {
			return err
		}
		if err := creditHolding(tx, userID, pool.ID, leg.AmountOut, now); err != nil {
			return err
		}
		snapshot, err = e.applyPoolUpdate(tx, pool, leg.NewReserveAsset, leg.NewReserveBase, now)
		if err != nil {
			return err
		}
		record := models.TransactionRecord{
			ID:              uuid.New(),
			UserID:          userID,
			PoolID:          pool.ID,
			Type:            models.RecordTypeBuy,
			Quantity:        quantize(leg.AmountOut),
			PricePerUnit:    quantize(req.BaseAmount.Div(leg.AmountOut)),
			TotalBaseAmount: quantize(req.BaseAmount),
			RecordedAt:      now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return WrapError(KindInternal, err, "failed to record trade")
		}
		return nil
	})
	if txErr != nil {
		return nil, e.reject("buy", e.classify(txErr))
	}

	outcome := "executed"
	if req.QuoteOnly {
		outcome = "quoted"
	} else {
		e.publishAfterCommit([]PriceSnapshot{snapshot})
	}
	e.observe("buy", outcome, time.Since(start))
	e.logger.Info("buy processed",
		zap.String("user_id", userID.String()),
		zap.String("symbol", symbol),
		zap.String("base_amount", req.BaseAmount.String()),
		zap.String("amount_out", result.AmountOut.String()),
		zap.Bool("quote_only", req.QuoteOnly))
	return result, nil
}

// Sell converts req.Amount of the caller's holding back into base currency:
// the single sell leg of the swap algorithm against one pool.
func (e *Engine) Sell(ctx context.Context, userID uuid.UUID, req SellRequest) (*TradeResult, error) {
	start := time.Now()

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, e.reject("sell", NewError(KindValidation, "symbol is required"))
	}
	if err := e.validateAmount(req.Amount); err != nil {
		return nil, e.reject("sell", err)
	}
	if _, err := e.tradablePool(ctx, symbol, userID); err != nil {
		return nil, e.reject("sell", err)
	}

	var (
		result   *TradeResult
		snapshot PriceSnapshot
	)
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := lockPool(tx, symbol)
		if err != nil {
			return err
		}
		if err := ensureTradable(pool, userID); err != nil {
			return err
		}

		available, err := lockedHoldingQuantity(tx, userID, pool.ID)
		if err != nil {
			return err
		}
		if available.LessThan(req.Amount) {
			return NewError(KindInsufficientBalance,
				"insufficient %s: required %s, available %s",
				symbol, req.Amount.String(), available.String()).
				WithDetail("required", req.Amount.String()).
				WithDetail("available", available.String())
		}

		if !pool.ReserveAsset.IsPositive() || !pool.ReserveBase.IsPositive() {
			return NewError(KindEmptyLiquidity, "pool has no liquidity")
		}

		maxSellable := pool.ReserveAsset.Mul(e.cfg.MaxPoolDrainRatio)
		if req.Amount.GreaterThan(maxSellable) {
			return NewError(KindExcessiveTradeSize,
				"cannot sell more than %s%% of pool reserve for %s",
				e.cfg.MaxPoolDrainRatio.Mul(decimal.NewFromInt(100)).String(), symbol).
				WithDetail("max_sellable", maxSellable.String())
		}

		leg := sellLeg(pool.ReserveAsset, pool.ReserveBase, req.Amount)
		if !leg.AmountOut.IsPositive() {
			return NewError(KindOutputTooSmall, "trade too small to produce output")
		}

		impact := priceImpact(pool.ReserveAsset, pool.ReserveBase, leg.NewReserveAsset, leg.NewReserveBase)
		newPrice := leg.NewReserveBase.Div(leg.NewReserveAsset)
		result = &TradeResult{
			Symbol:         pool.Symbol,
			Type:           models.RecordTypeSell,
			AmountIn:       req.Amount,
			AmountOut:      quantize(leg.AmountOut),
			EffectivePrice: quantize(leg.AmountOut.Div(req.Amount)),
			PriceImpact:    quantize(impact),
			NewPrice:       quantize(newPrice),
		}
		if req.QuoteOnly {
			result.Quote = true
			return nil
		}

		now := time.Now().UTC()
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}
		if err := setBaseBalance(tx, userID, user.BaseBalance.Add(leg.AmountOut), now); err != nil {
			return err
		}
		if err := adjustHolding(tx, userID, pool.ID, available.Sub(req.Amount), e.cfg.DustThreshold, now); err != nil {
			return err
		}
		snapshot, err = e.applyPoolUpdate(tx, pool, leg.NewReserveAsset, leg.NewReserveBase, now)
		if err != nil {
			return err
		}
		record := models.TransactionRecord{
			ID:              uuid.New(),
			UserID:          userID,
			PoolID:          pool.ID,
			Type:            models.RecordTypeSell,
			Quantity:        quantize(req.Amount),
			PricePerUnit:    quantize(leg.AmountOut.Div(req.Amount)),
			TotalBaseAmount: quantize(leg.AmountOut),
			RecordedAt:      now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return WrapError(KindInternal, err, "failed to record trade")
		}
		return nil
	})
	if txErr != nil {
		return nil, e.reject("sell", e.classify(txErr))
	}

	outcome := "executed"
	if req.QuoteOnly {
		outcome = "quoted"
	} else {
		e.publishAfterCommit([]PriceSnapshot{snapshot})
	}
	e.observe("sell", outcome, time.Since(start))
	e.logger.Info("sell processed",
		zap.String("user_id", userID.String()),
		zap.String("symbol", symbol),
		zap.String("amount", req.Amount.String()),
		zap.String("base_out", result.AmountOut.String()),
		zap.Bool("quote_only", req.QuoteOnly))
	return result, nil
}

// lockPool acquires a FOR UPDATE lock on one pool row.
func lockPool(tx *gorm.DB, symbol string) (*models.Pool, error) {
	var pool models.Pool
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("symbol = ?", symbol).
		First(&pool).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, NewError(KindNotFound, "asset %s not found", symbol)
		}
		return nil, err
	}
	return &pool, nil
}

// lockUser acquires a FOR UPDATE lock on the caller's account row.
func lockUser(tx *gorm.DB, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, NewError(KindUnauthenticated, "user account not found")
		}
		return nil, err
	}
	return &user, nil
}

// setBaseBalance writes the user's new base balance.
func setBaseBalance(tx *gorm.DB, userID uuid.UUID, newBalance decimal.Decimal, now time.Time) error {
	err := tx.Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"base_balance": quantize(newBalance),
			"updated_at":   now,
		}).Error
	if err != nil {
		return WrapError(KindInternal, err, "failed to update base balance")
	}
	return nil
}
