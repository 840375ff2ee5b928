// Package amm implements the constant-product swap engine: pricing, solvency
// and invariant checks, atomic multi-row commits, and post-commit price
// broadcast.
package amm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mintex-trade/mintex/internal/database"
	"github.com/mintex-trade/mintex/internal/metrics"
	"github.com/mintex-trade/mintex/pkg/models"
)

// Engine executes swaps, buys and sells against the pool and holdings ledger.
// Every trade runs inside a single database transaction; both pool rows are
// locked for update before any reserve is read.
type Engine struct {
	db        *gorm.DB
	publisher PricePublisher
	logger    *zap.Logger
	metrics   *metrics.TradingMetrics
	cfg       Config
}

// NewEngine creates a swap engine. publisher and m may be nil; publishing and
// instrumentation are then skipped.
func NewEngine(db *gorm.DB, publisher PricePublisher, logger *zap.Logger, m *metrics.TradingMetrics, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
	}
}

// Swap converts req.FromAmount of the source asset into the destination asset
// through two chained constant-product legs. With req.QuoteOnly it returns
// the computed quote without mutating any state.
func (e *Engine) Swap(ctx context.Context, userID uuid.UUID, req SwapRequest) (*SwapResult, error) {
	start := time.Now()

	from := strings.ToUpper(strings.TrimSpace(req.FromSymbol))
	to := strings.ToUpper(strings.TrimSpace(req.ToSymbol))
	if from == "" || to == "" {
		return nil, e.reject("swap", NewError(KindValidation, "fromSymbol and toSymbol are required"))
	}
	if from == to {
		return nil, e.reject("swap", NewError(KindValidation, "cannot swap an asset for itself"))
	}
	if err := e.validateAmount(req.FromAmount); err != nil {
		return nil, e.reject("swap", err)
	}

	// Unknown assets and trading locks surface before a transaction opens.
	if _, err := e.tradablePool(ctx, from, userID); err != nil {
		return nil, e.reject("swap", err)
	}
	if _, err := e.tradablePool(ctx, to, userID); err != nil {
		return nil, e.reject("swap", err)
	}

	var (
		result    *SwapResult
		snapshots []PriceSnapshot
	)
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, snapshots, err = e.swapTx(tx, userID, from, to, req)
		return err
	})
	if txErr != nil {
		return nil, e.reject("swap", e.classify(txErr))
	}

	outcome := "executed"
	if req.QuoteOnly {
		outcome = "quoted"
	} else {
		e.publishAfterCommit(snapshots)
	}
	e.observe("swap", outcome, time.Since(start))
	e.logger.Info("swap processed",
		zap.String("user_id", userID.String()),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("from_amount", req.FromAmount.String()),
		zap.String("coins_out", result.CoinsOut.String()),
		zap.Bool("quote_only", req.QuoteOnly))
	return result, nil
}

// swapTx runs both legs under the pool row locks and writes every mutation of
// the trade, or none of them.
func (e *Engine) swapTx(tx *gorm.DB, userID uuid.UUID, from, to string, req SwapRequest) (*SwapResult, []PriceSnapshot, error) {
	fromPool, toPool, err := lockPoolPair(tx, from, to)
	if err != nil {
		return nil, nil, err
	}
	// Re-check listing and trading locks on the rows we actually hold; the
	// pre-transaction read may be stale by now.
	if err := ensureTradable(fromPool, userID); err != nil {
		return nil, nil, err
	}
	if err := ensureTradable(toPool, userID); err != nil {
		return nil, nil, err
	}

	amount := req.FromAmount
	available, holdErr := lockedHoldingQuantity(tx, userID, fromPool.ID)
	if holdErr != nil {
		return nil, nil, holdErr
	}
	if available.LessThan(amount) {
		return nil, nil, NewError(KindInsufficientBalance,
			"insufficient %s: required %s, available %s", from, amount.String(), available.String()).
			WithDetail("required", amount.String()).
			WithDetail("available", available.String())
	}

	if !fromPool.ReserveAsset.IsPositive() || !fromPool.ReserveBase.IsPositive() ||
		!toPool.ReserveAsset.IsPositive() || !toPool.ReserveBase.IsPositive() {
		return nil, nil, NewError(KindEmptyLiquidity, "one of the pools has no liquidity")
	}

	maxSellable := fromPool.ReserveAsset.Mul(e.cfg.MaxPoolDrainRatio)
	if amount.GreaterThan(maxSellable) {
		return nil, nil, NewError(KindExcessiveTradeSize,
			"cannot swap more than %s%% of pool reserve for %s",
			e.cfg.MaxPoolDrainRatio.Mul(decimal.NewFromInt(100)).String(), from).
			WithDetail("max_sellable", maxSellable.String())
	}

	// Leg 1: sell the source asset into its pool for base currency.
	leg1 := sellLeg(fromPool.ReserveAsset, fromPool.ReserveBase, amount)
	if !leg1.AmountOut.IsPositive() {
		return nil, nil, NewError(KindOutputTooSmall, "swap too small to produce output")
	}

	// Leg 2: buy the destination asset with the base intermediary.
	leg2 := buyLeg(toPool.ReserveAsset, toPool.ReserveBase, leg1.AmountOut)
	if !leg2.AmountOut.IsPositive() {
		return nil, nil, NewError(KindOutputTooSmall, "swap too small to produce output")
	}

	result := &SwapResult{
		FromSymbol:       fromPool.Symbol,
		ToSymbol:         toPool.Symbol,
		FromAmount:       amount,
		CoinsOut:         quantize(leg2.AmountOut),
		MinCoinsOut:      quantize(leg2.AmountOut), // no extra tolerance; mirrors SELL
		BaseIntermediary: quantize(leg1.AmountOut),
		Price: LegValues{
			FromLeg: quantize(leg1.AmountOut.Div(amount)),
			ToLeg:   quantize(leg1.AmountOut.Div(leg2.AmountOut)),
		},
		PriceImpact: LegValues{
			FromLeg: quantize(priceImpact(fromPool.ReserveAsset, fromPool.ReserveBase, leg1.NewReserveAsset, leg1.NewReserveBase)),
			ToLeg:   quantize(priceImpact(toPool.ReserveAsset, toPool.ReserveBase, leg2.NewReserveAsset, leg2.NewReserveBase)),
		},
	}

	if req.QuoteOnly {
		result.Quote = true
		return result, nil, nil
	}

	now := time.Now().UTC()

	if err := adjustHolding(tx, userID, fromPool.ID, available.Sub(amount), e.cfg.DustThreshold, now); err != nil {
		return nil, nil, err
	}
	if err := creditHolding(tx, userID, toPool.ID, leg2.AmountOut, now); err != nil {
		return nil, nil, err
	}

	fromSnap, err := e.applyPoolUpdate(tx, fromPool, leg1.NewReserveAsset, leg1.NewReserveBase, now)
	if err != nil {
		return nil, nil, err
	}
	toSnap, err := e.applyPoolUpdate(tx, toPool, leg2.NewReserveAsset, leg2.NewReserveBase, now)
	if err != nil {
		return nil, nil, err
	}

	records := []models.TransactionRecord{
		{
			ID:              uuid.New(),
			UserID:          userID,
			PoolID:          fromPool.ID,
			Type:            models.RecordTypeSell,
			Quantity:        quantize(amount),
			PricePerUnit:    quantize(leg1.AmountOut.Div(amount)),
			TotalBaseAmount: quantize(leg1.AmountOut),
			RecordedAt:      now,
		},
		{
			ID:              uuid.New(),
			UserID:          userID,
			PoolID:          toPool.ID,
			Type:            models.RecordTypeBuy,
			Quantity:        quantize(leg2.AmountOut),
			PricePerUnit:    quantize(leg1.AmountOut.Div(leg2.AmountOut)),
			TotalBaseAmount: quantize(leg1.AmountOut),
			RecordedAt:      now,
		},
	}
	if err := tx.Create(&records).Error; err != nil {
		return nil, nil, WrapError(KindInternal, err, "failed to record trades")
	}

	return result, []PriceSnapshot{fromSnap, toSnap}, nil
}

// applyPoolUpdate persists new reserves and refreshed caches for one pool and
// appends the price history entry for this leg. Returns the snapshot to
// broadcast after commit.
func (e *Engine) applyPoolUpdate(tx *gorm.DB, pool *models.Pool, newReserveAsset, newReserveBase decimal.Decimal, now time.Time) (PriceSnapshot, error) {
	newPrice := newReserveBase.Div(newReserveAsset)
	m, err := Compute24hMetrics(tx, pool.ID, newPrice, now)
	if err != nil {
		return PriceSnapshot{}, WrapError(KindInternal, err, "failed to compute 24h metrics")
	}

	marketCap := pool.CirculatingSupply.Mul(newPrice)
	updates := map[string]interface{}{
		"reserve_asset": quantize(newReserveAsset),
		"reserve_base":  quantize(newReserveBase),
		"current_price": quantize(newPrice),
		"market_cap":    quantize(marketCap),
		"change24h":     quantize(m.Change24h),
		"volume24h":     quantize(m.Volume24h),
		"updated_at":    now,
	}
	if err := tx.Model(&models.Pool{}).Where("id = ?", pool.ID).Updates(updates).Error; err != nil {
		return PriceSnapshot{}, WrapError(KindInternal, err, "failed to update pool")
	}

	entry := models.PriceHistoryEntry{
		ID:         uuid.New(),
		PoolID:     pool.ID,
		Price:      quantize(newPrice),
		RecordedAt: now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return PriceSnapshot{}, WrapError(KindInternal, err, "failed to append price history")
	}

	return PriceSnapshot{
		Symbol:       pool.Symbol,
		CurrentPrice: quantize(newPrice),
		MarketCap:    quantize(marketCap),
		Change24h:    quantize(m.Change24h),
		Volume24h:    quantize(m.Volume24h),
		ReserveAsset: quantize(newReserveAsset),
		ReserveBase:  quantize(newReserveBase),
		UpdatedAt:    now,
	}, nil
}

// lockPoolPair acquires FOR UPDATE locks on both pool rows before either
// reserve is read. Rows are locked in symbol order so two swaps over the same
// pair cannot deadlock each other.
func lockPoolPair(tx *gorm.DB, from, to string) (*models.Pool, *models.Pool, error) {
	first, second := from, to
	if second < first {
		first, second = second, first
	}

	locked := make(map[string]*models.Pool, 2)
	for _, symbol := range []string{first, second} {
		var pool models.Pool
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("symbol = ?", symbol).
			First(&pool).Error
		if err != nil {
			if database.IsNotFound(err) {
				return nil, nil, NewError(KindNotFound, "asset %s not found", symbol)
			}
			return nil, nil, err
		}
		locked[symbol] = &pool
	}
	return locked[from], locked[to], nil
}

// lockedHoldingQuantity locks the caller's holding row for the pool and
// returns its quantity, or zero when no row exists.
func lockedHoldingQuantity(tx *gorm.DB, userID, poolID uuid.UUID) (decimal.Decimal, error) {
	var holding models.Holding
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND pool_id = ?", userID, poolID).
		First(&holding).Error
	if err != nil {
		if database.IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return holding.Quantity, nil
}

// adjustHolding sets the holding to newQuantity, deleting the row when the
// result is dust.
func adjustHolding(tx *gorm.DB, userID, poolID uuid.UUID, newQuantity, dustThreshold decimal.Decimal, now time.Time) error {
	if newQuantity.GreaterThan(dustThreshold) {
		err := tx.Model(&models.Holding{}).
			Where("user_id = ? AND pool_id = ?", userID, poolID).
			Updates(map[string]interface{}{
				"quantity":   quantize(newQuantity),
				"updated_at": now,
			}).Error
		if err != nil {
			return WrapError(KindInternal, err, "failed to update holding")
		}
		return nil
	}
	err := tx.Where("user_id = ? AND pool_id = ?", userID, poolID).
		Delete(&models.Holding{}).Error
	if err != nil {
		return WrapError(KindInternal, err, "failed to clear dust holding")
	}
	return nil
}

// creditHolding increments the holding by amount, creating the row on first
// acquisition.
func creditHolding(tx *gorm.DB, userID, poolID uuid.UUID, amount decimal.Decimal, now time.Time) error {
	var holding models.Holding
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND pool_id = ?", userID, poolID).
		First(&holding).Error
	switch {
	case database.IsNotFound(err):
		holding = models.Holding{
			ID:        uuid.New(),
			UserID:    userID,
			PoolID:    poolID,
			Quantity:  quantize(amount),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&holding).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return WrapError(KindRetryable, err, "holding created concurrently; retry the request")
			}
			return WrapError(KindInternal, err, "failed to create holding")
		}
		return nil
	case err != nil:
		return WrapError(KindInternal, err, "failed to load holding")
	}

	updateErr := tx.Model(&models.Holding{}).
		Where("user_id = ? AND pool_id = ?", userID, poolID).
		Updates(map[string]interface{}{
			"quantity":   quantize(holding.Quantity.Add(amount)),
			"updated_at": now,
		}).Error
	if updateErr != nil {
		return WrapError(KindInternal, updateErr, "failed to credit holding")
	}
	return nil
}

// tradablePool loads a pool without locking it and verifies it can be traded
// by userID right now. The transactional path re-checks under lock; this read
// only classifies failures that must surface before a transaction opens.
func (e *Engine) tradablePool(ctx context.Context, symbol string, userID uuid.UUID) (*models.Pool, error) {
	var pool models.Pool
	err := e.db.WithContext(ctx).Where("symbol = ?", symbol).First(&pool).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, NewError(KindNotFound, "asset %s not found", symbol)
		}
		return nil, WrapError(KindInternal, err, "failed to load pool")
	}
	if err := ensureTradable(&pool, userID); err != nil {
		return nil, err
	}
	return &pool, nil
}

// ensureTradable verifies a pool is listed and not time-locked against the
// caller. Creators trade through their own lock.
func ensureTradable(pool *models.Pool, userID uuid.UUID) error {
	if !pool.IsListed {
		return NewError(KindValidation, "asset %s is delisted", pool.Symbol)
	}
	if pool.IsLocked && pool.TradingUnlocksAt != nil && time.Now().Before(*pool.TradingUnlocksAt) {
		if pool.CreatorID == nil || *pool.CreatorID != userID {
			return NewError(KindTradingLocked, "trading %s is locked until %s",
				pool.Symbol, pool.TradingUnlocksAt.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// validateAmount enforces the shared amount preconditions.
func (e *Engine) validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewError(KindValidation, "amount must be greater than zero")
	}
	if amount.GreaterThan(e.cfg.MaxTradeAmount) {
		return NewError(KindValidation, "amount exceeds the platform maximum of %s", e.cfg.MaxTradeAmount.String())
	}
	return nil
}

// classify maps storage failures onto the engine error taxonomy. Structured
// errors pass through; lock contention becomes Retryable.
func (e *Engine) classify(err error) error {
	var ammErr *Error
	if errors.As(err, &ammErr) {
		return ammErr
	}
	if database.IsRetryable(err) {
		return WrapError(KindRetryable, err, "transaction aborted by lock contention; retry the request")
	}
	return WrapError(KindInternal, err, "trade failed")
}

// publishAfterCommit broadcasts snapshots outside the transaction boundary.
// Failures are logged and never affect the committed trade.
func (e *Engine) publishAfterCommit(snapshots []PriceSnapshot) {
	if e.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, snap := range snapshots {
			if err := e.publisher.PublishPriceUpdate(ctx, snap.Symbol, snap); err != nil {
				e.logger.Warn("price update publish failed",
					zap.String("symbol", snap.Symbol),
					zap.Error(err))
				e.countPublish("error")
				continue
			}
			e.countPublish("ok")
		}
	}()
}

func (e *Engine) countPublish(status string) {
	if e.metrics != nil {
		e.metrics.PricePublishes.WithLabelValues(status).Inc()
	}
}

// observe records a completed trade.
func (e *Engine) observe(op, outcome string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.TradesTotal.WithLabelValues(op, outcome).Inc()
	e.metrics.TradeDuration.WithLabelValues(op).Observe(d.Seconds())
}

// reject records a failed trade and returns the error unchanged.
func (e *Engine) reject(op string, err error) error {
	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues(op, "failed").Inc()
		e.metrics.TradeFailures.WithLabelValues(op, string(KindOf(err))).Inc()
	}
	return err
}
