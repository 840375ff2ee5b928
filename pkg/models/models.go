package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a marketplace participant. Only the fields the trading core
// touches live here; profile and auth data belong to the identity service.
type User struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Username    string          `json:"username" gorm:"uniqueIndex" validate:"required,min=3,max=30"`
	BaseBalance decimal.Decimal `json:"base_balance" gorm:"type:numeric(30,8)"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Pool represents the liquidity pool backing one listed asset. CurrentPrice,
// MarketCap, Change24h and Volume24h are denormalized caches refreshed in the
// same transaction as the reserves they are derived from.
type Pool struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Symbol            string          `json:"symbol" gorm:"uniqueIndex" validate:"required,min=1,max=12"`
	Name              string          `json:"name" validate:"required,max=64"`
	ReserveAsset      decimal.Decimal `json:"reserve_asset" gorm:"type:numeric(30,8)"`
	ReserveBase       decimal.Decimal `json:"reserve_base" gorm:"type:numeric(30,8)"`
	CurrentPrice      decimal.Decimal `json:"current_price" gorm:"type:numeric(30,8)"`
	CirculatingSupply decimal.Decimal `json:"circulating_supply" gorm:"type:numeric(30,8)"`
	MarketCap         decimal.Decimal `json:"market_cap" gorm:"type:numeric(30,8)"`
	Change24h         decimal.Decimal `json:"change_24h" gorm:"type:numeric(30,8)"`
	Volume24h         decimal.Decimal `json:"volume_24h" gorm:"type:numeric(30,8)"`
	IsListed          bool            `json:"is_listed" gorm:"default:true"`
	IsLocked          bool            `json:"is_locked"`
	TradingUnlocksAt  *time.Time      `json:"trading_unlocks_at,omitempty"`
	CreatorID         *uuid.UUID      `json:"creator_id,omitempty" gorm:"type:uuid"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SpotPrice returns the instantaneous price implied by the reserves.
func (p *Pool) SpotPrice() decimal.Decimal {
	if p.ReserveAsset.IsZero() {
		return decimal.Zero
	}
	return p.ReserveBase.Div(p.ReserveAsset)
}

// Holding represents a user's position in one asset. A row exists iff the
// quantity exceeds the dust threshold; sub-dust rows are deleted, not zeroed.
type Holding struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_holding_user_pool"`
	PoolID    uuid.UUID       `json:"pool_id" gorm:"type:uuid;uniqueIndex:idx_holding_user_pool"`
	Quantity  decimal.Decimal `json:"quantity" gorm:"type:numeric(30,8)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PriceHistoryEntry is an append-only price observation, one row per asset per
// trade leg. The engine never updates or deletes entries.
type PriceHistoryEntry struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PoolID     uuid.UUID       `json:"pool_id" gorm:"type:uuid;index:idx_price_history_pool_time"`
	Price      decimal.Decimal `json:"price" gorm:"type:numeric(30,8)"`
	RecordedAt time.Time       `json:"recorded_at" gorm:"index:idx_price_history_pool_time"`
}

// Transaction record types.
const (
	RecordTypeBuy  = "BUY"
	RecordTypeSell = "SELL"
)

// TransactionRecord is the append-only audit trail of executed trades. A swap
// writes exactly two records: a SELL of the source asset and a BUY of the
// destination asset, both carrying the same base-currency intermediary amount.
type TransactionRecord struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	PoolID          uuid.UUID       `json:"pool_id" gorm:"type:uuid;index:idx_txrecord_pool_time"`
	Type            string          `json:"type" validate:"required,oneof=BUY SELL"`
	Quantity        decimal.Decimal `json:"quantity" gorm:"type:numeric(30,8)"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit" gorm:"type:numeric(30,8)"`
	TotalBaseAmount decimal.Decimal `json:"total_base_amount" gorm:"type:numeric(30,8)"`
	RecordedAt      time.Time       `json:"recorded_at" gorm:"index:idx_txrecord_pool_time"`
}
