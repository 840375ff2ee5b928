package amm

import (
	"time"

	"github.com/shopspring/decimal"
)

// StorageScale is the fixed decimal quantum applied at storage and
// serialization boundaries. Intermediate computation keeps full precision.
const StorageScale = 8

// SwapRequest asks the engine to convert fromAmount of one asset into another
// through the base currency.
type SwapRequest struct {
	FromSymbol string          `json:"fromSymbol" validate:"required,min=1,max=12"`
	ToSymbol   string          `json:"toSymbol" validate:"required,min=1,max=12"`
	FromAmount decimal.Decimal `json:"fromAmount" validate:"required"`
	// SlippageBps is accepted for API compatibility but not enforced: the
	// swap follows the AMM curve with no extra tolerance, mirroring SELL.
	SlippageBps *int `json:"slippageBps,omitempty"`
	QuoteOnly   bool `json:"quoteOnly,omitempty"`
}

// LegValues holds one value per swap leg.
type LegValues struct {
	FromLeg decimal.Decimal `json:"fromLeg"`
	ToLeg   decimal.Decimal `json:"toLeg"`
}

// SwapResult describes an executed (or quoted) two-leg swap.
type SwapResult struct {
	FromSymbol       string          `json:"fromSymbol"`
	ToSymbol         string          `json:"toSymbol"`
	FromAmount       decimal.Decimal `json:"fromAmount"`
	CoinsOut         decimal.Decimal `json:"coinsOut"`
	MinCoinsOut      decimal.Decimal `json:"minCoinsOut"`
	BaseIntermediary decimal.Decimal `json:"baseIntermediary"`
	Price            LegValues       `json:"price"`
	PriceImpact      LegValues       `json:"priceImpact"`
	// Quote is true when no state was mutated.
	Quote bool `json:"-"`
}

// BuyRequest spends base currency on an asset (single leg).
type BuyRequest struct {
	Symbol     string          `json:"symbol" validate:"required,min=1,max=12"`
	BaseAmount decimal.Decimal `json:"baseAmount" validate:"required"`
	QuoteOnly  bool            `json:"quoteOnly,omitempty"`
}

// SellRequest converts an asset holding back into base currency (single leg).
type SellRequest struct {
	Symbol    string          `json:"symbol" validate:"required,min=1,max=12"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	QuoteOnly bool            `json:"quoteOnly,omitempty"`
}

// TradeResult describes an executed (or quoted) single-leg buy or sell.
type TradeResult struct {
	Symbol         string          `json:"symbol"`
	Type           string          `json:"type"`
	AmountIn       decimal.Decimal `json:"amountIn"`
	AmountOut      decimal.Decimal `json:"amountOut"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
	PriceImpact    decimal.Decimal `json:"priceImpact"`
	NewPrice       decimal.Decimal `json:"newPrice"`
	Quote          bool            `json:"-"`
}

// Metrics24h is the rolling 24-hour change and volume for one asset.
type Metrics24h struct {
	Change24h decimal.Decimal `json:"change24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
}

// PriceSnapshot is the post-trade pool state broadcast to subscribers.
type PriceSnapshot struct {
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	MarketCap    decimal.Decimal `json:"marketCap"`
	Change24h    decimal.Decimal `json:"change24h"`
	Volume24h    decimal.Decimal `json:"volume24h"`
	ReserveAsset decimal.Decimal `json:"poolCoinAmount"`
	ReserveBase  decimal.Decimal `json:"poolBaseCurrencyAmount"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Config holds the engine limits.
type Config struct {
	// MaxTradeAmount caps a single trade's input amount.
	MaxTradeAmount decimal.Decimal
	// MaxPoolDrainRatio caps a sell-side input at this fraction of the pool's
	// asset reserve.
	MaxPoolDrainRatio decimal.Decimal
	// DustThreshold is the holding quantity below which rows are deleted.
	DustThreshold decimal.Decimal
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		MaxTradeAmount:    decimal.RequireFromString("1000000000000"),
		MaxPoolDrainRatio: decimal.RequireFromString("0.995"),
		DustThreshold:     decimal.RequireFromString("0.000001"),
	}
}
