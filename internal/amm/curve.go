package amm

import "github.com/shopspring/decimal"

// legOutcome is the state of one pool after a constant-product leg.
type legOutcome struct {
	NewReserveAsset decimal.Decimal
	NewReserveBase  decimal.Decimal
	AmountOut       decimal.Decimal
}

// sellLeg sells amountIn of the pool's asset into the pool for base currency.
// Constant product: k = reserveAsset * reserveBase is conserved, so
// amountOut = reserveBase - k/(reserveAsset + amountIn).
func sellLeg(reserveAsset, reserveBase, amountIn decimal.Decimal) legOutcome {
	k := reserveAsset.Mul(reserveBase)
	newReserveAsset := reserveAsset.Add(amountIn)
	newReserveBase := k.Div(newReserveAsset)
	return legOutcome{
		NewReserveAsset: newReserveAsset,
		NewReserveBase:  newReserveBase,
		AmountOut:       reserveBase.Sub(newReserveBase),
	}
}

// buyLeg spends baseIn of base currency buying the pool's asset.
// amountOut = reserveAsset - k/(reserveBase + baseIn).
func buyLeg(reserveAsset, reserveBase, baseIn decimal.Decimal) legOutcome {
	k := reserveAsset.Mul(reserveBase)
	newReserveBase := reserveBase.Add(baseIn)
	newReserveAsset := k.Div(newReserveBase)
	return legOutcome{
		NewReserveAsset: newReserveAsset,
		NewReserveBase:  newReserveBase,
		AmountOut:       reserveAsset.Sub(newReserveAsset),
	}
}

// priceImpact is the percentage change of the spot price (reserveBase /
// reserveAsset) across a leg. Negative when the asset got cheaper.
func priceImpact(preAsset, preBase, postAsset, postBase decimal.Decimal) decimal.Decimal {
	preSpot := preBase.Div(preAsset)
	postSpot := postBase.Div(postAsset)
	return postSpot.Div(preSpot).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

// quantize rounds a value to the fixed storage scale.
func quantize(v decimal.Decimal) decimal.Decimal {
	return v.Round(StorageScale)
}
