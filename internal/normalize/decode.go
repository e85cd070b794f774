// Package normalize turns raw fills into enriched, analytics-ready trades.
package normalize

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// amountExp is the fixed-point exponent shared by USDC and outcome tokens.
const amountExp = -6

// outputPlaces is the rounding applied to every decoded float.
const outputPlaces = 6

// Decode derives side, price and quantity from the tracked participant's view
// of a fill. It never fails: a fill with no tokens moved decodes to price 0.
func Decode(ev domain.RawTradeEvent) domain.DecodedTrade {
	givenAsset, givenAmount := ev.GivenAsset()
	receivedAsset, receivedAmount := ev.ReceivedAsset()

	side := domain.SideSell
	tokenID := givenAsset
	collateral, tokens := scaled(receivedAmount), scaled(givenAmount)
	if givenAsset == domain.CollateralAssetID {
		side = domain.SideBuy
		tokenID = receivedAsset
		collateral, tokens = scaled(givenAmount), scaled(receivedAmount)
	}

	price := decimal.Zero
	if !tokens.IsZero() {
		price = collateral.DivRound(tokens, outputPlaces+2)
	}

	prob := price
	if side == domain.SideSell {
		prob = decimal.NewFromInt(1).Sub(price)
	}
	prob = clamp01(prob)

	return domain.DecodedTrade{
		Side:               side,
		Price:              price.Round(outputPlaces).InexactFloat64(),
		Quantity:           tokens.Round(outputPlaces).InexactFloat64(),
		ImpliedProbability: prob.Round(outputPlaces).InexactFloat64(),
		TokenID:            tokenID,
		CollateralAmount:   collateral.Round(outputPlaces).InexactFloat64(),
	}
}

func scaled(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, amountExp)
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if d.GreaterThan(one) {
		return one
	}
	return d
}
