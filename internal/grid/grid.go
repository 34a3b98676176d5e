// Package grid holds the price arithmetic of the buy ladder: where the
// next buy and sell orders go relative to the ticker, how close two buys
// may sit, and when the whole ladder is stale.
package grid

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// shiftUpSlack keeps the ladder from churning on tiny overshoots.
var shiftUpSlack = decimal.RequireFromString("1.001")

// BuyPrice returns the price for the next buy order: one interval below
// last, capped so the order never sits above one interval under the
// ticker.
func BuyPrice(last, ticker, interval decimal.Decimal) decimal.Decimal {
	factor := one.Add(interval)
	price := last.Div(factor)
	if price.Cmp(ticker) > 0 {
		price = ticker.Div(factor)
	}
	return price
}

// SellFactor is the sell markup over the buy price: one interval, plus
// twice the trailing-stop percentage when TSP is enabled.
func SellFactor(interval, tsp decimal.Decimal) decimal.Decimal {
	return one.Add(interval).Add(tsp.Mul(decimal.NewFromInt(2)))
}

// SellPrice returns the price for the next sell order: last times factor,
// raised to ticker times factor if the market already moved above it.
func SellPrice(last, ticker, factor decimal.Decimal) decimal.Decimal {
	price := last.Mul(factor)
	if price.Cmp(ticker.Mul(factor)) < 0 {
		price = ticker.Mul(factor)
	}
	return price
}

// TooClose reports whether two adjacent buy prices violate the half
// interval spacing, higher being the larger of the two.
func TooClose(higher, lower, interval decimal.Decimal) bool {
	if higher.Cmp(lower) == 0 {
		return true
	}
	spread := higher.Div(lower).Sub(one)
	return spread.Cmp(interval.Div(decimal.NewFromInt(2))) < 0
}

// ShiftUpThreshold is the ticker level above which the highest buy order
// is considered stale and the whole ladder gets re-placed.
func ShiftUpThreshold(maxBuyPrice, interval decimal.Decimal) decimal.Decimal {
	factor := one.Add(interval)
	return maxBuyPrice.Mul(factor).Mul(factor).Mul(shiftUpSlack)
}
