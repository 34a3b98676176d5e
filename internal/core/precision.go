package core

import "github.com/shopspring/decimal"

// TruncateKind selects which pair precision applies when truncating an
// amount for the exchange.
type TruncateKind string

const (
	TruncatePrice  TruncateKind = "price"
	TruncateVolume TruncateKind = "volume"
)

// Truncate cuts value down to the given number of decimal places without
// rounding, the way exchanges expect prices and volumes to be submitted.
func Truncate(value decimal.Decimal, decimals int32) decimal.Decimal {
	return value.Truncate(decimals)
}

// TruncateFor applies the pair precision matching kind.
func TruncateFor(value decimal.Decimal, kind TruncateKind, info AssetPairInfo) decimal.Decimal {
	switch kind {
	case TruncateVolume:
		return Truncate(value, info.LotDecimals)
	default:
		return Truncate(value, info.PairDecimals)
	}
}
