package domain

import "github.com/shopspring/decimal"

// All balances, fees, and transaction amounts are int64 BDT minor units.
// Prices and quantities stay decimal until the moment money moves; the
// helpers below define the only roundings used at that boundary.

// MoneyFromDecimal converts a decimal BDT amount to minor units using
// banker's rounding at the last minor unit.
func MoneyFromDecimal(d decimal.Decimal) int64 {
	return d.RoundBank(0).IntPart()
}

// FloorMoney rounds a decimal BDT amount down to minor units.
func FloorMoney(d decimal.Decimal) int64 {
	return d.Floor().IntPart()
}

// CeilMoney rounds a decimal BDT amount up to minor units. Reservations
// use it so an estimate can never under-fund the fills it covers.
func CeilMoney(d decimal.Decimal) int64 {
	return d.Ceil().IntPart()
}

// PercentOf returns the floored fraction of an amount, with pct expressed
// as a ratio (0.02 means 2%). Fee computations use this.
func PercentOf(amount int64, pct float64) int64 {
	if amount <= 0 || pct <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(pct)).Floor().IntPart()
}

// FeeBps returns the floored basis-point fee on an amount.
func FeeBps(amount int64, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(10000)).Floor().IntPart()
}
