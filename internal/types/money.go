package types

import (
	"github.com/shopspring/decimal"
)

// MinorDigits is the number of minor-unit digits for every supported currency.
const MinorDigits = 2

// Money is an amount in minor currency units (cents).
type Money int64

// Decimal returns the amount in major units, e.g. 12345 -> 123.45.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -MinorDigits)
}

// String formats the amount with exactly two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorDigits)
}

func SumMoney(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}
