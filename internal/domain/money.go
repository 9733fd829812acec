package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies перечисляет валюты без дробной минимальной единицы.
var zeroDecimalCurrencies = map[string]struct{}{
	"JPY": {},
	"KRW": {},
	"VND": {},
	"CLP": {},
	"ISK": {},
}

// MinorUnits возвращает количество знаков после запятой для валюты.
func MinorUnits(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return 0
	}
	return 2
}

// RoundMoney округляет сумму half-up до минимальной единицы валюты.
// decimal.Round округляет half away from zero, для неотрицательных сумм это half-up.
func RoundMoney(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// ClampMoney ограничивает сумму диапазоном [0, max].
func ClampMoney(amount, max decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(max) {
		return max
	}
	return amount
}
