// Package utils provides shared price and formatting helpers.
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// PipSize returns the standard pip increment for a currency pair:
// 0.01 for JPY-quoted pairs, 0.0001 otherwise.
func PipSize(instrument string) float64 {
	if strings.HasSuffix(strings.ToUpper(instrument), "JPY") {
		return 0.01
	}
	return 0.0001
}

// PipsBetween returns the distance between two prices in pips for the
// given instrument. The result is signed: positive when b > a.
func PipsBetween(instrument string, a, b float64) float64 {
	return (b - a) / PipSize(instrument)
}

// PriceOffset returns price shifted by the given number of pips.
func PriceOffset(instrument string, price, pips float64) float64 {
	return price + pips*PipSize(instrument)
}

// FormatUnits renders a unit count as the signed decimal string the broker
// expects: negative for sell/short, positive for buy/long.
func FormatUnits(units float64, negative bool) string {
	d := decimal.NewFromFloat(units)
	if negative {
		d = d.Neg()
	}
	return d.String()
}

// FormatPrice renders a price with the precision conventional for the
// instrument: 3 decimals for JPY-quoted pairs, 5 otherwise.
func FormatPrice(instrument string, price float64) string {
	places := int32(5)
	if PipSize(instrument) == 0.01 {
		places = 3
	}
	return decimal.NewFromFloat(price).Round(places).String()
}

// CurrencyLegs splits an instrument like "EUR_USD" into its base and quote
// currencies. Returns empty strings when the format is unexpected.
func CurrencyLegs(instrument string) (base, quote string) {
	parts := strings.Split(instrument, "_")
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
