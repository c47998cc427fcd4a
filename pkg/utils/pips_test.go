package utils

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestPipSize(t *testing.T) {
	assert.Equal(t, 0.0001, PipSize("EUR_USD"))
	assert.Equal(t, 0.01, PipSize("USD_JPY"))
	assert.Equal(t, 0.01, PipSize("eur_jpy"))
	assert.Equal(t, 0.0001, PipSize("GBP_CHF"))
}

func TestPipsBetween(t *testing.T) {
	assert.InDelta(t, 50.0, PipsBetween("EUR_USD", 1.1000, 1.1050), 1e-6)
	assert.InDelta(t, -50.0, PipsBetween("EUR_USD", 1.1050, 1.1000), 1e-6)
	assert.InDelta(t, 30.0, PipsBetween("USD_JPY", 155.00, 155.30), 1e-6)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "10000", FormatUnits(10000, false))
	assert.Equal(t, "-10000", FormatUnits(10000, true))
	assert.Equal(t, "2500", FormatUnits(2500, false))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "1.10505", FormatPrice("EUR_USD", 1.10505))
	assert.Equal(t, "155.305", FormatPrice("USD_JPY", 155.305))
	assert.Equal(t, "1.1", FormatPrice("EUR_USD", 1.1))
}

func TestCurrencyLegs(t *testing.T) {
	base, quote := CurrencyLegs("EUR_USD")
	assert.Equal(t, "EUR", base)
	assert.Equal(t, "USD", quote)

	base, quote = CurrencyLegs("bogus")
	assert.Empty(t, base)
	assert.Empty(t, quote)
}

func TestPipConversions_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("offset and distance are inverse", prop.ForAll(
		func(price, pips float64) bool {
			shifted := PriceOffset("EUR_USD", price, pips)
			back := PipsBetween("EUR_USD", price, shifted)
			return math.Abs(back-pips) < 1e-6
		},
		gen.Float64Range(0.5, 2.0),
		gen.Float64Range(-500, 500),
	))

	properties.Property("distance is antisymmetric", prop.ForAll(
		func(a, b float64) bool {
			return math.Abs(PipsBetween("USD_JPY", a, b)+PipsBetween("USD_JPY", b, a)) < 1e-6
		},
		gen.Float64Range(100, 200),
		gen.Float64Range(100, 200),
	))

	properties.TestingRun(t)
}
