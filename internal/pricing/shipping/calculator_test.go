package shipping_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/shipping"
)

const testConfig = `
free_shipping_threshold: "100.00"
zones:
  - id: world
    rules:
      - id: world-standard
        rate: "25.00"
  - id: us
    countries: [US]
    rules:
      - id: us-heavy
        priority: 1
        min_weight_grams: 5000
        rate: "12.00"
        per_kg: "0.50"
      - id: us-express
        priority: 2
        methods: [express]
        rate: "15.00"
      - id: us-standard
        priority: 3
        methods: [standard]
        rate: "5.00"
  - id: texas
    countries: [US]
    states: [TX]
    rules:
      - id: tx-standard
        methods: [standard]
        rate: "4.00"
  - id: austin-downtown
    countries: [US]
    postal_codes: ["787*"]
    free_shipping_threshold: "30.00"
    rules:
      - id: austin-courier
        methods: [courier]
        rate: "2.50"
`

func newCalculator(t *testing.T) *shipping.Calculator {
	t.Helper()
	var cfg shipping.Config
	require.NoError(t, yaml.Unmarshal([]byte(testConfig), &cfg))
	calc, err := shipping.NewCalculator(cfg)
	require.NoError(t, err)
	return calc
}

func req(country, state, postal, method, subtotal string, lines ...shipping.Line) shipping.Request {
	if len(lines) == 0 {
		lines = []shipping.Line{{WeightGrams: 500, Quantity: 1}}
	}
	return shipping.Request{
		Destination: shipping.Destination{Country: country, State: state, PostalCode: postal},
		Method:      method,
		Lines:       lines,
		Subtotal:    decimal.RequireFromString(subtotal),
		Currency:    "USD",
	}
}

func TestQuote_MostSpecificZoneWins(t *testing.T) {
	calc := newCalculator(t)

	cases := []struct {
		name   string
		req    shipping.Request
		zone   string
		rule   string
		amount string
	}{
		{name: "postal prefix", req: req("US", "TX", "78701", "courier", "20.00"), zone: "austin-downtown", rule: "austin-courier", amount: "2.50"},
		{name: "state beats country", req: req("US", "TX", "75001", "standard", "20.00"), zone: "texas", rule: "tx-standard", amount: "4.00"},
		{name: "country", req: req("us", "CA", "94105", "standard", "20.00"), zone: "us", rule: "us-standard", amount: "5.00"},
		{name: "catch-all", req: req("DE", "", "10115", "standard", "20.00"), zone: "world", rule: "world-standard", amount: "25.00"},
		{name: "falls back when specific zone has no rule", req: req("US", "TX", "78701", "express", "20.00"), zone: "us", rule: "us-express", amount: "15.00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := calc.Quote(tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.zone, quote.ZoneID)
			assert.Equal(t, tc.rule, quote.RuleID)
			assert.True(t, quote.Amount.Equal(decimal.RequireFromString(tc.amount)), "amount %s", quote.Amount)
		})
	}
}

func TestQuote_PriorityAndWeight(t *testing.T) {
	calc := newCalculator(t)

	quote, err := calc.Quote(req("US", "CA", "94105", "standard", "20.00", shipping.Line{WeightGrams: 3000, Quantity: 2}))
	require.NoError(t, err)
	assert.Equal(t, "us-heavy", quote.RuleID)
	assert.True(t, quote.Amount.Equal(decimal.RequireFromString("15.00")), "amount %s", quote.Amount)
}

func TestQuote_FreeShippingThreshold(t *testing.T) {
	calc := newCalculator(t)

	quote, err := calc.Quote(req("US", "CA", "94105", "standard", "100.00"))
	require.NoError(t, err)
	assert.True(t, quote.Free)
	assert.True(t, quote.Amount.IsZero())

	quote, err = calc.Quote(req("US", "TX", "78701", "courier", "30.00"))
	require.NoError(t, err)
	assert.True(t, quote.Free, "zone threshold overrides global")

	quote, err = calc.Quote(req("US", "CA", "94105", "standard", "99.99"))
	require.NoError(t, err)
	assert.False(t, quote.Free)
}

func TestQuote_NoRate(t *testing.T) {
	var cfg shipping.Config
	require.NoError(t, yaml.Unmarshal([]byte(`
zones:
  - id: us
    countries: [US]
    rules:
      - id: small
        max_items: 2
        rate: "5"
`), &cfg))
	calc, err := shipping.NewCalculator(cfg)
	require.NoError(t, err)

	_, err = calc.Quote(req("FR", "", "75001", "standard", "10"))
	require.ErrorIs(t, err, shipping.ErrNoShippingRate)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = calc.Quote(req("US", "", "10001", "standard", "10", shipping.Line{WeightGrams: 100, Quantity: 3}))
	require.ErrorIs(t, err, shipping.ErrNoShippingRate)
}

func TestNewCalculator_RejectsBadConfig(t *testing.T) {
	_, err := shipping.NewCalculator(shipping.Config{Zones: []shipping.ZoneConfig{{
		ID:    "z",
		Rules: []shipping.RuleConfig{{ID: "r", Rate: "abc"}},
	}}})
	require.Error(t, err)

	_, err = shipping.NewCalculator(shipping.Config{Zones: []shipping.ZoneConfig{{
		ID:    "z",
		Rules: []shipping.RuleConfig{{ID: "r", Rate: "1", MinItems: 5, MaxItems: 2}},
	}}})
	require.Error(t, err)
}
