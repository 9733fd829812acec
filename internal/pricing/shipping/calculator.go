// Package shipping считает стоимость доставки по зонам и тарифам.
package shipping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

// ErrNoShippingRate означает, что для адреса и корзины не нашлось ни зоны, ни тарифа.
var ErrNoShippingRate = errors.New("no shipping rate available")

const (
	specificityCatchAll = iota
	specificityCountry
	specificityState
	specificityLocal
)

// Destination описывает адрес доставки.
type Destination struct {
	Country    string
	State      string
	City       string
	PostalCode string
}

// Line описывает строку корзины для расчёта веса и количества.
type Line struct {
	WeightGrams int64
	Quantity    int32
}

// Request содержит вход расчёта.
type Request struct {
	Destination Destination
	Method      string
	Lines       []Line
	Subtotal    decimal.Decimal
	Currency    string
}

// Quote содержит результат расчёта.
type Quote struct {
	ZoneID string
	RuleID string
	Amount decimal.Decimal
	Free   bool
}

type rule struct {
	id          string
	priority    int
	methods     map[string]struct{}
	minSubtotal decimal.Decimal
	minWeight   int64
	maxWeight   int64
	minItems    int32
	maxItems    int32
	rate        decimal.Decimal
	perKg       decimal.Decimal
}

type zone struct {
	id          string
	specificity int
	countries   map[string]struct{}
	states      map[string]struct{}
	cities      map[string]struct{}
	postal      []string
	threshold   *decimal.Decimal
	rules       []rule
}

// Calculator неизменяем после создания и безопасен для конкурентного использования.
type Calculator struct {
	zones     []zone
	threshold *decimal.Decimal
	logger    *log.Entry
}

// Option настраивает Calculator.
type Option func(*Calculator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Calculator) {
		c.logger = logger
	}
}

// NewCalculator компилирует конфигурацию.
func NewCalculator(cfg Config, opts ...Option) (*Calculator, error) {
	c := &Calculator{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "shipping-calculator")
	}

	threshold, err := optionalAmount(cfg.FreeShippingThreshold)
	if err != nil {
		return nil, fmt.Errorf("free_shipping_threshold: %w", err)
	}
	c.threshold = threshold

	for _, zc := range cfg.Zones {
		z, err := compileZone(zc)
		if err != nil {
			return nil, fmt.Errorf("zone %q: %w", zc.ID, err)
		}
		c.zones = append(c.zones, z)
	}

	// Сначала более конкретные зоны, при равенстве по порядку из конфига.
	sort.SliceStable(c.zones, func(i, j int) bool {
		return c.zones[i].specificity > c.zones[j].specificity
	})

	return c, nil
}

// Quote подбирает зону и первый подходящий тариф.
func (c *Calculator) Quote(req Request) (Quote, error) {
	var (
		weight  int64
		items   int32
		matched bool
	)
	for _, l := range req.Lines {
		weight += l.WeightGrams * int64(l.Quantity)
		items += l.Quantity
	}

	for _, z := range c.zones {
		if !z.matches(req.Destination) {
			continue
		}
		matched = true
		r, ok := z.pick(req, weight, items)
		if !ok {
			// Переходим к менее конкретной зоне.
			c.logger.WithFields(log.Fields{
				"zone_id": z.id,
				"method":  req.Method,
			}).Debug("zone matched but no rule applies")
			continue
		}

		quote := Quote{ZoneID: z.id, RuleID: r.id}
		threshold := c.threshold
		if z.threshold != nil {
			threshold = z.threshold
		}
		if threshold != nil && req.Subtotal.GreaterThanOrEqual(*threshold) {
			quote.Amount = decimal.Zero
			quote.Free = true
			return quote, nil
		}

		kg := decimal.NewFromInt(weight).Div(decimal.NewFromInt(1000))
		quote.Amount = domain.RoundMoney(r.rate.Add(r.perKg.Mul(kg)), req.Currency)
		return quote, nil
	}

	if matched {
		return Quote{}, fmt.Errorf("%w: %w", domain.NewValidationError("shipping_method", "no rate matches the cart"), ErrNoShippingRate)
	}
	return Quote{}, fmt.Errorf("%w: %w", domain.NewValidationError("shipping_address", "destination is not served"), ErrNoShippingRate)
}

func (z zone) matches(d Destination) bool {
	if len(z.countries) > 0 && !contains(z.countries, d.Country) {
		return false
	}
	if len(z.states) > 0 && !contains(z.states, d.State) {
		return false
	}
	if len(z.cities) > 0 && !contains(z.cities, d.City) {
		return false
	}
	if len(z.postal) > 0 && !matchPostal(z.postal, d.PostalCode) {
		return false
	}
	return true
}

func (z zone) pick(req Request, weight int64, items int32) (rule, bool) {
	method := normalize(req.Method)
	for _, r := range z.rules {
		if len(r.methods) > 0 {
			if _, ok := r.methods[method]; !ok {
				continue
			}
		}
		if req.Subtotal.LessThan(r.minSubtotal) {
			continue
		}
		if r.minWeight > 0 && weight < r.minWeight {
			continue
		}
		if r.maxWeight > 0 && weight > r.maxWeight {
			continue
		}
		if r.minItems > 0 && items < r.minItems {
			continue
		}
		if r.maxItems > 0 && items > r.maxItems {
			continue
		}
		return r, true
	}
	return rule{}, false
}

func compileZone(zc ZoneConfig) (zone, error) {
	z := zone{
		id:        zc.ID,
		countries: toSet(zc.Countries),
		states:    toSet(zc.States),
		cities:    toSet(zc.Cities),
	}
	for _, p := range zc.PostalCodes {
		z.postal = append(z.postal, normalize(p))
	}

	switch {
	case len(z.postal) > 0 || len(z.cities) > 0:
		z.specificity = specificityLocal
	case len(z.states) > 0:
		z.specificity = specificityState
	case len(z.countries) > 0:
		z.specificity = specificityCountry
	default:
		z.specificity = specificityCatchAll
	}

	threshold, err := optionalAmount(zc.FreeShippingThreshold)
	if err != nil {
		return zone{}, fmt.Errorf("free_shipping_threshold: %w", err)
	}
	z.threshold = threshold

	for _, rc := range zc.Rules {
		r, err := compileRule(rc)
		if err != nil {
			return zone{}, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		z.rules = append(z.rules, r)
	}
	sort.SliceStable(z.rules, func(i, j int) bool {
		return z.rules[i].priority < z.rules[j].priority
	})

	return z, nil
}

func compileRule(rc RuleConfig) (rule, error) {
	rate, err := amount(rc.Rate)
	if err != nil {
		return rule{}, fmt.Errorf("rate: %w", err)
	}
	perKg, err := amount(rc.PerKg)
	if err != nil {
		return rule{}, fmt.Errorf("per_kg: %w", err)
	}
	minSubtotal, err := amount(rc.MinSubtotal)
	if err != nil {
		return rule{}, fmt.Errorf("min_subtotal: %w", err)
	}
	if rc.MaxWeightGrams > 0 && rc.MinWeightGrams > rc.MaxWeightGrams {
		return rule{}, errors.New("min_weight_grams is greater than max_weight_grams")
	}
	if rc.MaxItems > 0 && rc.MinItems > rc.MaxItems {
		return rule{}, errors.New("min_items is greater than max_items")
	}

	return rule{
		id:          rc.ID,
		priority:    rc.Priority,
		methods:     toSet(rc.Methods),
		minSubtotal: minSubtotal,
		minWeight:   rc.MinWeightGrams,
		maxWeight:   rc.MaxWeightGrams,
		minItems:    rc.MinItems,
		maxItems:    rc.MaxItems,
		rate:        rate,
		perKg:       perKg,
	}, nil
}

func amount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

func optionalAmount(raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := amount(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// matchPostal поддерживает точное совпадение и префикс с '*' в конце.
func matchPostal(patterns []string, postal string) bool {
	postal = normalize(postal)
	if postal == "" {
		return false
	}
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(postal, prefix) {
				return true
			}
			continue
		}
		if p == postal {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[normalize(v)] = struct{}{}
	}
	return set
}

func contains(set map[string]struct{}, value string) bool {
	_, ok := set[normalize(value)]
	return ok
}

func normalize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
