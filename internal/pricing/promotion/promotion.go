// Package promotion проверяет промокоды и считает скидку.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
)

var (
	ErrNotFound          = errors.New("promotion not found")
	ErrNotStarted        = errors.New("promotion is not active yet")
	ErrExpired           = errors.New("promotion expired")
	ErrMinimumSpend      = errors.New("minimum spend not met")
	ErrUsageLimitReached = errors.New("promotion usage limit reached")
	ErrNotStackable      = errors.New("promotion cannot be combined with other discounts")
)

// DiscountType определяет способ расчёта скидки.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Config описывает промокод в YAML.
type Config struct {
	Code       string       `yaml:"code"`
	Type       DiscountType `yaml:"type"`
	Value      string       `yaml:"value"`
	StartsAt   *time.Time   `yaml:"starts_at"`
	EndsAt     *time.Time   `yaml:"ends_at"`
	MinSpend   string       `yaml:"min_spend"`
	UsageLimit int64        `yaml:"usage_limit"`
	Stackable  bool         `yaml:"stackable"`
}

// Promotion представляет скомпилированный промокод.
type Promotion struct {
	Code       string
	Type       DiscountType
	Value      decimal.Decimal
	StartsAt   time.Time
	EndsAt     time.Time
	MinSpend   decimal.Decimal
	UsageLimit int64
	Stackable  bool
}

// Request содержит вход проверки промокода.
type Request struct {
	Code     string
	Subtotal decimal.Decimal
	Currency string
	// OtherDiscounts: коды других скидок, уже применённых к корзине.
	OtherDiscounts []string
}

// Result содержит рассчитанную скидку.
type Result struct {
	Code     string
	Discount decimal.Decimal
}

// UsageStore ведёт счётчики использования. Reserve атомарно проверяет лимит и увеличивает счётчик.
type UsageStore interface {
	Reserve(ctx context.Context, code string, limit int64) (bool, error)
	Release(ctx context.Context, code string) error
	Count(ctx context.Context, code string) (int64, error)
}

// Calculator проверяет промокоды в порядке:
// существование, срок действия, минимальная сумма, лимит использований, совместимость.
type Calculator struct {
	promotions map[string]Promotion
	usage      UsageStore
	logger     *log.Entry
	now        func() time.Time
}

// Option настраивает Calculator.
type Option func(*Calculator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Calculator) {
		c.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		c.now = now
	}
}

// NewCalculator компилирует промокоды.
func NewCalculator(configs []Config, usage UsageStore, opts ...Option) (*Calculator, error) {
	c := &Calculator{
		promotions: make(map[string]Promotion, len(configs)),
		usage:      usage,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "promotion-calculator")
	}
	if c.usage == nil {
		c.usage = NewMemoryUsageStore()
	}

	for _, cfg := range configs {
		p, err := compile(cfg)
		if err != nil {
			return nil, fmt.Errorf("promotion %q: %w", cfg.Code, err)
		}
		if _, dup := c.promotions[p.Code]; dup {
			return nil, fmt.Errorf("promotion %q is declared twice", cfg.Code)
		}
		c.promotions[p.Code] = p
	}

	return c, nil
}

// Evaluate проверяет промокод и считает скидку, не записывая использование.
func (c *Calculator) Evaluate(ctx context.Context, req Request) (Result, error) {
	p, err := c.validate(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Code: p.Code, Discount: p.discount(req.Subtotal, req.Currency)}, nil
}

// Redeem проверяет промокод и атомарно записывает использование.
// При неудаче создания заказа использование возвращают через Release.
func (c *Calculator) Redeem(ctx context.Context, req Request) (Result, error) {
	p, err := c.validate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	ok, err := c.usage.Reserve(ctx, p.Code, p.UsageLimit)
	if err != nil {
		return Result{}, fmt.Errorf("reserve promotion usage: %w", err)
	}
	if !ok {
		return Result{}, rejection(ErrUsageLimitReached)
	}

	c.logger.WithField("code", p.Code).Debug("promotion redeemed")
	return Result{Code: p.Code, Discount: p.discount(req.Subtotal, req.Currency)}, nil
}

// Release возвращает одно использование промокода.
func (c *Calculator) Release(ctx context.Context, code string) error {
	code = normalizeCode(code)
	if _, ok := c.promotions[code]; !ok {
		return nil
	}
	if err := c.usage.Release(ctx, code); err != nil {
		return fmt.Errorf("release promotion usage: %w", err)
	}
	return nil
}

func (c *Calculator) validate(ctx context.Context, req Request) (Promotion, error) {
	code := normalizeCode(req.Code)
	p, ok := c.promotions[code]
	if !ok {
		return Promotion{}, rejection(ErrNotFound)
	}

	now := c.now().UTC()
	if !p.StartsAt.IsZero() && now.Before(p.StartsAt) {
		return Promotion{}, rejection(ErrNotStarted)
	}
	if !p.EndsAt.IsZero() && !now.Before(p.EndsAt) {
		return Promotion{}, rejection(ErrExpired)
	}
	if req.Subtotal.LessThan(p.MinSpend) {
		return Promotion{}, rejection(ErrMinimumSpend)
	}
	if p.UsageLimit > 0 {
		used, err := c.usage.Count(ctx, p.Code)
		if err != nil {
			return Promotion{}, fmt.Errorf("count promotion usage: %w", err)
		}
		if used >= p.UsageLimit {
			return Promotion{}, rejection(ErrUsageLimitReached)
		}
	}
	if !p.Stackable {
		for _, other := range req.OtherDiscounts {
			if normalizeCode(other) != p.Code {
				return Promotion{}, rejection(ErrNotStackable)
			}
		}
	}
	return p, nil
}

func (p Promotion) discount(subtotal decimal.Decimal, currency string) decimal.Decimal {
	var amount decimal.Decimal
	switch p.Type {
	case DiscountPercentage:
		amount = subtotal.Mul(p.Value).Div(decimal.NewFromInt(100))
	default:
		amount = p.Value
	}
	return domain.ClampMoney(domain.RoundMoney(amount, currency), subtotal)
}

func compile(cfg Config) (Promotion, error) {
	code := normalizeCode(cfg.Code)
	if code == "" {
		return Promotion{}, errors.New("code is required")
	}

	value, err := decimal.NewFromString(strings.TrimSpace(cfg.Value))
	if err != nil {
		return Promotion{}, fmt.Errorf("value: %w", err)
	}
	if !value.IsPositive() {
		return Promotion{}, errors.New("value must be positive")
	}

	switch cfg.Type {
	case DiscountPercentage:
		if value.GreaterThan(decimal.NewFromInt(100)) {
			return Promotion{}, errors.New("percentage must not exceed 100")
		}
	case DiscountFixed:
	default:
		return Promotion{}, fmt.Errorf("unknown discount type %q", cfg.Type)
	}

	minSpend := decimal.Zero
	if s := strings.TrimSpace(cfg.MinSpend); s != "" {
		if minSpend, err = decimal.NewFromString(s); err != nil {
			return Promotion{}, fmt.Errorf("min_spend: %w", err)
		}
	}

	p := Promotion{
		Code:       code,
		Type:       cfg.Type,
		Value:      value,
		MinSpend:   minSpend,
		UsageLimit: cfg.UsageLimit,
		Stackable:  cfg.Stackable,
	}
	if cfg.StartsAt != nil {
		p.StartsAt = cfg.StartsAt.UTC()
	}
	if cfg.EndsAt != nil {
		p.EndsAt = cfg.EndsAt.UTC()
	}
	if !p.StartsAt.IsZero() && !p.EndsAt.IsZero() && !p.StartsAt.Before(p.EndsAt) {
		return Promotion{}, errors.New("starts_at must be before ends_at")
	}
	return p, nil
}

func rejection(reason error) error {
	return fmt.Errorf("%w: %w", domain.NewValidationError("promotion_code", reason.Error()), reason)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
