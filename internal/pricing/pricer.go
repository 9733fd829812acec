package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/order-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/promotion"
	"github.com/vladislavdragonenkov/order-lifecycle/internal/pricing/shipping"
)

// Request описывает корзину, для которой считается снимок.
type Request struct {
	Currency       string
	Items          []domain.OrderItem
	Address        *domain.Address
	ShippingMethod string
	PromotionCode  string
}

// Snapshot содержит замороженные суммы для создания заказа.
type Snapshot struct {
	Subtotal      decimal.Decimal
	ShippingTotal decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	PromotionCode string
	ShippingZone  string
}

// Pricer считает снимок один раз при создании заказа.
type Pricer struct {
	shipping   *shipping.Calculator
	promotions *promotion.Calculator
	taxRate    decimal.Decimal
	taxOnShip  bool
	logger     *log.Entry
}

// NewPricer собирает калькуляторы из конфигурации.
func NewPricer(cfg Config, usage promotion.UsageStore, logger *log.Entry) (*Pricer, error) {
	if logger == nil {
		logger = log.WithField("component", "pricer")
	}

	ship, err := shipping.NewCalculator(cfg.Shipping, shipping.WithLogger(logger.WithField("calculator", "shipping")))
	if err != nil {
		return nil, fmt.Errorf("shipping config: %w", err)
	}
	promos, err := promotion.NewCalculator(cfg.Promotions, usage, promotion.WithLogger(logger.WithField("calculator", "promotion")))
	if err != nil {
		return nil, fmt.Errorf("promotions config: %w", err)
	}

	rate := decimal.Zero
	if s := strings.TrimSpace(cfg.Tax.Rate); s != "" {
		if rate, err = decimal.NewFromString(s); err != nil {
			return nil, fmt.Errorf("tax rate: %w", err)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("tax rate %s must be in [0, 1)", rate)
		}
	}

	return &Pricer{
		shipping:   ship,
		promotions: promos,
		taxRate:    rate,
		taxOnShip:  cfg.Tax.IncludeShipping,
		logger:     logger,
	}, nil
}

// Quote считает снимок без записи использования промокода.
func (p *Pricer) Quote(ctx context.Context, req Request) (Snapshot, error) {
	return p.snapshot(ctx, req, false)
}

// Price считает снимок и резервирует использование промокода.
// Если заказ потом не создан, вызывающий обязан вызвать Release.
func (p *Pricer) Price(ctx context.Context, req Request) (Snapshot, error) {
	return p.snapshot(ctx, req, true)
}

// Release возвращает использование промокода из снимка.
func (p *Pricer) Release(ctx context.Context, snap Snapshot) error {
	if snap.PromotionCode == "" {
		return nil
	}
	return p.promotions.Release(ctx, snap.PromotionCode)
}

func (p *Pricer) snapshot(ctx context.Context, req Request, redeem bool) (Snapshot, error) {
	subtotal := decimal.Zero
	lines := make([]shipping.Line, 0, len(req.Items))
	for _, item := range req.Items {
		subtotal = subtotal.Add(domain.RoundMoney(item.UnitPrice.Mul(decimal.NewFromInt32(item.Quantity)), req.Currency))
		lines = append(lines, shipping.Line{WeightGrams: item.WeightGrams, Quantity: item.Quantity})
	}
	snap := Snapshot{Subtotal: subtotal, ShippingTotal: decimal.Zero, DiscountTotal: decimal.Zero, TaxTotal: decimal.Zero}

	// Без адреса доставка не считается, place всё равно потребует адрес.
	if req.Address != nil {
		quote, err := p.shipping.Quote(shipping.Request{
			Destination: shipping.Destination{
				Country:    req.Address.Country,
				State:      req.Address.State,
				City:       req.Address.City,
				PostalCode: req.Address.PostalCode,
			},
			Method:   req.ShippingMethod,
			Lines:    lines,
			Subtotal: subtotal,
			Currency: req.Currency,
		})
		if err != nil {
			return Snapshot{}, err
		}
		snap.ShippingTotal = quote.Amount
		snap.ShippingZone = quote.ZoneID
	}

	if code := strings.TrimSpace(req.PromotionCode); code != "" {
		promoReq := promotion.Request{Code: code, Subtotal: subtotal, Currency: req.Currency}
		var (
			res promotion.Result
			err error
		)
		if redeem {
			res, err = p.promotions.Redeem(ctx, promoReq)
		} else {
			res, err = p.promotions.Evaluate(ctx, promoReq)
		}
		if err != nil {
			return Snapshot{}, err
		}
		snap.DiscountTotal = res.Discount
		snap.PromotionCode = res.Code
	}

	taxable := subtotal.Sub(snap.DiscountTotal)
	if p.taxOnShip {
		taxable = taxable.Add(snap.ShippingTotal)
	}
	snap.TaxTotal = domain.RoundMoney(taxable.Mul(p.taxRate), req.Currency)

	p.logger.WithFields(log.Fields{
		"subtotal": subtotal.String(),
		"shipping": snap.ShippingTotal.String(),
		"discount": snap.DiscountTotal.String(),
		"tax":      snap.TaxTotal.String(),
		"zone":     snap.ShippingZone,
	}).Debug("pricing snapshot computed")

	return snap, nil
}
