package domain

import "time"

// ReservationStatus отражает статус удержания стока в Core.
type ReservationStatus string

const (
	// ReservationStatusHeld: сток удержан до ExpiresAt.
	ReservationStatusHeld ReservationStatus = "held"
	// ReservationStatusReleased: резерв снят (например, при отмене заказа).
	ReservationStatusReleased ReservationStatus = "released"
	// ReservationStatusCommitted: резерв превращён в списание после оплаты.
	ReservationStatusCommitted ReservationStatus = "committed"
)

// Reservation ссылается на резерв в Core. У заказа не больше одного активного резерва.
type Reservation struct {
	ID        string
	OrderID   string
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active сообщает, удерживает ли резерв сток на момент now.
func (r *Reservation) Active(now time.Time) bool {
	return r != nil && r.Status == ReservationStatusHeld && now.Before(r.ExpiresAt)
}

// Expired сообщает, что удержание истекло, а резерв не снят и не списан.
func (r *Reservation) Expired(now time.Time) bool {
	return r != nil && r.Status == ReservationStatusHeld && !now.Before(r.ExpiresAt)
}

// ReservationLine описывает строку пакетного запроса к складу.
type ReservationLine struct {
	ProductID string
	VariantID string
	Quantity  int32
}

// Validate проверяет строку резерва.
func (l ReservationLine) Validate() []error {
	var errs []error

	if l.ProductID == "" {
		errs = append(errs, ErrReservationProductRequired)
	}
	if l.Quantity <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}

	return errs
}

// StockStatus определяет статус наличия по строке.
type StockStatus string

const (
	StockStatusInStock    StockStatus = "IN_STOCK"
	StockStatusLowStock   StockStatus = "LOW_STOCK"
	StockStatusOutOfStock StockStatus = "OUT_OF_STOCK"
	StockStatusBackorder  StockStatus = "BACKORDER"
)

// AvailabilityResult содержит ответ склада по одной строке. Не сохраняется.
type AvailabilityResult struct {
	ProductID   string
	VariantID   string
	Requested   int32
	Available   int32
	Status      StockStatus
	CanPurchase bool
}

// ReservationResult содержит ответ склада на пакетный резерв.
type ReservationResult struct {
	Success       bool
	ReservationID string
	ExpiresAt     time.Time
	Lines         []AvailabilityResult
}

// UnavailableLines возвращает строки, которые нельзя купить.
func (r ReservationResult) UnavailableLines() []AvailabilityResult {
	var out []AvailabilityResult
	for _, line := range r.Lines {
		if !line.CanPurchase {
			out = append(out, line)
		}
	}
	return out
}
