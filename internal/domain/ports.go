package domain

import (
	"context"
	"time"
)

// InventoryService описывает контракт склада Core. Все вызовы сетевые и блокирующие.
type InventoryService interface {
	// CheckAvailability только читает остатки.
	CheckAvailability(ctx context.Context, lines []ReservationLine) ([]AvailabilityResult, error)
	// Reserve удерживает все строки атомарно: либо все, либо ни одной.
	// Повтор с тем же idempotencyKey возвращает прежний ответ; пустой ключ строится из orderID.
	Reserve(ctx context.Context, orderID, idempotencyKey string, lines []ReservationLine) (ReservationResult, error)
	// Release снимает резерв; повторный вызов и снятие истёкшего резерва успешны.
	Release(ctx context.Context, reservationID string) error
}

// OutboxPublisher доставляет события из transactional outbox наружу.
type OutboxPublisher interface {
	// Publish должен быть идемпотентным по ID сообщения.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository хранит события до подтверждённой публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OrderNumberGenerator выдаёт человекочитаемые номера, уникальные в пределах арендатора.
type OrderNumberGenerator interface {
	Next(tenantID string) (string, error)
}

// OutboxStatus определяет состояние записи outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage хранит сериализованное событие для публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
