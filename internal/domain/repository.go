package domain

import "time"

// OrderRepository описывает требования к хранилищу заказов.
// Create и Save записывают заказ и его события атомарно.
type OrderRepository interface {
	// Create сохраняет новый заказ. ErrOrderAlreadyExists, если ID или номер заняты.
	Create(order Order, events []Event) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// ListByCustomer возвращает заказы клиента арендатора, новые первыми.
	ListByCustomer(tenantID, customerID string, limit int) ([]Order, error)
	// ListExpiredReservations возвращает PLACED-заказы с резервом, истёкшим до before.
	ListExpiredReservations(before time.Time, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking и увеличивает Version.
	Save(order Order, events []Event) error
}
