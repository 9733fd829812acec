package domain

import "time"

// TimelineEvent хранит запись истории заказа для операторов.
// Version равна версии заказа после перехода; пара (Version, Type) уникальна в истории заказа.
type TimelineEvent struct {
	OrderID  string
	Version  int64
	Type     string
	Status   OrderStatus
	Reason   string
	Occurred time.Time
}
