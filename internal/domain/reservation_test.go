package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestReservationActiveAndExpired(t *testing.T) {
	now := time.Now().UTC()
	res := &Reservation{ID: "r", Status: ReservationStatusHeld, ExpiresAt: now.Add(time.Minute)}

	if !res.Active(now) || res.Expired(now) {
		t.Fatal("fresh held reservation must be active")
	}
	if res.Active(now.Add(2*time.Minute)) || !res.Expired(now.Add(2*time.Minute)) {
		t.Fatal("reservation past ExpiresAt must be expired")
	}

	res.Status = ReservationStatusReleased
	if res.Active(now) || res.Expired(now.Add(2*time.Minute)) {
		t.Fatal("released reservation is neither active nor expired")
	}

	var nilRes *Reservation
	if nilRes.Active(now) || nilRes.Expired(now) {
		t.Fatal("nil reservation is neither active nor expired")
	}
}

func TestReservationLineValidate(t *testing.T) {
	if errs := (ReservationLine{ProductID: "p", Quantity: 1}).Validate(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if errs := (ReservationLine{Quantity: 0}).Validate(); len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
}

func TestReservationResultUnavailableLines(t *testing.T) {
	res := ReservationResult{Lines: []AvailabilityResult{
		{ProductID: "a", CanPurchase: true},
		{ProductID: "b", CanPurchase: false, Status: StockStatusOutOfStock},
	}}

	lines := res.UnavailableLines()
	if len(lines) != 1 || lines[0].ProductID != "b" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestNewEventCarriesOrderIdentity(t *testing.T) {
	order := Order{ID: "o-1", OrderNumber: "ACME-000007", TenantID: "t-1", GrandTotal: decimal.RequireFromString("29.50")}
	ev := NewEvent(EventOrderPlaced, order, map[string]any{"reservation_id": "r-1"}, time.Now())

	if ev.ID == "" || ev.Type != EventOrderPlaced {
		t.Fatalf("unexpected event: %+v", ev)
	}
	for _, key := range []string{"order_id", "order_number", "tenant_id", "reservation_id"} {
		if _, ok := ev.Payload[key]; !ok {
			t.Fatalf("payload misses %s", key)
		}
	}

	msg, err := ev.ToOutboxMessage()
	if err != nil {
		t.Fatalf("to outbox: %v", err)
	}
	if msg.ID != ev.ID || msg.AggregateID != "o-1" || msg.EventType != string(EventOrderPlaced) {
		t.Fatalf("unexpected outbox message: %+v", msg)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.OrderNumber != "ACME-000007" {
		t.Fatalf("order number lost: %+v", decoded)
	}
}

func TestRoundMoney(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"1.005", "USD", "1.01"},
		{"1.004", "USD", "1"},
		{"99.5", "JPY", "100"},
		{"2.345", "eur", "2.35"},
	}
	for _, tc := range cases {
		got := RoundMoney(decimal.RequireFromString(tc.amount), tc.currency)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("RoundMoney(%s, %s) = %s, want %s", tc.amount, tc.currency, got, tc.want)
		}
	}
}
