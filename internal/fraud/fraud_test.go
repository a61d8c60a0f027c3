package fraud

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validEvent() TransactionEvent {
	return TransactionEvent{
		ID:       "tx_1",
		UserID:   "u1",
		Amount:   decimal.NewFromInt(50),
		Currency: "usd",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TransactionEvent)
		wantErr bool
	}{
		{"valid", func(*TransactionEvent) {}, false},
		{"missing id", func(e *TransactionEvent) { e.ID = "  " }, true},
		{"missing user", func(e *TransactionEvent) { e.UserID = "" }, true},
		{"zero amount", func(e *TransactionEvent) { e.Amount = decimal.Zero }, true},
		{"negative amount", func(e *TransactionEvent) { e.Amount = decimal.NewFromInt(-5) }, true},
		{"bad currency", func(e *TransactionEvent) { e.Currency = "dollars" }, true},
		{"empty currency allowed", func(e *TransactionEvent) { e.Currency = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := ev.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	var ev *TransactionEvent
	if err := ev.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil event, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := validEvent()
	ev.ID = " tx_1 "
	ev.Geo = &Geolocation{Lat: 1, Lon: 2, Country: " de "}

	n := ev.Normalize(now)
	if n.ID != "tx_1" {
		t.Errorf("expected trimmed id, got %q", n.ID)
	}
	if n.Currency != "USD" {
		t.Errorf("expected upper-case currency, got %q", n.Currency)
	}
	if !n.Timestamp.Equal(now) {
		t.Errorf("expected timestamp defaulted to now, got %v", n.Timestamp)
	}
	if n.Geo.Country != "DE" {
		t.Errorf("expected normalized country, got %q", n.Geo.Country)
	}
	if ev.Geo.Country != " de " {
		t.Error("Normalize must not mutate the original geolocation")
	}
}

func TestGeolocationValid(t *testing.T) {
	var nilGeo *Geolocation
	if nilGeo.Valid() {
		t.Error("nil geolocation should be invalid")
	}
	if !(&Geolocation{Lat: 52.5, Lon: 13.4}).Valid() {
		t.Error("Berlin should be valid")
	}
	if (&Geolocation{Lat: 91, Lon: 0}).Valid() {
		t.Error("lat 91 should be invalid")
	}
}

func TestAlertClone(t *testing.T) {
	a := &FraudAlert{ID: "alr_1", Explanation: []string{"high amount"}}
	c := a.Clone()
	c.Explanation[0] = "changed"
	if a.Explanation[0] != "high amount" {
		t.Error("Clone must deep-copy the explanation")
	}
}

func TestAlertClone_KeepsEmptyExplanation(t *testing.T) {
	a := &FraudAlert{ID: "alr_1", Explanation: []string{}}
	if c := a.Clone(); c.Explanation == nil {
		t.Error("Clone must keep an empty explanation as an empty list")
	}
}
