package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestInstrumentConstraints_ValidateAmount(t *testing.T) {
	c := &InstrumentConstraints{
		AmountDecimals:   2,
		IncrementSize:    dec("0.05"),
		MinimumTradeSize: dec("0.10"),
	}

	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"aligned amount", "1.25", false},
		{"exactly the minimum", "0.10", false},
		{"too many decimals", "1.255", true},
		{"not on increment", "1.27", true},
		{"below minimum", "0.05", true},
		{"whole number", "10", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateAmount(dec(tt.amount))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAmount(%s) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
			}
		})
	}
}

func TestInstrumentConstraints_ValidateAmount_NoConstraints(t *testing.T) {
	// Venue reported nothing: integer amounts pass, precheck is the authority.
	c := &InstrumentConstraints{}
	if err := c.ValidateAmount(dec("42")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInstrumentConstraints_ValidateOrderType(t *testing.T) {
	c := &InstrumentConstraints{
		SupportedOrderTypes: []OrderType{OrderMarket, OrderLimit},
	}

	if err := c.ValidateOrderType(OrderMarket); err != nil {
		t.Errorf("Market should be supported: %v", err)
	}
	if err := c.ValidateOrderType(OrderStop); err == nil {
		t.Error("Stop should be rejected")
	}

	empty := &InstrumentConstraints{}
	if err := empty.ValidateOrderType(OrderStop); err != nil {
		t.Errorf("empty support list should defer to precheck: %v", err)
	}
}

func TestInstrumentConstraints_ValidateDuration(t *testing.T) {
	c := &InstrumentConstraints{
		SupportedDurations: map[OrderType][]DurationType{
			OrderMarket: {DurationDayOrder, DurationImmediateOrCancel},
		},
	}

	if err := c.ValidateDuration(OrderMarket, DurationDayOrder); err != nil {
		t.Errorf("DayOrder should be supported: %v", err)
	}
	if err := c.ValidateDuration(OrderMarket, DurationGoodTillCancel); err == nil {
		t.Error("GoodTillCancel should be rejected for Market")
	}
	// Unreported order type defers to precheck.
	if err := c.ValidateDuration(OrderLimit, DurationGoodTillCancel); err != nil {
		t.Errorf("unreported order type should pass: %v", err)
	}
}

func TestPosition_Direction(t *testing.T) {
	tests := []struct {
		name    string
		qty     string
		isLong  bool
		isShort bool
	}{
		{"Long", "100", true, false},
		{"Short", "-100", false, true},
		{"Flat", "0", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{NetQuantity: dec(tt.qty)}
			if got := p.IsLong(); got != tt.isLong {
				t.Errorf("Position.IsLong() = %v, want %v", got, tt.isLong)
			}
			if got := p.IsShort(); got != tt.isShort {
				t.Errorf("Position.IsShort() = %v, want %v", got, tt.isShort)
			}
		})
	}
}
