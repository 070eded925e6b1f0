package pricing_test

import (
	"errors"
	"math"
	"testing"

	"workyield/internal/domain"
	"workyield/internal/pricing"
)

func unitWith(costs ...float64) domain.Unit {
	u := domain.Unit{Name: "unit"}
	for _, c := range costs {
		u.Services = append(u.Services, domain.ServiceLine{ServiceID: "svc", Cost: c})
	}
	return u
}

func TestSubtotalSumsAllParts(t *testing.T) {
	units := []domain.Unit{unitWith(100, 250.50), unitWith(49.50)}
	misc := domain.MiscCosts{Delivery: 25, Rental: 10, Trip: 15, Consumables: 5.25}
	labor := domain.Labor{Hours: 3, Rate: 80}
	got := pricing.Subtotal(units, misc, labor)
	want := 100 + 250.50 + 49.50 + 3*80 + 25 + 10 + 15 + 5.25
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("subtotal = %v, want %v", got, want)
	}
}

func TestSubtotalOrderIndependent(t *testing.T) {
	a := []domain.Unit{unitWith(10, 20), unitWith(30)}
	b := []domain.Unit{unitWith(30), unitWith(20, 10)}
	misc := domain.MiscCosts{Trip: 7}
	labor := domain.Labor{Hours: 1.5, Rate: 60}
	if pricing.Subtotal(a, misc, labor) != pricing.Subtotal(b, misc, labor) {
		t.Fatalf("subtotal depends on ordering")
	}
}

func TestSubtotalCoercesBadInputs(t *testing.T) {
	units := []domain.Unit{unitWith(-50, math.NaN(), 100)}
	misc := domain.MiscCosts{Delivery: -25, Rental: math.Inf(1)}
	labor := domain.Labor{Hours: -2, Rate: 80}
	if got := pricing.Subtotal(units, misc, labor); got != 100 {
		t.Fatalf("subtotal = %v, want 100", got)
	}
}

func TestSubtotalEmpty(t *testing.T) {
	if got := pricing.Subtotal(nil, domain.MiscCosts{}, domain.Labor{}); got != 0 {
		t.Fatalf("empty subtotal = %v", got)
	}
}

func TestCustomerPrice(t *testing.T) {
	got, err := pricing.CustomerPrice(1000, 30)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// 1000 / 0.7 = 1428.5714... rounds to 1428.57
	if got != 1428.57 {
		t.Fatalf("price = %v, want 1428.57", got)
	}
}

func TestCustomerPriceScenario(t *testing.T) {
	got, err := pricing.CustomerPrice(12500, 30)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if got != 17857.14 {
		t.Fatalf("price = %v, want 17857.14", got)
	}
}

func TestCustomerPriceZeroSubtotal(t *testing.T) {
	got, err := pricing.CustomerPrice(0, 30)
	if err != nil || got != 0 {
		t.Fatalf("price = %v, err = %v", got, err)
	}
	got, err = pricing.CustomerPrice(-10, 30)
	if err != nil || got != 0 {
		t.Fatalf("negative subtotal price = %v, err = %v", got, err)
	}
}

func TestCustomerPriceRejectsDegenerateMargin(t *testing.T) {
	for _, margin := range []float64{100, 150} {
		_, err := pricing.CustomerPrice(1000, margin)
		var me pricing.MarginError
		if !errors.As(err, &me) {
			t.Fatalf("margin %v: expected MarginError, got %v", margin, err)
		}
	}
}

func TestCustomerPriceClampsNegativeMargin(t *testing.T) {
	got, err := pricing.CustomerPrice(1000, -10)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if got != 1000 {
		t.Fatalf("price = %v, want 1000 at clamped 0%% margin", got)
	}
}

func TestMintQuantity(t *testing.T) {
	got, err := pricing.MintQuantity(12500, 1000)
	if err != nil {
		t.Fatalf("quantity: %v", err)
	}
	if got != 12.5 {
		t.Fatalf("quantity = %v, want 12.5", got)
	}
}

func TestMintQuantityRejectsBadScale(t *testing.T) {
	for _, scale := range []float64{0, -1000} {
		_, err := pricing.MintQuantity(12500, scale)
		var se pricing.ScaleError
		if !errors.As(err, &se) {
			t.Fatalf("scale %v: expected ScaleError, got %v", scale, err)
		}
	}
}
