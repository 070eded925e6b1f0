package export

import (
	"strings"
	"testing"
	"time"

	"workyield/internal/config"
	"workyield/internal/domain"
)

func sampleOrder() domain.WorkOrder {
	return domain.WorkOrder{
		Number:   "WO-1042",
		Customer: domain.Customer{Name: "Harbor Plaza Mgmt"},
		Units: []domain.Unit{{
			Name: "RTU-1",
			Services: []domain.ServiceLine{
				{ServiceID: "hvac.tuneup", Name: "Seasonal tune-up", Cost: 180},
				{ServiceID: "hvac.coil_clean", Name: "Coil cleaning", Cost: 220},
			},
		}},
		Labor:         domain.Labor{Hours: 2, Rate: 85},
		Misc:          domain.MiscCosts{Trip: 40},
		Cost:          610,
		MarginPercent: 30,
		CustomerPrice: 871.43,
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != FlatRate {
		t.Fatalf("empty mode should default to flat_rate, got %v %v", m, err)
	}
	if _, err := ParseMode("fancy"); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestBuildFlatRate(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	doc, err := Build(config.Default(), sampleOrder(), FlatRate, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc.Total != 871.43 {
		t.Fatalf("total = %v, want 871.43", doc.Total)
	}
	if len(doc.Lines) != 0 {
		t.Fatalf("flat_rate should carry no lines, got %d", len(doc.Lines))
	}
	if doc.Business != "ClimateWorks Field Services" {
		t.Fatalf("business = %q", doc.Business)
	}
}

func TestBuildItemized(t *testing.T) {
	doc, err := Build(config.Default(), sampleOrder(), Itemized, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// two service lines, labor, trip charge
	if len(doc.Lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(doc.Lines))
	}
	if doc.Lines[0].Label != "RTU-1: Seasonal tune-up" {
		t.Fatalf("line label = %q", doc.Lines[0].Label)
	}
	// 180 / 0.7 = 257.14 customer-facing
	if doc.Lines[0].Amount != 257.14 {
		t.Fatalf("line amount = %v, want 257.14", doc.Lines[0].Amount)
	}
	if !doc.ShowAmounts {
		t.Fatal("itemized should show amounts")
	}
	out := doc.Render()
	if !strings.Contains(out, "871.43") || !strings.Contains(out, "Coil cleaning") {
		t.Fatalf("render missing content:\n%s", out)
	}
}

func TestBuildHidden(t *testing.T) {
	doc, err := Build(config.Default(), sampleOrder(), Hidden, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc.Total != 0 || doc.ShowAmounts {
		t.Fatal("hidden mode must not expose prices")
	}
	for _, l := range doc.Lines {
		if l.Amount != 0 {
			t.Fatalf("hidden line %q carries amount %v", l.Label, l.Amount)
		}
	}
	out := doc.Render()
	if strings.Contains(out, "257.14") {
		t.Fatalf("render leaked a price:\n%s", out)
	}
}

func TestDocumentIsSnapshot(t *testing.T) {
	o := sampleOrder()
	doc, err := Build(config.Default(), o, Itemized, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	o.CustomerPrice = 9999
	o.Units[0].Services[0].Cost = 1
	if doc.Total != 871.43 || doc.Lines[0].Amount != 257.14 {
		t.Fatal("document changed after order edit")
	}
}
