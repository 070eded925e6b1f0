package quote

import (
	"strings"
	"testing"

	"workyield/internal/config"
	"workyield/internal/domain"
)

func builder() Builder {
	return NewBuilder(config.Default())
}

func TestSelectServiceCopiesByValue(t *testing.T) {
	b := builder()
	d := b.NewDraft()
	d.AddUnit(domain.Unit{Name: "RTU-1", Type: "rooftop"})
	if err := b.SelectService(&d, 0, "hvac.tuneup"); err != nil {
		t.Fatalf("select service: %v", err)
	}

	// Mutating the catalog after selection must not reprice the draft.
	for i := range b.Config.Catalog {
		if b.Config.Catalog[i].ID == "hvac.tuneup" {
			b.Config.Catalog[i].Cost = 999
		}
	}
	if got := d.Units[0].Services[0].Cost; got != 180 {
		t.Fatalf("service line cost = %v, want the cost at selection time (180)", got)
	}

	if err := b.SelectService(&d, 0, "hvac.nonsense"); err == nil {
		t.Fatal("unknown service id should fail")
	}
	if err := b.SelectService(&d, 5, "hvac.tuneup"); err == nil {
		t.Fatal("out-of-range unit index should fail")
	}
}

func TestTotalsRecompute(t *testing.T) {
	b := builder()
	d := b.NewDraft()
	d.MarginPercent = 30
	d.AddUnit(domain.Unit{Name: "AHU-2"})
	if err := b.SelectService(&d, 0, "hvac.compressor"); err != nil {
		t.Fatalf("select: %v", err)
	}
	d.Labor = domain.Labor{Hours: 2, Rate: 85}
	d.Misc = domain.MiscCosts{Trip: 40}
	d.ToBeTokenized = true

	totals, err := b.Totals(d)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	// 1450 + 170 + 40 = 1660 at cost
	if totals.Subtotal != 1660 {
		t.Fatalf("subtotal = %v, want 1660", totals.Subtotal)
	}
	if totals.CustomerPrice != 2371.43 {
		t.Fatalf("customer price = %v, want 2371.43", totals.CustomerPrice)
	}
	if totals.EstimatedTokens != 1.66 {
		t.Fatalf("estimated tokens = %v, want 1.66", totals.EstimatedTokens)
	}

	// Edits reprice on the next read.
	d.Misc.Trip = 0
	totals, err = b.Totals(d)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Subtotal != 1620 {
		t.Fatalf("subtotal after edit = %v, want 1620", totals.Subtotal)
	}
}

func TestFinalize(t *testing.T) {
	b := builder()
	d := b.NewDraft()
	d.Number = "WO-3001"
	d.Customer = domain.Customer{Name: "Pat Reyes"}
	d.MarginPercent = 30
	d.ToBeTokenized = true
	d.AddUnit(domain.Unit{Name: "RTU-1"})
	if err := b.SelectService(&d, 0, "hvac.tuneup"); err != nil {
		t.Fatalf("select: %v", err)
	}

	opts, err := b.Finalize(d, "dispatcher")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if opts.Cost != 180 {
		t.Fatalf("cost = %v, want 180", opts.Cost)
	}
	if opts.CustomerPrice != 257.14 {
		t.Fatalf("customer price = %v, want 257.14", opts.CustomerPrice)
	}
	if !opts.ToBeTokenized {
		t.Fatal("tokenization flag dropped")
	}

	empty := b.NewDraft()
	empty.Number = "WO-3002"
	empty.Customer = domain.Customer{Name: "x"}
	if _, err := b.Finalize(empty, ""); err == nil || !strings.Contains(err.Error(), "no cost") {
		t.Fatalf("empty quote should fail, got %v", err)
	}
	noName := d
	noName.Customer.Name = ""
	if _, err := b.Finalize(noName, ""); err == nil {
		t.Fatal("missing customer should fail")
	}
}

func TestParseDraft(t *testing.T) {
	b := builder()
	d, err := b.ParseDraft([]byte(`
number: WO-3100
customer:
  name: Harbor Plaza Mgmt
  phone: "555-0101"
service_type: maintenance
to_be_tokenized: true
margin_percent: 25
labor:
  hours: 3
misc:
  trip: 40
units:
  - name: RTU-1
    type: rooftop
    services: [hvac.tuneup, hvac.coil_clean]
`))
	if err != nil {
		t.Fatalf("parse draft: %v", err)
	}
	if len(d.Units) != 1 || len(d.Units[0].Services) != 2 {
		t.Fatalf("units not resolved: %+v", d.Units)
	}
	if d.Labor.Rate != 85 {
		t.Fatalf("labor rate should default from config, got %v", d.Labor.Rate)
	}
	totals, err := b.Totals(d)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	// 180 + 220 + 255 + 40 = 695
	if totals.Subtotal != 695 {
		t.Fatalf("subtotal = %v, want 695", totals.Subtotal)
	}

	if _, err := b.ParseDraft([]byte("units:\n  - name: x\n    services: [no.such]\n")); err == nil {
		t.Fatal("unknown catalog id should fail")
	}
}
