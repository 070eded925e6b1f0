package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"workyield/internal/config"
	"workyield/internal/domain"
	"workyield/internal/pricing"
)

// DisplayMode controls how prices appear on a customer document.
type DisplayMode string

const (
	// FlatRate shows a single total with no line detail.
	FlatRate DisplayMode = "flat_rate"
	// Itemized shows every priced line plus the total.
	Itemized DisplayMode = "itemized"
	// Hidden lists the work performed without any amounts.
	Hidden DisplayMode = "hidden"
)

func ParseMode(s string) (DisplayMode, error) {
	switch DisplayMode(s) {
	case FlatRate, Itemized, Hidden:
		return DisplayMode(s), nil
	case "":
		return FlatRate, nil
	}
	return "", fmt.Errorf("unknown display mode %q (flat_rate, itemized, hidden)", s)
}

type LineItem struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount,omitempty"`
}

// Document is a point-in-time customer snapshot of an order. It is
// generated from the stored order and never written back, so later
// edits to the order do not alter a document already handed out.
type Document struct {
	Business    string          `json:"business"`
	Number      string          `json:"number"`
	Customer    domain.Customer `json:"customer"`
	Mode        DisplayMode     `json:"mode"`
	Lines       []LineItem      `json:"lines,omitempty"`
	Total       float64         `json:"total,omitempty"`
	ShowAmounts bool            `json:"show_amounts"`
	GeneratedAt string          `json:"generated_at"`
}

// Build assembles a document for an order in the requested mode.
// Itemized lines carry the customer-facing amount: each internal cost
// marked up by the order margin, same formula as the total.
func Build(cfg *config.Config, o domain.WorkOrder, mode DisplayMode, now time.Time) (Document, error) {
	doc := Document{
		Business:    cfg.Business.Name,
		Number:      o.Number,
		Customer:    o.Customer,
		Mode:        mode,
		ShowAmounts: mode == Itemized,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
	switch mode {
	case FlatRate:
		doc.Total = o.CustomerPrice
		return doc, nil
	case Itemized:
		doc.Lines = itemize(o, true)
		doc.Total = o.CustomerPrice
		return doc, nil
	case Hidden:
		doc.Lines = itemize(o, false)
		return doc, nil
	}
	return Document{}, fmt.Errorf("unknown display mode %q", mode)
}

func itemize(o domain.WorkOrder, priced bool) []LineItem {
	markup := func(cost float64) float64 {
		if !priced {
			return 0
		}
		price, err := pricing.CustomerPrice(cost, o.MarginPercent)
		if err != nil {
			return 0
		}
		return price
	}
	var lines []LineItem
	for _, u := range o.Units {
		for _, s := range u.Services {
			label := s.Name
			if u.Name != "" {
				label = u.Name + ": " + s.Name
			}
			lines = append(lines, LineItem{Label: label, Amount: markup(s.Cost)})
		}
	}
	if o.Labor.Hours > 0 {
		lines = append(lines, LineItem{
			Label:  fmt.Sprintf("Labor (%.1f h)", o.Labor.Hours),
			Amount: markup(o.Labor.Hours * o.Labor.Rate),
		})
	}
	for _, m := range []struct {
		label string
		cost  float64
	}{
		{"Delivery", o.Misc.Delivery},
		{"Equipment rental", o.Misc.Rental},
		{"Trip charge", o.Misc.Trip},
		{"Consumables", o.Misc.Consumables},
	} {
		if m.cost > 0 {
			lines = append(lines, LineItem{Label: m.label, Amount: markup(m.cost)})
		}
	}
	if len(lines) == 0 && o.Description != "" {
		lines = append(lines, LineItem{Label: o.Description, Amount: markup(o.Cost)})
	}
	return lines
}

// Render writes the document as a printable table.
func (d Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", d.Business)
	fmt.Fprintf(&b, "Quote %s for %s\n", d.Number, d.Customer.Name)
	t := table.NewWriter()
	t.SetOutputMirror(&b)
	if d.ShowAmounts {
		t.AppendHeader(table.Row{"Item", "Amount"})
		for _, l := range d.Lines {
			t.AppendRow(table.Row{l.Label, fmt.Sprintf("%.2f", l.Amount)})
		}
		t.AppendFooter(table.Row{"Total", fmt.Sprintf("%.2f", d.Total)})
	} else {
		t.AppendHeader(table.Row{"Item"})
		for _, l := range d.Lines {
			t.AppendRow(table.Row{l.Label})
		}
		if d.Mode == FlatRate {
			t.AppendFooter(table.Row{fmt.Sprintf("Total %.2f", d.Total)})
		}
	}
	t.Render()
	return b.String()
}
