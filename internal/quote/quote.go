package quote

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"workyield/internal/config"
	"workyield/internal/domain"
	"workyield/internal/engine"
	"workyield/internal/pricing"
)

// Builder assembles quote drafts against the service catalog.
type Builder struct {
	Config *config.Config
}

func NewBuilder(cfg *config.Config) Builder {
	return Builder{Config: cfg}
}

// Draft is a quote under construction. Totals are never stored on the
// draft; they are recomputed from the parts on every read so edits can
// never leave a stale price behind.
type Draft struct {
	Number        string           `yaml:"number"`
	Customer      domain.Customer  `yaml:"customer"`
	ServiceType   string           `yaml:"service_type,omitempty"`
	Priority      string           `yaml:"priority,omitempty"`
	Category      string           `yaml:"category,omitempty"`
	Description   string           `yaml:"description,omitempty"`
	Instructions  string           `yaml:"instructions,omitempty"`
	ScheduledDate string           `yaml:"scheduled_date,omitempty"`
	Units         []domain.Unit    `yaml:"-"`
	Misc          domain.MiscCosts `yaml:"misc,omitempty"`
	Labor         domain.Labor     `yaml:"labor,omitempty"`
	MarginPercent float64          `yaml:"margin_percent"`
	ToBeTokenized bool             `yaml:"to_be_tokenized"`
}

// Totals is the computed money view of a draft.
type Totals struct {
	Subtotal        float64 `json:"subtotal"`
	MarginPercent   float64 `json:"margin_percent"`
	CustomerPrice   float64 `json:"customer_price"`
	EstimatedTokens float64 `json:"estimated_tokens,omitempty"`
}

// NewDraft seeds a draft with the configured defaults.
func (b Builder) NewDraft() Draft {
	return Draft{
		MarginPercent: b.Config.Pricing.DefaultMarginPercent,
		Labor:         domain.Labor{Rate: b.Config.Pricing.LaborRate},
	}
}

// AddUnit appends a unit to the draft.
func (d *Draft) AddUnit(u domain.Unit) {
	d.Units = append(d.Units, u)
}

// SelectService copies a catalog entry onto a unit by value, so later
// catalog edits never reprice an existing draft.
func (b Builder) SelectService(d *Draft, unitIndex int, serviceID string) error {
	if unitIndex < 0 || unitIndex >= len(d.Units) {
		return fmt.Errorf("unit index %d out of range", unitIndex)
	}
	svc, ok := b.Config.Service(serviceID)
	if !ok {
		return fmt.Errorf("service %s not in catalog", serviceID)
	}
	d.Units[unitIndex].Services = append(d.Units[unitIndex].Services, domain.ServiceLine{
		ServiceID: svc.ID,
		Name:      svc.Name,
		Category:  svc.Category,
		Cost:      svc.Cost,
	})
	return nil
}

// Totals recomputes subtotal, price and the token estimate from the
// draft parts.
func (b Builder) Totals(d Draft) (Totals, error) {
	subtotal := pricing.Subtotal(d.Units, d.Misc, d.Labor)
	price, err := pricing.CustomerPrice(subtotal, d.MarginPercent)
	if err != nil {
		return Totals{}, err
	}
	t := Totals{
		Subtotal:      pricing.Round2(subtotal),
		MarginPercent: d.MarginPercent,
		CustomerPrice: price,
	}
	if d.ToBeTokenized && subtotal > 0 {
		tokens, err := pricing.MintQuantity(subtotal, b.Config.Tokenization.ScaleFactor)
		if err != nil {
			return Totals{}, err
		}
		t.EstimatedTokens = tokens
	}
	return t, nil
}

// Finalize validates the draft and converts it into creation options
// for the order store. The draft itself is not persisted.
func (b Builder) Finalize(d Draft, actorID string) (engine.OrderCreateOptions, error) {
	if d.Number == "" {
		return engine.OrderCreateOptions{}, fmt.Errorf("quote number required")
	}
	if d.Customer.Name == "" {
		return engine.OrderCreateOptions{}, fmt.Errorf("customer name required")
	}
	totals, err := b.Totals(d)
	if err != nil {
		return engine.OrderCreateOptions{}, err
	}
	if totals.Subtotal <= 0 {
		return engine.OrderCreateOptions{}, fmt.Errorf("quote has no cost: add services, labor or misc costs")
	}
	return engine.OrderCreateOptions{
		Number:        d.Number,
		Customer:      d.Customer,
		ServiceType:   d.ServiceType,
		Priority:      d.Priority,
		Category:      d.Category,
		Description:   d.Description,
		Instructions:  d.Instructions,
		Cost:          totals.Subtotal,
		ScheduledDate: d.ScheduledDate,
		ToBeTokenized: d.ToBeTokenized,
		Units:         d.Units,
		Misc:          d.Misc,
		Labor:         d.Labor,
		MarginPercent: d.MarginPercent,
		CustomerPrice: totals.CustomerPrice,
		ActorID:       actorID,
	}, nil
}

// draftFile is the on-disk draft shape: unit services are catalog ids
// resolved against the config at load time.
type draftFile struct {
	Draft `yaml:",inline"`
	Units []struct {
		Name     string   `yaml:"name"`
		Type     string   `yaml:"type,omitempty"`
		Brand    string   `yaml:"brand,omitempty"`
		Model    string   `yaml:"model,omitempty"`
		Serial   string   `yaml:"serial,omitempty"`
		Services []string `yaml:"services,omitempty"`
	} `yaml:"units,omitempty"`
}

// LoadDraft reads a draft YAML file and resolves its service ids
// against the catalog.
func (b Builder) LoadDraft(path string) (Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Draft{}, err
	}
	return b.ParseDraft(data)
}

// ParseDraft resolves a raw YAML draft.
func (b Builder) ParseDraft(data []byte) (Draft, error) {
	var file draftFile
	file.Draft = b.NewDraft()
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Draft{}, fmt.Errorf("invalid draft yaml: %w", err)
	}
	d := file.Draft
	if d.Labor.Rate == 0 && d.Labor.Hours > 0 {
		d.Labor.Rate = b.Config.Pricing.LaborRate
	}
	for i, u := range file.Units {
		d.AddUnit(domain.Unit{
			Name:   u.Name,
			Type:   u.Type,
			Brand:  u.Brand,
			Model:  u.Model,
			Serial: u.Serial,
		})
		for _, id := range u.Services {
			if err := b.SelectService(&d, i, id); err != nil {
				return Draft{}, err
			}
		}
	}
	return d, nil
}
