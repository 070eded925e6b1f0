package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"workyield/internal/domain"
)

// Config models workyield.yml.
type Config struct {
	Business struct {
		Name         string `yaml:"name"`
		DefaultActor string `yaml:"default_actor"`
	} `yaml:"business"`
	Pricing struct {
		DefaultMarginPercent float64 `yaml:"default_margin_percent"`
		LaborRate            float64 `yaml:"labor_rate"`
	} `yaml:"pricing"`
	Tokenization struct {
		ScaleFactor    float64 `yaml:"scale_factor"`
		ReservePercent float64 `yaml:"reserve_percent"`
		TokenSymbol    string  `yaml:"token_symbol"`
	} `yaml:"tokenization"`
	Ledger struct {
		BaseURL   string `yaml:"base_url"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"ledger"`
	Catalog  []domain.Service `yaml:"catalog"`
	Webhooks []WebhookConfig  `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Business.Name == "" {
		return fmt.Errorf("config.business.name is required")
	}
	if c.Tokenization.ScaleFactor <= 0 {
		return fmt.Errorf("config.tokenization.scale_factor must be positive")
	}
	if c.Tokenization.ReservePercent < 0 || c.Tokenization.ReservePercent >= 100 {
		return fmt.Errorf("config.tokenization.reserve_percent must be in [0,100)")
	}
	if c.Pricing.DefaultMarginPercent < 0 || c.Pricing.DefaultMarginPercent >= 100 {
		return fmt.Errorf("config.pricing.default_margin_percent must be in [0,100)")
	}
	seen := map[string]bool{}
	for _, s := range c.Catalog {
		if s.ID == "" {
			return fmt.Errorf("catalog entry %q has empty id", s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("catalog id %s duplicated", s.ID)
		}
		seen[s.ID] = true
		if s.Cost < 0 {
			return fmt.Errorf("catalog entry %s has negative cost", s.ID)
		}
	}
	return nil
}

// Service looks up a catalog entry by id.
func (c *Config) Service(id string) (domain.Service, bool) {
	for _, s := range c.Catalog {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Service{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workyield.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run wy init or write one from the default template", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to the default config when workyield.yml is
// missing.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in default config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `business:
  name: ClimateWorks Field Services
  default_actor: dispatcher

pricing:
  default_margin_percent: 30
  labor_rate: 85

tokenization:
  scale_factor: 1000
  reserve_percent: 10
  token_symbol: WYT

ledger:
  base_url: http://localhost:8799
  jwt_secret: ""

catalog:
  - id: hvac.tuneup
    name: "Seasonal tune-up"
    category: maintenance
    cost: 180
  - id: hvac.coil_clean
    name: "Coil cleaning"
    category: maintenance
    cost: 220
  - id: hvac.refrigerant
    name: "Refrigerant recharge"
    category: repair
    cost: 350
  - id: hvac.compressor
    name: "Compressor replacement"
    category: repair
    cost: 1450
  - id: hvac.thermostat
    name: "Smart thermostat install"
    category: install
    cost: 310
  - id: hvac.duct_seal
    name: "Duct sealing"
    category: install
    cost: 540
  - id: hvac.full_install
    name: "Full system installation"
    category: install
    cost: 6200
`
