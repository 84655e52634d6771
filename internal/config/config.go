package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models threatline.yml.
type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		BasePath    string `yaml:"base_path"`
		AdminSecret string `yaml:"admin_secret"`
		RateLimit   struct {
			PerSecond float64 `yaml:"per_second"`
			Burst     int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Sim struct {
		TickSeconds     int     `yaml:"tick_seconds"`
		CooldownMinutes int     `yaml:"cooldown_minutes"`
		BaseRate        float64 `yaml:"base_rate"`
	} `yaml:"sim"`
	Templates []TemplateConfig `yaml:"templates"`
	Webhooks  []WebhookConfig  `yaml:"webhooks"`
}

// TemplateConfig is one threat definition in the catalog section.
type TemplateConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Zone            string   `yaml:"zone"`
	Theme           string   `yaml:"theme"`
	PrimaryStat     string   `yaml:"primary_stat"`
	RequiredSkills  []string `yaml:"required_skills"`
	Difficulty      int      `yaml:"difficulty"`
	LifetimeMinutes int      `yaml:"lifetime_minutes"`
}

// WebhookConfig is one outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl config init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sim.TickSeconds <= 0 {
		return fmt.Errorf("config.sim.tick_seconds must be positive")
	}
	if c.Sim.CooldownMinutes < 0 {
		return fmt.Errorf("config.sim.cooldown_minutes must not be negative")
	}
	if c.Sim.BaseRate <= 0 {
		return fmt.Errorf("config.sim.base_rate must be positive")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates must list at least one threat template")
	}
	seen := map[string]bool{}
	for _, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("config.templates contains entry without id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate template id %s", t.ID)
		}
		seen[t.ID] = true
		if t.Name == "" {
			return fmt.Errorf("template %s: name is required", t.ID)
		}
		if t.Zone == "" {
			return fmt.Errorf("template %s: zone is required", t.ID)
		}
		switch t.PrimaryStat {
		case "courage", "investigation", "occultism":
		default:
			return fmt.Errorf("template %s: unknown primary_stat %q", t.ID, t.PrimaryStat)
		}
		if t.LifetimeMinutes <= 0 {
			return fmt.Errorf("template %s: lifetime_minutes must be positive", t.ID)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// TickInterval returns the scheduler cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Sim.TickSeconds) * time.Second
}

// Cooldown returns the post-termination quiet period.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Sim.CooldownMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "threatline.yml")
}

// Default returns the built-in config with the stock template catalog.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("built-in default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Server.RateLimit.PerSecond == 0 {
		c.Server.RateLimit.PerSecond = 10
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 20
	}
	if c.Sim.TickSeconds == 0 {
		c.Sim.TickSeconds = 1
	}
	if c.Sim.CooldownMinutes == 0 {
		c.Sim.CooldownMinutes = 10
	}
	if c.Sim.BaseRate == 0 {
		c.Sim.BaseRate = 0.02
	}
}

const defaultTemplate = `server:
  addr: "127.0.0.1:8080"
  base_path: /v0
  admin_secret: ""
  rate_limit:
    per_second: 10
    burst: 20

sim:
  tick_seconds: 1
  cooldown_minutes: 10
  base_rate: 0.02

templates:
  - id: whispering-fog
    name: The Whispering Fog
    description: "A sentient mist creeps through the harbor district, carrying voices of the drowned."
    zone: harborfront
    theme: haunting
    primary_stat: courage
    required_skills: [exorcism, navigation]
    difficulty: 3
    lifetime_minutes: 90

  - id: archivist-cipher
    name: Cipher of the Mad Archivist
    description: "Library patrons are vanishing into an index that should not exist."
    zone: old-library
    theme: mystery
    primary_stat: investigation
    required_skills: [cryptography, research]
    difficulty: 5
    lifetime_minutes: 120

  - id: hollow-choir
    name: The Hollow Choir
    description: "Midnight hymns from the abandoned chapel are rewriting listeners' memories."
    zone: chapel-ruins
    theme: cult
    primary_stat: occultism
    required_skills: [ritual-lore, counter-chant]
    difficulty: 7
    lifetime_minutes: 150

  - id: starving-shadow
    name: The Starving Shadow
    description: "Streetlights fail one by one as something feeds on the dark between them."
    zone: gaslight-row
    theme: predation
    primary_stat: courage
    required_skills: [lanternwork]
    difficulty: 8
    lifetime_minutes: 180

  - id: tidewater-seal
    name: The Tidewater Seal
    description: "The old ward-stones below the pier are cracking with each ebb tide."
    zone: undervault
    theme: containment
    primary_stat: occultism
    required_skills: [ritual-lore, masonry]
    difficulty: 10
    lifetime_minutes: 240

  - id: census-of-faces
    name: Census of Borrowed Faces
    description: "The registry office keeps issuing papers to residents no one remembers meeting."
    zone: civic-quarter
    theme: infiltration
    primary_stat: investigation
    required_skills: [records, disguise]
    difficulty: 4
    lifetime_minutes: 110

webhooks: []
`
