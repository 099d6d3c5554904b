package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"techo/internal/domain"
)

const fileName = "techo.yml"

// Config models techo.yml: the business rules an organization may tune.
type Config struct {
	Roles struct {
		Synonyms map[string]string `yaml:"synonyms"`
	} `yaml:"roles"`
	Checklist struct {
		TemplateVersion string            `yaml:"template_version"`
		Items           []TemplateItem    `yaml:"items"`
		RoomCategories  map[string]string `yaml:"room_categories"`
	} `yaml:"checklist"`
	Incidents struct {
		DefaultPriority  string            `yaml:"default_priority"`
		SeverityPriority map[string]string `yaml:"severity_priority"`
	} `yaml:"incidents"`
	Deadlines struct {
		ResponseDays  map[string]int `yaml:"response_days"`
		WarrantyYears map[string]int `yaml:"warranty_years"`
	} `yaml:"deadlines"`
	Workload struct {
		MediumFrom int `yaml:"medium_from"`
		HighFrom   int `yaml:"high_from"`
	} `yaml:"workload"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is an endpoint that receives committed history events.
type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// TemplateItem is one inspection point copied into every new checklist form.
type TemplateItem struct {
	Code     string `yaml:"code" json:"code"`
	Room     string `yaml:"room" json:"room"`
	Label    string `yaml:"label" json:"label"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with techo config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or the defaults when no file exists.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Checklist.TemplateVersion == "" {
		return fmt.Errorf("config.checklist.template_version is required")
	}
	if len(c.Checklist.Items) == 0 {
		return fmt.Errorf("config.checklist.items must not be empty")
	}
	seen := map[string]bool{}
	for i, item := range c.Checklist.Items {
		if item.Code == "" || item.Label == "" || item.Room == "" {
			return fmt.Errorf("checklist item %d requires code, room and label", i)
		}
		if seen[item.Code] {
			return fmt.Errorf("checklist item code %s is duplicated", item.Code)
		}
		seen[item.Code] = true
		if item.Category != "" && !domain.Category(item.Category).Valid() {
			return fmt.Errorf("checklist item %s has unknown category %s", item.Code, item.Category)
		}
	}
	for room, cat := range c.Checklist.RoomCategories {
		if !domain.Category(cat).Valid() {
			return fmt.Errorf("room %s maps to unknown category %s", room, cat)
		}
	}
	if !domain.Priority(c.Incidents.DefaultPriority).Valid() {
		return fmt.Errorf("config.incidents.default_priority must be alta, media or baja")
	}
	for _, sev := range []domain.Severity{domain.SeverityMayor, domain.SeverityMedia, domain.SeverityMenor} {
		p, ok := c.Incidents.SeverityPriority[string(sev)]
		if !ok {
			return fmt.Errorf("config.incidents.severity_priority is missing %s", sev)
		}
		if !domain.Priority(p).Valid() {
			return fmt.Errorf("severity %s maps to unknown priority %s", sev, p)
		}
	}
	for _, p := range domain.Priorities {
		if c.Deadlines.ResponseDays[string(p)] <= 0 {
			return fmt.Errorf("config.deadlines.response_days.%s must be positive", p)
		}
	}
	for cat, years := range c.Deadlines.WarrantyYears {
		if !domain.Category(cat).Valid() {
			return fmt.Errorf("config.deadlines.warranty_years has unknown category %s", cat)
		}
		if years <= 0 {
			return fmt.Errorf("config.deadlines.warranty_years.%s must be positive", cat)
		}
	}
	if c.Workload.MediumFrom <= 0 || c.Workload.HighFrom <= c.Workload.MediumFrom {
		return fmt.Errorf("config.workload thresholds must satisfy 0 < medium_from < high_from")
	}
	names := map[string]bool{}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.Name) == "" || strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d requires name and url", i)
		}
		if names[hook.Name] {
			return fmt.Errorf("webhook name %s is duplicated", hook.Name)
		}
		names[hook.Name] = true
		for _, evt := range hook.Events {
			if !domain.EventType(evt).Valid() {
				return fmt.Errorf("webhook %s subscribes to unknown event %s", hook.Name, evt)
			}
		}
	}
	for label, role := range c.Roles.Synonyms {
		if strings.TrimSpace(label) == "" || strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.roles.synonyms contains an empty entry")
		}
	}
	return nil
}

// PriorityForSeverity maps a checklist severity to an incident priority; unset maps to the default.
func (c *Config) PriorityForSeverity(sev *domain.Severity) domain.Priority {
	if sev != nil {
		if p, ok := c.Incidents.SeverityPriority[string(*sev)]; ok {
			return domain.Priority(p)
		}
	}
	return domain.Priority(c.Incidents.DefaultPriority)
}

// CategoryForItem derives an incident category from the item's own category, then its room.
func (c *Config) CategoryForItem(category, room string) domain.Category {
	if domain.Category(category).Valid() {
		return domain.Category(category)
	}
	if cat, ok := c.Checklist.RoomCategories[strings.ToLower(strings.TrimSpace(room))]; ok {
		return domain.Category(cat)
	}
	return domain.CategoryOtra
}

// WorkloadLevel buckets an active incident count for display.
func (c *Config) WorkloadLevel(active int) string {
	switch {
	case active <= 0:
		return "libre"
	case active < c.Workload.MediumFrom:
		return "baja"
	case active < c.Workload.HighFrom:
		return "media"
	default:
		return "alta"
	}
}

// Default returns the built-in rules.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(DefaultTemplate)).Decode(&cfg)
	return &cfg
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

const DefaultTemplate = `roles:
  synonyms:
    coordinador: administrador
    supervisor: tecnico

checklist:
  template_version: postventa-v1
  items:
    - {code: ext-techumbre, room: Exterior, label: "Techumbre sin filtraciones", category: estructural}
    - {code: ext-muros, room: Exterior, label: "Muros sin grietas", category: estructural}
    - {code: ban-wc, room: Baño, label: "WC descarga sin fugas"}
    - {code: ban-ducha, room: Baño, label: "Ducha con agua caliente y desagüe"}
    - {code: coc-lavaplatos, room: Cocina, label: "Lavaplatos sin fugas", category: plomeria}
    - {code: coc-enchufes, room: Cocina, label: "Enchufes de cocina funcionan", category: electrica}
    - {code: liv-ventanas, room: Living, label: "Ventanas cierran correctamente"}
    - {code: liv-enchufes, room: Living, label: "Enchufes e interruptores funcionan", category: electrica}
    - {code: dor-puertas, room: Dormitorio, label: "Puertas y chapas funcionan"}
    - {code: tab-electrico, room: Tablero, label: "Tablero eléctrico con diferencial", category: electrica}
  room_categories:
    baño: plomeria
    cocina: plomeria
    tablero: electrica
    exterior: estructural

incidents:
  default_priority: media
  severity_priority:
    mayor: alta
    media: media
    menor: baja

deadlines:
  response_days:
    alta: 2
    media: 5
    baja: 10
  warranty_years:
    estructural: 10
    electrica: 5
    plomeria: 5
    otra: 3

workload:
  medium_from: 5
  high_from: 10
`
