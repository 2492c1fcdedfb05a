package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models shoptrack.yml.
type Config struct {
	Vocabulary struct {
		UsableStatuses []string   `yaml:"usable_statuses"`
		Terms          []SeedTerm `yaml:"terms"`
	} `yaml:"vocabulary"`
	Escalation Escalation `yaml:"escalation"`
}

// SeedTerm is a status term seeded into the database on init. A term without
// a rank is never accepted as an escalation target.
type SeedTerm struct {
	Label string `yaml:"label"`
	Rank  *int   `yaml:"rank"`
}

// Escalation maps report classifications to candidate status labels. The
// value lists are newline-delimited, matching how the source system stored
// them; ParseList normalizes them.
type Escalation struct {
	SevereStatus   string `yaml:"severe_status"`
	ModerateStatus string `yaml:"moderate_status"`
	SevereValues   string `yaml:"severe_values"`
	ModerateValues string `yaml:"moderate_values"`
}

func (e Escalation) SevereList() []string   { return ParseList(e.SevereValues) }
func (e Escalation) ModerateList() []string { return ParseList(e.ModerateValues) }

// ParseList splits newline-delimited configuration into trimmed, non-empty
// values.
func ParseList(value string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(value, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run shoptrack init to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if no file exists in the workspace.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if len(c.Vocabulary.Terms) == 0 {
		return fmt.Errorf("config.vocabulary.terms is required")
	}
	seen := map[string]bool{}
	for _, t := range c.Vocabulary.Terms {
		if strings.TrimSpace(t.Label) == "" {
			return fmt.Errorf("config.vocabulary.terms contains an empty label")
		}
		if seen[t.Label] {
			return fmt.Errorf("config.vocabulary.terms contains duplicate label %q", t.Label)
		}
		seen[t.Label] = true
	}
	for _, u := range c.Vocabulary.UsableStatuses {
		if !seen[u] {
			return fmt.Errorf("usable status %q is not in config.vocabulary.terms", u)
		}
	}
	if c.Escalation.SevereStatus == "" {
		return fmt.Errorf("config.escalation.severe_status is required")
	}
	if c.Escalation.ModerateStatus == "" {
		return fmt.Errorf("config.escalation.moderate_status is required")
	}
	if !seen[c.Escalation.SevereStatus] {
		return fmt.Errorf("escalation severe_status %q is not in config.vocabulary.terms", c.Escalation.SevereStatus)
	}
	if !seen[c.Escalation.ModerateStatus] {
		return fmt.Errorf("escalation moderate_status %q is not in config.vocabulary.terms", c.Escalation.ModerateStatus)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shoptrack.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
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

const defaultTemplate = `vocabulary:
  usable_statuses:
    - Operational
    - Degraded

  terms:
    - label: Operational
      rank: 0
    - label: Degraded
      rank: 1
    - label: Setup / Training Only
      rank: 1
    - label: Out of Service
      rank: 2
    - label: Storage
      rank: 2

escalation:
  severe_status: Out of Service
  moderate_status: Degraded

  severe_values: |
    broken_nonfuctional
    tool_missing

  moderate_values: |
    damaged_functional
    parts_missing
    supplies_missing
`
