package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml: the policy knobs the engines consult. Values
// are plain data; engines never reach for globals.
type Config struct {
	Intake struct {
		// Issues decided before this date must go through the legacy
		// process instead.
		AMAActivationDate string `yaml:"ama_activation_date"`
		// Timeliness window, by review type. Supplemental claims carry
		// no timeliness bar and are absent by design.
		TimelinessWindowDays map[string]int `yaml:"timeliness_window_days"`
	} `yaml:"intake"`

	Establishment struct {
		Station       string `yaml:"station"`
		ModifierSlots int    `yaml:"modifier_slots"`
		// Claim codes whose cleared end products never produce decision
		// records; their open issues close with no_decision on sync.
		NoDecisionCodes []string `yaml:"no_decision_codes"`
	} `yaml:"establishment"`

	Sync struct {
		ProcessingWindowDays     int `yaml:"processing_window_days"`
		RetryIntervalHours       int `yaml:"retry_interval_hours"`
		RatingDecisionDelayHours int `yaml:"rating_decision_delay_hours"`
		PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	} `yaml:"sync"`

	Queue struct {
		PageSize            int `yaml:"page_size"`
		CompletedWindowDays int `yaml:"completed_window_days"`
	} `yaml:"queue"`

	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`

	// Feature flags consulted at call-shape decision points. Either answer
	// must be tolerated.
	Flags map[string]bool `yaml:"flags"`
}

const fileName = "caseline.yml"

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".caseline", fileName)
}

// Default returns the production policy defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Intake.AMAActivationDate = "2019-02-19"
	cfg.Intake.TimelinessWindowDays = map[string]int{
		"higher_level_review": 372,
		"appeal":              372,
	}
	cfg.Establishment.Station = "397"
	cfg.Establishment.ModifierSlots = 10
	cfg.Establishment.NoDecisionCodes = []string{"400RA"}
	cfg.Sync.ProcessingWindowDays = 14
	cfg.Sync.RetryIntervalHours = 12
	cfg.Sync.RatingDecisionDelayHours = 24
	cfg.Sync.PollIntervalSeconds = 60
	cfg.Queue.PageSize = 15
	cfg.Queue.CompletedWindowDays = 14
	cfg.Server.Addr = ":8095"
	cfg.Server.BasePath = "/v1"
	cfg.Flags = map[string]bool{
		"legacy_opt_in":     true,
		"correction_claims": true,
	}
	return cfg
}

// Load reads and validates config from workspace, seeding defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := time.Parse("2006-01-02", c.Intake.AMAActivationDate); err != nil {
		return fmt.Errorf("config.intake.ama_activation_date: %w", err)
	}
	for reviewType, days := range c.Intake.TimelinessWindowDays {
		if days <= 0 {
			return fmt.Errorf("config.intake.timeliness_window_days.%s must be positive", reviewType)
		}
	}
	if c.Establishment.Station == "" {
		return fmt.Errorf("config.establishment.station is required")
	}
	if c.Establishment.ModifierSlots < 1 || c.Establishment.ModifierSlots > 10 {
		return fmt.Errorf("config.establishment.modifier_slots must be 1-10")
	}
	if c.Sync.ProcessingWindowDays <= 0 {
		return fmt.Errorf("config.sync.processing_window_days must be positive")
	}
	if c.Sync.RetryIntervalHours <= 0 {
		return fmt.Errorf("config.sync.retry_interval_hours must be positive")
	}
	if c.Queue.PageSize <= 0 {
		return fmt.Errorf("config.queue.page_size must be positive")
	}
	return nil
}

// AMAActivation returns the parsed activation cutoff. Validate guarantees it
// parses.
func (c *Config) AMAActivation() time.Time {
	t, _ := time.Parse("2006-01-02", c.Intake.AMAActivationDate)
	return t
}

// TimelinessWindow returns the window for a review type, or zero when the
// type carries no timeliness bar.
func (c *Config) TimelinessWindow(reviewType string) time.Duration {
	days := c.Intake.TimelinessWindowDays[reviewType]
	return time.Duration(days) * 24 * time.Hour
}

func (c *Config) ProcessingWindow() time.Duration {
	return time.Duration(c.Sync.ProcessingWindowDays) * 24 * time.Hour
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Sync.RetryIntervalHours) * time.Hour
}

func (c *Config) RatingDecisionDelay() time.Duration {
	return time.Duration(c.Sync.RatingDecisionDelayHours) * time.Hour
}

// Enabled implements the feature-flag gate over the config flag map.
func (c *Config) Enabled(flag string) bool {
	return c.Flags[flag]
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
