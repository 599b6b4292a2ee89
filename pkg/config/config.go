package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/korjavin/mealtracker/pkg/roster"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// HTTP configuration
	ListenAddr string `yaml:"listenAddr" envconfig:"LISTEN_ADDR"`

	// Ledger configuration. Supported schemes: badger://, sqlite://, postgres://
	LedgerURL  string        `yaml:"ledgerUrl"  envconfig:"LEDGER_URL"`
	GCInterval time.Duration `yaml:"gcInterval" envconfig:"GC_INTERVAL"`

	// Serving configuration
	AwaitTTL          time.Duration `yaml:"awaitTtl"          envconfig:"AWAIT_TTL"`
	BroadcastInterval time.Duration `yaml:"broadcastInterval" envconfig:"BROADCAST_INTERVAL"`
	SweepInterval     time.Duration `yaml:"sweepInterval"     envconfig:"SWEEP_INTERVAL"`
	Meals             []string      `yaml:"meals"             envconfig:"MEALS"`
	Timezone          string        `yaml:"timezone"          envconfig:"TIMEZONE"`

	// Roster configuration
	RosterPrefix string `yaml:"rosterPrefix" envconfig:"ROSTER_PREFIX"`
	RosterWidth  int    `yaml:"rosterWidth"  envconfig:"ROSTER_WIDTH"`
	RosterMin    int    `yaml:"rosterMin"    envconfig:"ROSTER_MIN"`
	RosterMax    int    `yaml:"rosterMax"    envconfig:"ROSTER_MAX"`

	Debug bool `yaml:"debug" envconfig:"DEBUG"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		ListenAddr:        ":8000",
		LedgerURL:         "badger://./data",
		GCInterval:        10 * time.Minute,
		AwaitTTL:          12 * time.Minute,
		BroadcastInterval: time.Second,
		SweepInterval:     30 * time.Second,
		Meals:             []string{"breakfast", "lunch", "dinner"},
		RosterPrefix:      "msp_",
		RosterWidth:       4,
		RosterMin:         0,
		RosterMax:         350,
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Global.Warn("Error loading .env file: %v", err)
	}

	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Global.Info("Configuration loaded: %s", cfg.redacted())
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.LedgerURL == "" {
		return fmt.Errorf("LEDGER_URL is required")
	}
	if c.AwaitTTL <= 0 {
		return fmt.Errorf("AWAIT_TTL must be positive, got %s", c.AwaitTTL)
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("BROADCAST_INTERVAL must be positive, got %s", c.BroadcastInterval)
	}
	if c.RosterWidth <= 0 {
		return fmt.Errorf("ROSTER_WIDTH must be positive, got %d", c.RosterWidth)
	}
	if c.RosterMin < 0 || c.RosterMax < c.RosterMin {
		return fmt.Errorf("invalid roster range [%d, %d]", c.RosterMin, c.RosterMax)
	}
	if len(fmt.Sprintf("%d", c.RosterMax)) > c.RosterWidth {
		return fmt.Errorf("ROSTER_MAX %d does not fit in %d digits", c.RosterMax, c.RosterWidth)
	}
	meals := make([]string, 0, len(c.Meals))
	for _, m := range c.Meals {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			meals = append(meals, m)
		}
	}
	if len(meals) == 0 {
		return fmt.Errorf("at least one meal slot must be configured")
	}
	c.Meals = meals
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the time zone used to decide what "today" is
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Roster returns the configured participant roster
func (c *Config) Roster() roster.Roster {
	return roster.Roster{
		Prefix: c.RosterPrefix,
		Width:  c.RosterWidth,
		Min:    c.RosterMin,
		Max:    c.RosterMax,
	}
}

// MealSlots returns the configured meal slots
func (c *Config) MealSlots() []models.MealSlot {
	out := make([]models.MealSlot, len(c.Meals))
	for i, m := range c.Meals {
		out[i] = models.MealSlot(m)
	}
	return out
}

// redacted renders the configuration with ledger credentials masked
func (c *Config) redacted() string {
	logCfg := *c
	if u, err := url.Parse(logCfg.LedgerURL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
			logCfg.LedgerURL = u.String()
		}
	}
	return fmt.Sprintf("%+v", logCfg)
}
