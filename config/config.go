package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fineme/server/commitment"
	"github.com/fineme/server/rollover"
	"github.com/fineme/server/session"
	"gopkg.in/yaml.v3"
)

const defaultPort = "8080"

// devOrigins are allowed when running locally without CORS_ORIGINS.
var devOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Config holds all application configuration.
type Config struct {
	Env  string `yaml:"env"`
	Port string `yaml:"port"`

	Database struct {
		URL                    string `yaml:"url"`
		CloudSQLConnectionName string `yaml:"cloudsql_connection_name"`
		CloudSQLUser           string `yaml:"cloudsql_user"`
		CloudSQLPassword       string `yaml:"cloudsql_password"`
		CloudSQLDatabase       string `yaml:"cloudsql_database"`
	} `yaml:"database"`

	Stripe struct {
		Key string `yaml:"key"`
	} `yaml:"stripe"`

	Mailgun struct {
		Domain string `yaml:"domain"`
		Key    string `yaml:"key"`
		Sender string `yaml:"sender"`
		Team   string `yaml:"team"`
	} `yaml:"mailgun"`

	Firebase struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`

	CORSOrigins []string `yaml:"cors_origins"`

	Timing   session.Timing    `yaml:"timing"`
	Limits   commitment.Limits `yaml:"limits"`
	Sessions struct {
		IdleTTL time.Duration `yaml:"idle_ttl"`
	} `yaml:"sessions"`
	Rollover struct {
		Cron string `yaml:"cron"`
	} `yaml:"rollover"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Environment variable overrides
	override(&cfg.Env, "FINEME_ENV")
	override(&cfg.Port, "PORT")
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Database.CloudSQLConnectionName, "CLOUDSQL_CONNECTION_NAME")
	override(&cfg.Database.CloudSQLUser, "CLOUDSQL_USER")
	override(&cfg.Database.CloudSQLPassword, "CLOUDSQL_PASSWORD")
	override(&cfg.Database.CloudSQLDatabase, "CLOUDSQL_DATABASE_NAME")
	override(&cfg.Stripe.Key, "STRIPE_KEY")
	override(&cfg.Mailgun.Domain, "MAILGUN_DOMAIN")
	override(&cfg.Mailgun.Key, "MAILGUN_KEY")
	override(&cfg.Firebase.CredentialsFile, "FIREBASE_CREDENTIALS")
	override(&cfg.Rollover.Cron, "ROLLOVER_CRON")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}

	// Defaults
	if cfg.Env == "" {
		cfg.Env = "production"
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if len(cfg.CORSOrigins) == 0 && cfg.Development() {
		cfg.CORSOrigins = devOrigins
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = session.DefaultIdleTTL
	}
	if cfg.Rollover.Cron == "" {
		cfg.Rollover.Cron = rollover.DefaultSchedule
	}
	defaults(&cfg.Timing, session.DefaultTiming())
	limits := commitment.DefaultLimits()
	if cfg.Limits.MinReps == 0 {
		cfg.Limits.MinReps = limits.MinReps
	}
	if cfg.Limits.DefaultReps == 0 {
		cfg.Limits.DefaultReps = limits.DefaultReps
	}
	if cfg.Limits.RepStep == 0 {
		cfg.Limits.RepStep = limits.RepStep
	}
	if cfg.Limits.MinStake == 0 {
		cfg.Limits.MinStake = limits.MinStake
	}
	if cfg.Limits.MaxStake == 0 {
		cfg.Limits.MaxStake = limits.MaxStake
	}

	return cfg, nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func defaults(t *session.Timing, def session.Timing) {
	if t.TourDelay == 0 {
		t.TourDelay = def.TourDelay
	}
	if t.PoseDelay == 0 {
		t.PoseDelay = def.PoseDelay
	}
	if t.FeedbackDelay == 0 {
		t.FeedbackDelay = def.FeedbackDelay
	}
}

// Development reports whether the server runs locally.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	db := c.Database
	if db.URL == "" && db.CloudSQLConnectionName == "" {
		return errors.New("DATABASE_URL or CLOUDSQL_CONNECTION_NAME is required")
	}
	if db.URL == "" && db.CloudSQLUser == "" {
		return errors.New("CLOUDSQL_USER is required with CLOUDSQL_CONNECTION_NAME")
	}
	if !c.Development() {
		if len(c.CORSOrigins) == 0 {
			return errors.New("CORS_ORIGINS is required outside development")
		}
		for _, o := range c.CORSOrigins {
			if o == "*" {
				return errors.New("CORS_ORIGINS must list origins, not *, outside development")
			}
		}
	}
	if c.Limits.DefaultReps < c.Limits.MinReps {
		return fmt.Errorf("limits.default_reps (%d) is below limits.min_reps (%d)", c.Limits.DefaultReps, c.Limits.MinReps)
	}
	if c.Limits.RepStep > 0 && (c.Limits.DefaultReps-c.Limits.MinReps)%c.Limits.RepStep != 0 {
		return fmt.Errorf("limits.default_reps (%d) is not reachable in steps of %d", c.Limits.DefaultReps, c.Limits.RepStep)
	}
	if c.Limits.MaxStake < c.Limits.MinStake {
		return fmt.Errorf("limits.max_stake (%d) is below limits.min_stake (%d)", c.Limits.MaxStake, c.Limits.MinStake)
	}
	for name, d := range map[string]time.Duration{
		"timing.tour_delay":     c.Timing.TourDelay,
		"timing.pose_delay":     c.Timing.PoseDelay,
		"timing.feedback_delay": c.Timing.FeedbackDelay,
		"sessions.idle_ttl":     c.Sessions.IdleTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}
