package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const configPathEnv = "CONFIG_PATH"

type Config struct {
	Env      string `koanf:"app_env"`
	LogLevel string `koanf:"log_level"`

	ServerAddr      string `koanf:"server_addr"`
	SiteURL         string `koanf:"site_url"`
	FrontendOrigins string `koanf:"frontend_origins"`
	RunWorkers      bool   `koanf:"run_workers"`

	MongoURI string `koanf:"mongo_uri"`
	MongoDB  string `koanf:"mongo_db"`

	RedisURL        string `koanf:"redis_url"`
	RedisAddr       string `koanf:"redis_addr"`
	RedisPassword   string `koanf:"redis_password"`
	RedisDB         int    `koanf:"redis_db"`
	CacheTTLSeconds int    `koanf:"cache_ttl_seconds"`

	RateLimitSubmit    int `koanf:"rate_limit_submit"`
	RateLimitWebhooks  int `koanf:"rate_limit_webhooks"`
	RateLimitLogin     int `koanf:"rate_limit_login"`
	RateLimitCalculate int `koanf:"rate_limit_calculate"`
	RateLimitWindowSec int `koanf:"rate_limit_window_sec"`

	AdminAPIKey       string `koanf:"admin_api_key"`
	AdminUser         string `koanf:"admin_user"`
	AdminPassword     string `koanf:"admin_password"`
	JWTSecret         string `koanf:"jwt_secret"`
	AccessTTLMinutes  int    `koanf:"access_ttl_minutes"`
	RefreshTTLMinutes int    `koanf:"refresh_ttl_minutes"`
	CookieSecure      bool   `koanf:"cookie_secure"`

	TZ       string         `koanf:"tz"`
	Timezone *time.Location `koanf:"-"`

	SendGridAPIKey           string `koanf:"sendgrid_api_key"`
	SendGridFromEmail        string `koanf:"sendgrid_from_email"`
	SendGridFromName         string `koanf:"sendgrid_from_name"`
	SendGridWebhookPublicKey string `koanf:"sendgrid_webhook_public_key"`
	SendGridSandbox          bool   `koanf:"sendgrid_sandbox"`
	TeamNotificationEmail    string `koanf:"team_notification_email"`

	TwilioAccountSID     string `koanf:"twilio_account_sid"`
	TwilioAuthToken      string `koanf:"twilio_auth_token"`
	TwilioFromNumber     string `koanf:"twilio_from_number"`
	TwilioWebhookBaseURL string `koanf:"twilio_webhook_base_url"`
	TwilioTeamNumber     string `koanf:"twilio_team_number"`

	GHLAPIKey          string `koanf:"ghl_api_key"`
	GHLLocationID      string `koanf:"ghl_location_id"`
	GHLPipelineID      string `koanf:"ghl_pipeline_id"`
	GHLPipelineStageID string `koanf:"ghl_pipeline_stage_id"`
	GHLWebhookSecret   string `koanf:"ghl_webhook_secret"`

	AutomationEnabled   bool   `koanf:"automation_enabled"`
	CronEnabled         bool   `koanf:"cron_enabled"`
	QueuePrefix         string `koanf:"queue_prefix"`
	QueueConcurrency    int    `koanf:"queue_concurrency"`
	QueuePollIntervalMS int    `koanf:"queue_poll_interval_ms"`
}

func defaults() Config {
	return Config{
		Env:                 "development",
		LogLevel:            "info",
		ServerAddr:          ":8080",
		SiteURL:             "http://localhost:3000",
		FrontendOrigins:     "http://localhost:3000",
		MongoURI:            "mongodb://localhost:27017/tradefinance",
		RedisDB:             0,
		CacheTTLSeconds:     60,
		RateLimitSubmit:     5,
		RateLimitWebhooks:   120,
		RateLimitLogin:      10,
		RateLimitCalculate:  60,
		RateLimitWindowSec:  60,
		AdminUser:           "admin",
		AccessTTLMinutes:    15,
		RefreshTTLMinutes:   43200,
		TZ:                  "Europe/London",
		SendGridFromName:    "Trade Finance Team",
		AutomationEnabled:   true,
		CronEnabled:         true,
		QueuePrefix:         "tfq",
		QueueConcurrency:    4,
		QueuePollIntervalMS: 1000,
	}
}

// Load layers struct defaults, an optional YAML file and the environment.
// A .env file in the working directory is applied first without
// overriding variables that are already set.
func Load() (*Config, error) {
	loadDotEnv(".env")

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := configFilePath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.MongoDB == "" {
		cfg.MongoDB = mongoDBFromURI(cfg.MongoURI)
	}
	if cfg.MongoDB == "" {
		cfg.MongoDB = "tradefinance"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return fmt.Errorf("invalid TZ %q: %w", c.TZ, err)
	}
	c.Timezone = loc

	if c.QueueConcurrency <= 0 {
		return errors.New("QUEUE_CONCURRENCY must be positive")
	}
	if c.QueuePollIntervalMS <= 0 {
		return errors.New("QUEUE_POLL_INTERVAL_MS must be positive")
	}
	if c.RateLimitWindowSec <= 0 {
		return errors.New("RATE_LIMIT_WINDOW_SEC must be positive")
	}
	if strings.TrimSpace(c.QueuePrefix) == "" {
		return errors.New("QUEUE_PREFIX must not be empty")
	}
	return nil
}

// Origins splits FRONTEND_ORIGINS on commas.
func (c *Config) Origins() []string {
	parts := strings.Split(c.FrontendOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMS) * time.Millisecond
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func configFilePath() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	for _, candidate := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func mongoDBFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	db := strings.Trim(u.Path, "/")
	if db == "" {
		return ""
	}
	// only the first path segment names the database
	if idx := strings.Index(db, "/"); idx >= 0 {
		db = db[:idx]
	}
	return db
}

func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
