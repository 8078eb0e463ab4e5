package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv     = "ARENA_INGEST_CONFIG"
	databaseDSNEnv    = "DATABASE_DSN"
	pseudonymSaltEnv  = "PSEUDONYM_SALT"
	redisURLEnv       = "REDIS_URL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging          LoggingConfig              `yaml:"logging"`
	Database         DatabaseConfig             `yaml:"database"`
	Pseudonymization PseudonymizationConfig     `yaml:"pseudonymization"`
	Orchestrator     OrchestratorConfig         `yaml:"orchestrator"`
	Credentials      []CredentialConfig         `yaml:"credentials"`
	RateLimits       map[string]RateLimitConfig `yaml:"rateLimits"`
	Dedup            DedupConfig                `yaml:"dedup"`
	Providers        ProvidersConfig            `yaml:"providers"`
	PublicFigures    PublicFiguresConfig        `yaml:"publicFigures"`
	Alerts           AlertsConfig               `yaml:"alerts"`
	Queue            QueueConfig                `yaml:"queue"`
}

// LoggingConfig selects level and handler; format is "text" or "json".
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes the record store; driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PseudonymizationConfig names the variable holding the author-id salt. The salt itself never
// comes from the file.
type PseudonymizationConfig struct {
	SaltEnv string `yaml:"saltEnv"`
	Salt    string `yaml:"-"`
}

// OrchestratorConfig tunes task dispatch, retries and credential waits.
type OrchestratorConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	RetryInitial    time.Duration `yaml:"retryInitial"`
	RetryMax        time.Duration `yaml:"retryMax"`
	RunTimeout      time.Duration `yaml:"runTimeout"`
	CheckoutTimeout time.Duration `yaml:"checkoutTimeout"`
	CooldownInitial time.Duration `yaml:"cooldownInitial"`
	CooldownMax     time.Duration `yaml:"cooldownMax"`
}

// CredentialConfig declares one pooled credential; its secret is read from SecretEnv.
type CredentialConfig struct {
	ID        string `yaml:"id"`
	Platform  string `yaml:"platform"`
	Kind      string `yaml:"kind"`
	SecretEnv string `yaml:"secretEnv"`
	Secret    string `yaml:"-"`
}

// RateLimitConfig caps requests per rolling window for one platform.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// DedupConfig tunes near-duplicate detection. A nil threshold keeps the default.
type DedupConfig struct {
	Threshold       *int `yaml:"threshold"`
	PairwiseCeiling int  `yaml:"pairwiseCeiling"`
}

// ProvidersConfig enables arenas and carries their endpoints.
type ProvidersConfig struct {
	Enabled  []string       `yaml:"enabled"`
	RSS      RSSConfig      `yaml:"rss"`
	GDELT    EndpointConfig `yaml:"gdelt"`
	Bluesky  BlueskyConfig  `yaml:"bluesky"`
	Serper   SerperConfig   `yaml:"serper"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// RSSConfig lists the feeds filtered by the RSS provider.
type RSSConfig struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// FeedConfig is one RSS/Atom feed.
type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// EndpointConfig overrides a provider base URL.
type EndpointConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

type BlueskyConfig struct {
	BaseURL  string `yaml:"baseUrl"`
	MaxPages int    `yaml:"maxPages"`
}

type SerperConfig struct {
	BaseURL  string `yaml:"baseUrl"`
	Country  string `yaml:"country"`
	Language string `yaml:"language"`
}

// TelegramConfig configures the public channel scraper.
type TelegramConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	Politeness time.Duration `yaml:"politeness"`
	MaxPages   int           `yaml:"maxPages"`
}

// PublicFiguresConfig selects the actor directory: a static list, an HTTP service, or both.
type PublicFiguresConfig struct {
	Static       map[string][]string `yaml:"static"`
	DirectoryURL string              `yaml:"directoryUrl"`
	CacheTTL     time.Duration       `yaml:"cacheTtl"`
	CacheSize    int                 `yaml:"cacheSize"`
}

// AlertsConfig encapsulates outbound alert channels.
type AlertsConfig struct {
	Telegram TelegramBotConfig `yaml:"telegram"`
}

// TelegramBotConfig wires all data required to send messages.
type TelegramBotConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// QueueConfig points at the Redis list enrichment workers consume.
type QueueConfig struct {
	RedisURL string `yaml:"redisUrl"`
	Key      string `yaml:"key"`
}

// Load reads .env and the YAML configuration (if present) and applies environment overrides.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: cannot read .env: %v", err)
	}
	return load(os.Getenv(configPathEnv), os.Getenv)
}

func load(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides(getenv)
	return cfg
}

func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if v := getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	saltEnv := c.Pseudonymization.SaltEnv
	if saltEnv == "" {
		saltEnv = pseudonymSaltEnv
	}
	c.Pseudonymization.Salt = getenv(saltEnv)

	for i := range c.Credentials {
		if env := c.Credentials[i].SecretEnv; env != "" {
			c.Credentials[i].Secret = getenv(env)
		}
	}

	if v := getenv(redisURLEnv); v != "" {
		c.Queue.RedisURL = v
	}

	if v := getenv(telegramTokenEnv); v != "" {
		c.Alerts.Telegram.BotToken = v
	}

	if v := getenv(telegramChatIDEnv); v != "" {
		c.Alerts.Telegram.ChatID = v
	}
}

// Validate reports settings the application cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Pseudonymization.Salt == "" {
		errs = append(errs, errors.New("pseudonymization salt is not set"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is not set"))
	}
	seen := map[string]bool{}
	for _, cred := range c.Credentials {
		switch {
		case cred.ID == "" || cred.Kind == "":
			errs = append(errs, fmt.Errorf("credential %q needs an id and a kind", cred.ID))
		case seen[cred.ID]:
			errs = append(errs, fmt.Errorf("credential %s is declared twice", cred.ID))
		case cred.Secret == "":
			errs = append(errs, fmt.Errorf("credential %s: %s is empty", cred.ID, cred.SecretEnv))
		}
		seen[cred.ID] = true
	}
	for platform, limit := range c.RateLimits {
		if limit.Requests <= 0 || limit.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit for %s needs positive requests and window", platform))
		}
	}
	return errors.Join(errs...)
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Database.Driver != "" {
		base.Database.Driver = override.Database.Driver
	}
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}

	if override.Pseudonymization.SaltEnv != "" {
		base.Pseudonymization.SaltEnv = override.Pseudonymization.SaltEnv
	}

	o := override.Orchestrator
	if o.Concurrency > 0 {
		base.Orchestrator.Concurrency = o.Concurrency
	}
	if o.MaxAttempts > 0 {
		base.Orchestrator.MaxAttempts = o.MaxAttempts
	}
	if o.RetryInitial > 0 {
		base.Orchestrator.RetryInitial = o.RetryInitial
	}
	if o.RetryMax > 0 {
		base.Orchestrator.RetryMax = o.RetryMax
	}
	if o.RunTimeout > 0 {
		base.Orchestrator.RunTimeout = o.RunTimeout
	}
	if o.CheckoutTimeout > 0 {
		base.Orchestrator.CheckoutTimeout = o.CheckoutTimeout
	}
	if o.CooldownInitial > 0 {
		base.Orchestrator.CooldownInitial = o.CooldownInitial
	}
	if o.CooldownMax > 0 {
		base.Orchestrator.CooldownMax = o.CooldownMax
	}

	if len(override.Credentials) > 0 {
		base.Credentials = override.Credentials
	}
	for platform, limit := range override.RateLimits {
		if base.RateLimits == nil {
			base.RateLimits = map[string]RateLimitConfig{}
		}
		base.RateLimits[platform] = limit
	}

	if override.Dedup.Threshold != nil {
		base.Dedup.Threshold = override.Dedup.Threshold
	}
	if override.Dedup.PairwiseCeiling > 0 {
		base.Dedup.PairwiseCeiling = override.Dedup.PairwiseCeiling
	}

	p := override.Providers
	if len(p.Enabled) > 0 {
		base.Providers.Enabled = p.Enabled
	}
	if len(p.RSS.Feeds) > 0 {
		base.Providers.RSS.Feeds = p.RSS.Feeds
	}
	if p.GDELT.BaseURL != "" {
		base.Providers.GDELT = p.GDELT
	}
	if p.Bluesky.BaseURL != "" {
		base.Providers.Bluesky.BaseURL = p.Bluesky.BaseURL
	}
	if p.Bluesky.MaxPages > 0 {
		base.Providers.Bluesky.MaxPages = p.Bluesky.MaxPages
	}
	if p.Serper.BaseURL != "" {
		base.Providers.Serper.BaseURL = p.Serper.BaseURL
	}
	if p.Serper.Country != "" {
		base.Providers.Serper.Country = p.Serper.Country
	}
	if p.Serper.Language != "" {
		base.Providers.Serper.Language = p.Serper.Language
	}
	if p.Telegram.BaseURL != "" {
		base.Providers.Telegram.BaseURL = p.Telegram.BaseURL
	}
	if p.Telegram.Politeness > 0 {
		base.Providers.Telegram.Politeness = p.Telegram.Politeness
	}
	if p.Telegram.MaxPages > 0 {
		base.Providers.Telegram.MaxPages = p.Telegram.MaxPages
	}

	if len(override.PublicFigures.Static) > 0 {
		base.PublicFigures.Static = override.PublicFigures.Static
	}
	if override.PublicFigures.DirectoryURL != "" {
		base.PublicFigures.DirectoryURL = override.PublicFigures.DirectoryURL
	}
	if override.PublicFigures.CacheTTL > 0 {
		base.PublicFigures.CacheTTL = override.PublicFigures.CacheTTL
	}
	if override.PublicFigures.CacheSize > 0 {
		base.PublicFigures.CacheSize = override.PublicFigures.CacheSize
	}

	if override.Alerts.Telegram.BotToken != "" {
		base.Alerts.Telegram.BotToken = override.Alerts.Telegram.BotToken
	}
	if override.Alerts.Telegram.ChatID != "" {
		base.Alerts.Telegram.ChatID = override.Alerts.Telegram.ChatID
	}

	if override.Queue.RedisURL != "" {
		base.Queue.RedisURL = override.Queue.RedisURL
	}
	if override.Queue.Key != "" {
		base.Queue.Key = override.Queue.Key
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging:          LoggingConfig{Level: "info", Format: "text"},
		Database:         DatabaseConfig{Driver: "sqlite", DSN: "arena_ingest.db"},
		Pseudonymization: PseudonymizationConfig{SaltEnv: pseudonymSaltEnv},
		Orchestrator: OrchestratorConfig{
			Concurrency:     8,
			MaxAttempts:     4,
			RetryInitial:    time.Second,
			RetryMax:        time.Minute,
			CheckoutTimeout: 2 * time.Minute,
			CooldownInitial: 30 * time.Second,
			CooldownMax:     15 * time.Minute,
		},
		RateLimits: map[string]RateLimitConfig{
			"gdelt":         {Requests: 1, Window: 5 * time.Second},
			"bluesky":       {Requests: 3000, Window: 5 * time.Minute},
			"google_search": {Requests: 100, Window: time.Minute},
			"telegram":      {Requests: 20, Window: time.Minute},
		},
		Dedup:     DedupConfig{PairwiseCeiling: 20000},
		Providers: ProvidersConfig{Enabled: []string{"rss", "gdelt"}},
		PublicFigures: PublicFiguresConfig{
			CacheTTL:  time.Hour,
			CacheSize: 4096,
		},
	}
}
