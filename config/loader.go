package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file. An empty path builds the
// configuration from defaults and well-known environment variables only.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		l.applyEnvironment(cfg)
		if err := l.validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.resolveSecrets(cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	l.applyEnvironment(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnvironment fills fields the deployment conventionally provides through
// the environment. Values already set in the file win.
func (l *Loader) applyEnvironment(cfg *Config) {
	setIfEmpty := func(dst *string, names ...string) {
		if *dst != "" {
			return
		}
		for _, name := range names {
			if v, ok := l.lookupEnv(name); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	if v, ok := l.lookupEnv("APP_ENV"); ok && v != "" {
		cfg.Profile = Profile(v)
	}
	setIfEmpty(&cfg.Security.AuthSecret, "AUTH_SECRET")
	setIfEmpty(&cfg.RateLimit.Redis.URL, "REDIS_URL")
	setIfEmpty(&cfg.Database.DSN, "DATABASE_URL", "POSTGRES_URL")
	setIfEmpty(&cfg.Upstreams.AIGateway.APIKey, "OPENROUTER_API_KEY")
	setIfEmpty(&cfg.Upstreams.TTS.APIKey, "ELEVENLABS_API_KEY")
	setIfEmpty(&cfg.Upstreams.TTS.VoiceID, "ELEVENLABS_VOICE_ID")
	setIfEmpty(&cfg.Admin.Token, "HEALTH_ADMIN_TOKEN")
}

// validate checks configuration for errors. Secret presence is checked by
// Resolve, which knows about the profile.
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Profile {
	case ProfileProduction, ProfileDevelopment, ProfileTest:
	default:
		return fmt.Errorf("invalid profile: %q", cfg.Profile)
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if cfg.RateLimit.Redis.URL != "" {
		u, err := url.Parse(cfg.RateLimit.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("rate_limit.redis.url must be a redis:// or rediss:// URL")
		}
	}

	for name, ns := range cfg.RateLimit.Namespaces {
		if ns.Max <= 0 && !ns.UseTiers {
			return fmt.Errorf("rate_limit.namespaces.%s: max must be > 0", name)
		}
		switch ns.KeyBy {
		case "", "user", "ip":
		default:
			return fmt.Errorf("rate_limit.namespaces.%s: key_by must be \"user\" or \"ip\"", name)
		}
	}
	for tier, max := range cfg.RateLimit.Tiers {
		if max <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s: must be > 0", tier)
		}
	}

	for name, cb := range cfg.CircuitBreakers {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("circuit_breakers.%s: failure_threshold must be > 0", name)
		}
		if cb.Timeout <= 0 {
			return fmt.Errorf("circuit_breakers.%s: timeout must be > 0", name)
		}
		if cb.MaxRetries < 0 {
			return fmt.Errorf("circuit_breakers.%s: max_retries must be >= 0", name)
		}
	}

	if cfg.Cost.Enabled && cfg.Cost.DailyAlertUSD < 0 {
		return fmt.Errorf("cost.daily_alert_usd must be >= 0")
	}

	if cfg.Alerts.Enabled {
		for i, ep := range cfg.Alerts.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("alerts.endpoints[%d]: url is required", i)
			}
			u, err := url.Parse(ep.URL)
			if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
				return fmt.Errorf("alerts.endpoints[%d]: url must be http(s)", i)
			}
			if cfg.Profile == ProfileProduction && u.Scheme != "https" {
				return fmt.Errorf("alerts.endpoints[%d]: production requires https", i)
			}
		}
	}

	return nil
}
