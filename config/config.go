package config

import (
	"time"
)

// Profile selects how strictly startup treats missing secrets.
type Profile string

const (
	ProfileProduction  Profile = "production"
	ProfileDevelopment Profile = "development"
	ProfileTest        Profile = "test"
)

// Config is the root configuration.
type Config struct {
	Profile         Profile                         `yaml:"profile"`
	Server          ServerConfig                    `yaml:"server"`
	Logging         LoggingConfig                   `yaml:"logging"`
	Security        SecurityConfig                  `yaml:"security"`
	RateLimit       RateLimitConfig                 `yaml:"rate_limit"`
	CircuitBreakers map[string]CircuitBreakerConfig `yaml:"circuit_breakers"`
	Upstreams       UpstreamsConfig                 `yaml:"upstreams"`
	Database        DatabaseConfig                  `yaml:"database"`
	Cost            CostConfig                      `yaml:"cost"`
	Alerts          AlertsConfig                    `yaml:"alerts"`
	Tasks           TasksConfig                     `yaml:"tasks"`
	Admin           AdminConfig                     `yaml:"admin"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	UserHeader      string        `yaml:"user_header"` // set by the auth proxy in front of us
	TierHeader      string        `yaml:"tier_header"`
	TrustedProxies  int           `yaml:"trusted_proxies"` // X-Forwarded-For hops to trust
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format    string            `yaml:"format"`
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"`
	AccessLog bool              `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// SecurityConfig groups the signing secret and the guards that use it.
type SecurityConfig struct {
	AuthSecret string       `yaml:"auth_secret" redact:"true"`
	CSRF       CSRFConfig    `yaml:"csrf"`
	Canary     CanaryConfig  `yaml:"canary"`
	Headers    HeadersConfig `yaml:"headers"`
}

// CSRFConfig defines double-submit token settings.
type CSRFConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CookieName   string        `yaml:"cookie_name"` // default "__csrf"
	HeaderName   string        `yaml:"header_name"` // default "x-csrf-token"
	CookiePath   string        `yaml:"cookie_path"` // default "/"
	CookieMaxAge time.Duration `yaml:"cookie_max_age"`
	// CookieSecure forces the Secure attribute. When nil it follows the profile.
	CookieSecure *bool    `yaml:"cookie_secure"`
	ShadowMode   bool     `yaml:"shadow_mode"` // log but don't reject
	ExemptPaths  []string `yaml:"exempt_paths"`
}

// HeadersConfig lists the security headers set on every response. Empty
// values are not sent. HSTS is only sent when cookies are Secure.
type HeadersConfig struct {
	Enabled                 bool              `yaml:"enabled"`
	ContentSecurityPolicy   string            `yaml:"content_security_policy"`
	FrameOptions            string            `yaml:"frame_options"`
	ContentTypeOptions      string            `yaml:"content_type_options"`
	ReferrerPolicy          string            `yaml:"referrer_policy"`
	PermissionsPolicy       string            `yaml:"permissions_policy"`
	StrictTransportSecurity string            `yaml:"strict_transport_security"`
	Custom                  map[string]string `yaml:"custom"`
}

// CanaryConfig toggles leak-marker detection on generated output.
type CanaryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig defines the counter store and per-namespace limits.
type RateLimitConfig struct {
	Redis      RedisConfig                `yaml:"redis"`
	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
	// Tiers maps a subscription tier to its daily chat allowance.
	Tiers map[string]int64 `yaml:"tiers"`
}

// RedisConfig defines the fast counter store connection.
type RedisConfig struct {
	URL         string        `yaml:"url" redact:"true"` // redis://... takes precedence over Address
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

// Configured reports whether a fast store was configured at all.
func (r RedisConfig) Configured() bool {
	return r.URL != "" || r.Address != ""
}

// NamespaceConfig is the daily allowance for one action class.
type NamespaceConfig struct {
	Max int64 `yaml:"max"`
	// KeyBy is "user" (falls back to ip when anonymous) or "ip".
	KeyBy string `yaml:"key_by"`
	// UseTiers resolves Max from RateLimitConfig.Tiers via the tier header.
	UseTiers bool `yaml:"use_tiers"`
}

// CircuitBreakerConfig defines per-dependency breaker and retry settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`      // cool-down before half-open
	CallTimeout      time.Duration `yaml:"call_timeout"` // per-attempt deadline
	MaxRetries       int           `yaml:"max_retries"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
}

// UpstreamsConfig defines the AI providers we call.
type UpstreamsConfig struct {
	AIGateway UpstreamConfig `yaml:"ai_gateway"`
	TTS       UpstreamConfig `yaml:"tts"`
}

// UpstreamConfig is one upstream HTTP provider.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key" redact:"true"`
	Model   string        `yaml:"model"`
	VoiceID string        `yaml:"voice_id"`
	Timeout time.Duration `yaml:"timeout"`
	// HealthURL is probed by the detailed health report. Optional.
	HealthURL string `yaml:"health_url"`
}

// DatabaseConfig defines the durable store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" redact:"true"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// CostConfig defines AI spend tracking.
type CostConfig struct {
	Enabled       bool    `yaml:"enabled"`
	DailyAlertUSD float64 `yaml:"daily_alert_usd"`
	// Prices per million tokens, keyed by model name.
	Prices map[string]ModelPrice `yaml:"prices"`
}

// ModelPrice is the USD price per million tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// AlertsConfig defines outbound alert webhooks.
type AlertsConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Endpoints []AlertEndpoint `yaml:"endpoints"`
	Retry     AlertRetry      `yaml:"retry"`
	Timeout   time.Duration   `yaml:"timeout"`
	Workers   int             `yaml:"workers"`
	QueueSize int             `yaml:"queue_size"`
}

// AlertEndpoint defines a single alert receiver.
type AlertEndpoint struct {
	ID      string            `yaml:"id"`
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret" redact:"true"`
	Events  []string          `yaml:"events"`
	Headers map[string]string `yaml:"headers"`
}

// AlertRetry defines retry settings for alert delivery.
type AlertRetry struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TasksConfig sizes the background queue for fire-and-forget writes.
type TasksConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"` // per task
}

// AdminConfig guards detailed health output.
type AdminConfig struct {
	Token string `yaml:"token" redact:"true"`
}

// Breaker returns the settings for name, falling back to the generic defaults.
func (c *Config) Breaker(name string) CircuitBreakerConfig {
	if cb, ok := c.CircuitBreakers[name]; ok {
		return cb
	}
	return DefaultBreaker()
}

// DefaultBreaker is used for dependencies without explicit settings.
func DefaultBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		CallTimeout:      30 * time.Second,
		MaxRetries:       0,
		InitialDelay:     time.Second,
		MaxDelay:         10 * time.Second,
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Profile: ProfileDevelopment,
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			UserHeader:      "X-User-ID",
			TierHeader:      "X-User-Tier",
		},
		Logging: LoggingConfig{
			Format:    "json",
			Level:     "info",
			Output:    "stdout",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Security: SecurityConfig{
			CSRF: CSRFConfig{
				Enabled:      true,
				CookieName:   "__csrf",
				HeaderName:   "x-csrf-token",
				CookiePath:   "/",
				CookieMaxAge: 24 * time.Hour,
			},
			Canary: CanaryConfig{Enabled: true},
			Headers: HeadersConfig{
				Enabled:                 true,
				ContentSecurityPolicy:   "default-src 'none'; frame-ancestors 'none'",
				FrameOptions:            "DENY",
				ContentTypeOptions:      "nosniff",
				ReferrerPolicy:          "strict-origin-when-cross-origin",
				PermissionsPolicy:       "camera=(), microphone=(), geolocation=()",
				StrictTransportSecurity: "max-age=63072000; includeSubDomains",
			},
		},
		RateLimit: RateLimitConfig{
			Redis: RedisConfig{
				PoolSize:    10,
				DialTimeout: 2 * time.Second,
				OpTimeout:   250 * time.Millisecond,
			},
			Namespaces: map[string]NamespaceConfig{
				"chat":   {Max: 100, KeyBy: "user", UseTiers: true},
				"tts":    {Max: 50, KeyBy: "user"},
				"export": {Max: 5, KeyBy: "user"},
				"login":  {Max: 5, KeyBy: "ip"},
				"signup": {Max: 3, KeyBy: "ip"},
				"reset":  {Max: 3, KeyBy: "ip"},
			},
			Tiers: map[string]int64{
				"free":       10,
				"starter":    100,
				"pro":        500,
				"enterprise": 2000,
			},
		},
		CircuitBreakers: map[string]CircuitBreakerConfig{
			"ai-gateway": {
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				CallTimeout:      60 * time.Second,
				MaxRetries:       2,
				InitialDelay:     time.Second,
				MaxDelay:         10 * time.Second,
			},
			"elevenlabs": {
				FailureThreshold: 3,
				Timeout:          60 * time.Second,
				CallTimeout:      45 * time.Second,
				MaxRetries:       2,
				InitialDelay:     500 * time.Millisecond,
				MaxDelay:         10 * time.Second,
			},
		},
		Upstreams: UpstreamsConfig{
			AIGateway: UpstreamConfig{
				URL:     "https://openrouter.ai/api/v1/chat/completions",
				Model:     "google/gemini-2.5-flash",
				Timeout:   60 * time.Second,
				HealthURL: "https://openrouter.ai/api/v1/key",
			},
			TTS: UpstreamConfig{
				URL:     "https://api.elevenlabs.io/v1/text-to-speech",
				Model:   "eleven_turbo_v2_5",
				Timeout: 45 * time.Second,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    2 * time.Second,
		},
		Cost: CostConfig{
			Enabled:       true,
			DailyAlertUSD: 50,
			Prices: map[string]ModelPrice{
				"google/gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			},
		},
		Alerts: AlertsConfig{
			Timeout:   5 * time.Second,
			Workers:   2,
			QueueSize: 256,
			Retry: AlertRetry{
				MaxRetries: 3,
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
		},
		Tasks: TasksConfig{
			Workers:   4,
			QueueSize: 1024,
			Timeout:   5 * time.Second,
		},
	}
}
