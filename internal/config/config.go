package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL        MySQLConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Migrate      bool
	HTTPAddr     string
	Log          LogConfig
	Store        StoreConfig
	Lock         LockConfig
	Providers    []string // enabled adapters, e.g. acme,reseller
	Orchestrator OrchestratorConfig
	Registry     RegistryConfig
	Validation   ValidationConfig
	Renewal      RenewalConfig
	ACME         ACMEConfig
	Reseller     ResellerConfig
	Webhook      WebhookConfig
	SocketIO     SocketIOConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level            string
	Format           string // json|text
	PersistEnabled   bool   // write log lines to system_logs
	PersistLevel     string
	BufferSize       int
	FlushIntervalSec int
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver            string // mysql|memory
	DefaultMaxDomains int    // memory driver only
}

// LockConfig selects the certificate lock backend
type LockConfig struct {
	Driver  string // local|redis
	TTLSec  int
	RetryMs int
}

// OrchestratorConfig holds request handling settings
type OrchestratorConfig struct {
	CallTimeoutSec    int
	MaxSubmitAttempts int
}

// RegistryConfig holds provider health settings
type RegistryConfig struct {
	FailureThreshold int
	CooldownSec      int
	CheckTimeoutSec  int
	CheckConcurrency int
	HealthSchedule   string
}

// ValidationConfig holds validation worker configuration
type ValidationConfig struct {
	Enabled           bool
	IntervalSec       int
	BatchSize         int
	ChallengeTTLHours int
	ReplayTTLHours    int
}

// RenewalConfig holds renewal scan configuration
type RenewalConfig struct {
	Enabled            bool
	Schedule           string
	WindowDays         int
	AlertThresholdDays int
	AlertIntervalHours int
	BatchSize          int
}

// ACMEConfig holds the ACME adapter settings
type ACMEConfig struct {
	Name                string
	Priority            int
	DirectoryURL        string
	Email               string
	EABKeyID            string
	EABHMACKey          string
	KeyType             string
	DNSProvider         string // cloudflare
	CloudflareAPIToken  string
	CloudflareEmail     string
	CloudflareAPIKey    string
	PropagationDelaySec int
}

// ResellerConfig holds the reseller adapter settings
type ResellerConfig struct {
	Name          string
	Priority      int
	BaseURL       string
	APIKey        string
	WebhookSecret string
	TimeoutSec    int
}

// WebhookConfig holds the outbound event webhook
type WebhookConfig struct {
	URL        string
	Secret     string
	TimeoutSec int
}

// SocketIOConfig holds the dashboard broadcast settings
type SocketIOConfig struct {
	Enabled bool
}

// source resolves one value with priority: ENV > INI > default.
// file may be nil.
type source struct {
	file *ini.File
}

func (s source) get(envKey, iniSection, iniKey, defaultValue string) string {
	// Priority 1: Environment variable
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	// Priority 2: INI file
	if s.file != nil {
		if value := s.file.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
	}
	// Priority 3: Default value
	return defaultValue
}

func (s source) getInt(envKey, iniSection, iniKey string, defaultValue int) int {
	if value := os.Getenv(envKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	if s.file != nil && s.file.Section(iniSection).HasKey(iniKey) {
		if value, err := s.file.Section(iniSection).Key(iniKey).Int(); err == nil {
			return value
		}
	}
	return defaultValue
}

func (s source) getBool(envKey, iniSection, iniKey string, defaultValue bool) bool {
	if value := os.Getenv(envKey); value != "" {
		return value == "1" || value == "true"
	}
	if s.file != nil && s.file.Section(iniSection).HasKey(iniKey) {
		if value, err := s.file.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
	}
	return defaultValue
}

func (s source) getList(envKey, iniSection, iniKey, defaultValue string) []string {
	var out []string
	for _, p := range strings.Split(s.get(envKey, iniSection, iniKey, defaultValue), ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load loads configuration from environment variables. When CONFIG_FILE is
// set the INI file at that path fills in anything the environment leaves out.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return LoadFromINI(path)
	}
	return build(source{})
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}
	return build(source{file: cfgFile})
}

func build(s source) (*Config, error) {
	cfg := &Config{
		MySQL: MySQLConfig{
			DSN:          s.get("MYSQL_DSN", "mysql", "dsn", ""),
			MaxOpenConns: s.getInt("MYSQL_MAX_OPEN_CONNS", "mysql", "max_open_conns", 20),
			MaxIdleConns: s.getInt("MYSQL_MAX_IDLE_CONNS", "mysql", "max_idle_conns", 5),
		},
		Redis: RedisConfig{
			Enabled:  s.getBool("REDIS_ENABLED", "redis", "enabled", false),
			Addr:     s.get("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: s.get("REDIS_PASS", "redis", "pass", ""),
			DB:       s.getInt("REDIS_DB", "redis", "db", 0),
			Prefix:   s.get("REDIS_PREFIX", "redis", "prefix", "certorch:"),
		},
		JWT: JWTConfig{
			Secret:        s.get("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: s.getInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        s.get("JWT_ISSUER", "jwt", "issuer", "go_certorch"),
		},
		Migrate:  s.getBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: s.get("HTTP_ADDR", "http", "addr", ":8080"),
		Log: LogConfig{
			Level:            s.get("LOG_LEVEL", "log", "level", "info"),
			Format:           s.get("LOG_FORMAT", "log", "format", "json"),
			PersistEnabled:   s.getBool("LOG_PERSIST_ENABLED", "log", "persist_enabled", false),
			PersistLevel:     s.get("LOG_PERSIST_LEVEL", "log", "persist_level", "warning"),
			BufferSize:       s.getInt("LOG_BUFFER_SIZE", "log", "buffer_size", 1024),
			FlushIntervalSec: s.getInt("LOG_FLUSH_INTERVAL_SEC", "log", "flush_interval_sec", 5),
		},
		Store: StoreConfig{
			Driver:            strings.ToLower(s.get("STORE_DRIVER", "store", "driver", "mysql")),
			DefaultMaxDomains: s.getInt("STORE_DEFAULT_MAX_DOMAINS", "store", "default_max_domains", 10),
		},
		Lock: LockConfig{
			Driver:  strings.ToLower(s.get("LOCK_DRIVER", "lock", "driver", "local")),
			TTLSec:  s.getInt("LOCK_TTL_SEC", "lock", "ttl_sec", 60),
			RetryMs: s.getInt("LOCK_RETRY_MS", "lock", "retry_ms", 50),
		},
		Providers: s.getList("PROVIDERS", "providers", "enabled", "acme"),
		Orchestrator: OrchestratorConfig{
			CallTimeoutSec:    s.getInt("PROVIDER_CALL_TIMEOUT_SEC", "orchestrator", "call_timeout_sec", 30),
			MaxSubmitAttempts: s.getInt("MAX_SUBMIT_ATTEMPTS", "orchestrator", "max_submit_attempts", 5),
		},
		Registry: RegistryConfig{
			FailureThreshold: s.getInt("PROVIDER_FAILURE_THRESHOLD", "registry", "failure_threshold", 3),
			CooldownSec:      s.getInt("PROVIDER_COOLDOWN_SEC", "registry", "cooldown_sec", 300),
			CheckTimeoutSec:  s.getInt("PROVIDER_CHECK_TIMEOUT_SEC", "registry", "check_timeout_sec", 10),
			CheckConcurrency: s.getInt("PROVIDER_CHECK_CONCURRENCY", "registry", "check_concurrency", 4),
			HealthSchedule:   s.get("PROVIDER_HEALTH_SCHEDULE", "registry", "health_schedule", "@every 1m"),
		},
		Validation: ValidationConfig{
			Enabled:           s.getBool("VALIDATION_WORKER_ENABLED", "validation", "worker_enabled", true),
			IntervalSec:       s.getInt("VALIDATION_WORKER_INTERVAL_SEC", "validation", "interval_sec", 30),
			BatchSize:         s.getInt("VALIDATION_BATCH_SIZE", "validation", "batch_size", 50),
			ChallengeTTLHours: s.getInt("VALIDATION_CHALLENGE_TTL_HOURS", "validation", "challenge_ttl_hours", 24),
			ReplayTTLHours:    s.getInt("VALIDATION_REPLAY_TTL_HOURS", "validation", "replay_ttl_hours", 24),
		},
		Renewal: RenewalConfig{
			Enabled:            s.getBool("RENEWAL_ENABLED", "renewal", "enabled", true),
			Schedule:           s.get("RENEWAL_SCHEDULE", "renewal", "schedule", "@every 1h"),
			WindowDays:         s.getInt("RENEWAL_WINDOW_DAYS", "renewal", "window_days", 30),
			AlertThresholdDays: s.getInt("RENEWAL_ALERT_THRESHOLD_DAYS", "renewal", "alert_threshold_days", 7),
			AlertIntervalHours: s.getInt("RENEWAL_ALERT_INTERVAL_HOURS", "renewal", "alert_interval_hours", 24),
			BatchSize:          s.getInt("RENEWAL_BATCH_SIZE", "renewal", "batch_size", 100),
		},
		ACME: ACMEConfig{
			Name:                s.get("ACME_NAME", "acme", "name", "acme"),
			Priority:            s.getInt("ACME_PRIORITY", "acme", "priority", 0),
			DirectoryURL:        s.get("ACME_DIRECTORY_URL", "acme", "directory_url", "https://acme-v02.api.letsencrypt.org/directory"),
			Email:               s.get("ACME_EMAIL", "acme", "email", ""),
			EABKeyID:            s.get("ACME_EAB_KID", "acme", "eab_kid", ""),
			EABHMACKey:          s.get("ACME_EAB_HMAC_KEY", "acme", "eab_hmac_key", ""),
			KeyType:             s.get("ACME_KEY_TYPE", "acme", "key_type", "P256"),
			DNSProvider:         strings.ToLower(s.get("ACME_DNS_PROVIDER", "acme", "dns_provider", "cloudflare")),
			CloudflareAPIToken:  s.get("CLOUDFLARE_API_TOKEN", "acme", "cloudflare_api_token", ""),
			CloudflareEmail:     s.get("CLOUDFLARE_EMAIL", "acme", "cloudflare_email", ""),
			CloudflareAPIKey:    s.get("CLOUDFLARE_API_KEY", "acme", "cloudflare_api_key", ""),
			PropagationDelaySec: s.getInt("ACME_PROPAGATION_DELAY_SEC", "acme", "propagation_delay_sec", 60),
		},
		Reseller: ResellerConfig{
			Name:          s.get("RESELLER_NAME", "reseller", "name", "reseller"),
			Priority:      s.getInt("RESELLER_PRIORITY", "reseller", "priority", 10),
			BaseURL:       s.get("RESELLER_BASE_URL", "reseller", "base_url", ""),
			APIKey:        s.get("RESELLER_API_KEY", "reseller", "api_key", ""),
			WebhookSecret: s.get("RESELLER_WEBHOOK_SECRET", "reseller", "webhook_secret", ""),
			TimeoutSec:    s.getInt("RESELLER_TIMEOUT_SEC", "reseller", "timeout_sec", 20),
		},
		Webhook: WebhookConfig{
			URL:        s.get("EVENT_WEBHOOK_URL", "webhook", "url", ""),
			Secret:     s.get("EVENT_WEBHOOK_SECRET", "webhook", "secret", ""),
			TimeoutSec: s.getInt("EVENT_WEBHOOK_TIMEOUT_SEC", "webhook", "timeout_sec", 10),
		},
		SocketIO: SocketIOConfig{
			Enabled: s.getBool("SOCKETIO_ENABLED", "socketio", "enabled", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate required fields
func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.Store.Driver {
	case "mysql":
		if c.MySQL.DSN == "" {
			return fmt.Errorf("MYSQL_DSN is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (mysql|memory)", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("LOCK_DRIVER=redis requires REDIS_ENABLED=1")
		}
	default:
		return fmt.Errorf("unknown LOCK_DRIVER %q (local|redis)", c.Lock.Driver)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("PROVIDERS is required")
	}
	for _, p := range c.Providers {
		switch p {
		case "acme":
			if c.ACME.DirectoryURL == "" {
				return fmt.Errorf("ACME_DIRECTORY_URL is required")
			}
			if c.ACME.DNSProvider != "cloudflare" {
				return fmt.Errorf("unsupported ACME_DNS_PROVIDER %q", c.ACME.DNSProvider)
			}
			if c.ACME.CloudflareAPIToken == "" && (c.ACME.CloudflareEmail == "" || c.ACME.CloudflareAPIKey == "") {
				return fmt.Errorf("CLOUDFLARE_API_TOKEN or CLOUDFLARE_EMAIL and CLOUDFLARE_API_KEY are required")
			}
		case "reseller":
			if c.Reseller.BaseURL == "" || c.Reseller.APIKey == "" {
				return fmt.Errorf("RESELLER_BASE_URL and RESELLER_API_KEY are required")
			}
		default:
			return fmt.Errorf("unknown provider %q in PROVIDERS", p)
		}
	}
	return nil
}

// Seconds converts a configured second count to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
