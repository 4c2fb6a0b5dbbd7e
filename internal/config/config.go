package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`

	Server        ServerConfig        `envPrefix:"SERVER_"`
	Logging       LoggingConfig       `envPrefix:"LOG_"`
	RateLimit     RateLimitConfig     `envPrefix:"RATE_LIMIT_"`
	WhatsApp      WhatsAppConfig      `envPrefix:"WHATSAPP_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	Scylla        ScyllaConfig        `envPrefix:"SCYLLA_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Elasticsearch ElasticsearchConfig `envPrefix:"ELASTIC_"`
	Clickhouse    ClickhouseConfig    `envPrefix:"CLICKHOUSE_"`
	Bucketing     BucketingConfig     `envPrefix:"BUCKETING_"`
}

type ServerConfig struct {
	Port           int           `env:"PORT" envDefault:"8080"`
	TLSPort        int           `env:"TLS_PORT" envDefault:"8443"`
	EnableTLS      bool          `env:"ENABLE_TLS" envDefault:"false"`
	AutoCert       bool          `env:"AUTO_CERT" envDefault:"false"`
	Domain         string        `env:"DOMAIN" envDefault:"localhost"`
	CertFile       string        `env:"CERT_FILE"`
	KeyFile        string        `env:"KEY_FILE"`
	AutoCertDir    string        `env:"AUTO_CERT_DIR" envDefault:"./certs"`
	Email          string        `env:"ACME_EMAIL"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://*"`
	SinkTimeout    time.Duration `env:"SINK_TIMEOUT" envDefault:"5s"`
	// TrustProxy honours X-Forwarded-For. Enable only behind a proxy that sets it.
	TrustProxy     bool          `env:"TRUST_PROXY" envDefault:"false"`
}

type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// RateLimitConfig holds the knobs of the per-form submission window.
type RateLimitConfig struct {
	MaxSubmissions int           `env:"MAX_SUBMISSIONS" envDefault:"5"`
	Window         time.Duration `env:"WINDOW" envDefault:"1h"`
	// Backend is "redis" or "memory".
	Backend string `env:"BACKEND" envDefault:"memory"`
	// PerClient scopes each form window to the caller's IP.
	PerClient bool `env:"PER_CLIENT" envDefault:"true"`
	// ClientKeySecret keys the hash applied to client IPs before they reach the store.
	ClientKeySecret string `env:"CLIENT_KEY_SECRET"`
}

type WhatsAppConfig struct {
	Host        string `env:"HOST" envDefault:"wa.me"`
	Destination string `env:"DESTINATION"`
}

type RedisConfig struct {
	URL      string `env:"URL" envDefault:"redis://localhost:6379/0"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"20"`
	// Only read for rediss:// URLs.
	TLSCAFile   string `env:"TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
}

type ScyllaConfig struct {
	Enabled  bool     `env:"ENABLED" envDefault:"false"`
	Nodes    []string `env:"NODES" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace string   `env:"KEYSPACE" envDefault:"studio_intake"`
	Username string   `env:"USERNAME"`
	Password string   `env:"PASSWORD"`
	// CAFile enables TLS to the cluster when set.
	CAFile   string `env:"CA_FILE"`
	CertFile string `env:"CERT_FILE"`
	KeyFile  string `env:"KEY_FILE"`
}

type KafkaConfig struct {
	Enabled bool     `env:"ENABLED" envDefault:"false"`
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"project-submissions"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"http://localhost:9200"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Index    string `env:"INDEX" envDefault:"project-submissions"`
}

type ClickhouseConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	URL      string `env:"URL" envDefault:"clickhouse://localhost:9000"`
	Username string `env:"USERNAME" envDefault:"default"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE" envDefault:"default"`
	CAFile   string `env:"CA_FILE"`
}

type BucketingConfig struct {
	SubmissionBuckets int `env:"SUBMISSION_BUCKETS" envDefault:"64"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads an optional .env file and parses the environment.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// Parse builds a Config from the process environment without touching .env.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the last loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return &Config{Environment: "development"}
	}
	return current
}

func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.MaxSubmissions <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX_SUBMISSIONS must be > 0"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be > 0"))
	}
	switch strings.ToLower(c.RateLimit.Backend) {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be redis or memory, got %q", c.RateLimit.Backend))
	}
	if c.Server.EnableTLS && !c.Server.AutoCert && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("SERVER_CERT_FILE and SERVER_KEY_FILE must be set together"))
	}
	if c.Server.AutoCert && c.Server.Domain == "" {
		errs = append(errs, errors.New("SERVER_DOMAIN is required when SERVER_AUTO_CERT=true"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true"))
	}
	if c.Scylla.Enabled && len(c.Scylla.Nodes) == 0 {
		errs = append(errs, errors.New("SCYLLA_NODES is required when SCYLLA_ENABLED=true"))
	}
	if c.RateLimit.ClientKeySecret != "" && len(c.RateLimit.ClientKeySecret) < 16 {
		errs = append(errs, errors.New("RATE_LIMIT_CLIENT_KEY_SECRET must be at least 16 bytes"))
	}
	if c.Bucketing.SubmissionBuckets <= 0 {
		errs = append(errs, errors.New("BUCKETING_SUBMISSION_BUCKETS must be > 0"))
	}
	return errors.Join(errs...)
}

func (c *Config) UsesRedisRateLimit() bool {
	return strings.EqualFold(c.RateLimit.Backend, "redis")
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
