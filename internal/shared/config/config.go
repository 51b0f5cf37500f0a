package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Payment    PaymentConfig    `mapstructure:"payment"`
	Gateways   GatewaysConfig   `mapstructure:"gateways"`
	Enrollment EnrollmentConfig `mapstructure:"enrollment"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. The cache sits on the checkout
// path, so command timeouts are configured explicitly.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// PaymentConfig holds orchestration-level payment configuration.
type PaymentConfig struct {
	// NotifyBaseURL is the public base URL gateways call back into,
	// e.g. https://api.example.com. Webhook paths are appended to it.
	NotifyBaseURL string `mapstructure:"notify_base_url"`
	// ReturnBaseURL is the public base URL browsers are redirected back to.
	ReturnBaseURL string `mapstructure:"return_base_url"`
	Currency      string `mapstructure:"currency"`
	// PriceCacheTTL bounds how long a course price read stays cached.
	PriceCacheTTL time.Duration `mapstructure:"price_cache_ttl"`
}

// GatewaysConfig holds the credential material for each payment gateway.
// Credentials are loaded once at startup; a gateway with Enabled=true and
// incomplete credentials is a fatal configuration error.
type GatewaysConfig struct {
	Hosted    HostedGatewayConfig    `mapstructure:"hosted"`
	Redirect  RedirectGatewayConfig  `mapstructure:"redirect"`
	ApiSigned ApiSignedGatewayConfig `mapstructure:"apisigned"`
}

// HostedGatewayConfig configures the hosted-checkout (session based) gateway.
type HostedGatewayConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// SignatureTolerance bounds webhook timestamp skew.
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// Validate checks the hosted gateway credentials.
func (c *HostedGatewayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.APIKey == "" {
		return fmt.Errorf("gateways.hosted.api_key is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("gateways.hosted.webhook_secret is required")
	}
	return nil
}

// RedirectGatewayConfig configures the redirect (signed query string) gateway.
type RedirectGatewayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TenantCode string `mapstructure:"tenant_code"`
	HashSecret string `mapstructure:"hash_secret"`
	PayURL     string `mapstructure:"pay_url"`
	// APIURL is the back-office API used for refund requests.
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate checks the redirect gateway credentials.
func (c *RedirectGatewayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TenantCode == "" {
		return fmt.Errorf("gateways.redirect.tenant_code is required")
	}
	if c.HashSecret == "" {
		return fmt.Errorf("gateways.redirect.hash_secret is required")
	}
	if c.PayURL == "" {
		return fmt.Errorf("gateways.redirect.pay_url is required")
	}
	return nil
}

// ApiSignedGatewayConfig configures the server-to-server signed gateway.
type ApiSignedGatewayConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	PartnerCode string        `mapstructure:"partner_code"`
	AccessKey   string        `mapstructure:"access_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	Endpoint    string        `mapstructure:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Validate checks the apisigned gateway credentials.
func (c *ApiSignedGatewayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.PartnerCode == "" {
		return fmt.Errorf("gateways.apisigned.partner_code is required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("gateways.apisigned.access_key is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("gateways.apisigned.secret_key is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("gateways.apisigned.endpoint is required")
	}
	return nil
}

// Validate checks all gateway configurations.
func (c *GatewaysConfig) Validate() error {
	if err := c.Hosted.Validate(); err != nil {
		return err
	}
	if err := c.Redirect.Validate(); err != nil {
		return err
	}
	if err := c.ApiSigned.Validate(); err != nil {
		return err
	}
	if !c.Hosted.Enabled && !c.Redirect.Enabled && !c.ApiSigned.Enabled {
		return fmt.Errorf("at least one payment gateway must be enabled")
	}
	return nil
}

// EnrollmentConfig holds the external enrollment service configuration.
type EnrollmentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/coursehub")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("COURSEHUB")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if secret := os.Getenv("COURSEHUB_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if password := os.Getenv("COURSEHUB_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("COURSEHUB_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("COURSEHUB_HOSTED_API_KEY"); key != "" {
		cfg.Gateways.Hosted.APIKey = key
	}
	if secret := os.Getenv("COURSEHUB_HOSTED_WEBHOOK_SECRET"); secret != "" {
		cfg.Gateways.Hosted.WebhookSecret = secret
	}
	if secret := os.Getenv("COURSEHUB_REDIRECT_HASH_SECRET"); secret != "" {
		cfg.Gateways.Redirect.HashSecret = secret
	}
	if key := os.Getenv("COURSEHUB_APISIGNED_SECRET_KEY"); key != "" {
		cfg.Gateways.ApiSigned.SecretKey = key
	}

	if err := cfg.Gateways.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "coursehub")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)
	v.SetDefault("redis.write_timeout", time.Second)

	// Payment defaults
	v.SetDefault("payment.notify_base_url", "http://localhost:8080")
	v.SetDefault("payment.return_base_url", "http://localhost:3000")
	v.SetDefault("payment.currency", "VND")
	v.SetDefault("payment.price_cache_ttl", 5*time.Minute)

	// Gateway defaults
	v.SetDefault("gateways.hosted.enabled", false)
	v.SetDefault("gateways.hosted.signature_tolerance", 5*time.Minute)
	v.SetDefault("gateways.hosted.timeout", 15*time.Second)
	v.SetDefault("gateways.redirect.enabled", false)
	v.SetDefault("gateways.redirect.timeout", 15*time.Second)
	v.SetDefault("gateways.apisigned.enabled", false)
	v.SetDefault("gateways.apisigned.timeout", 15*time.Second)

	// Enrollment defaults
	v.SetDefault("enrollment.base_url", "http://localhost:8081")
	v.SetDefault("enrollment.timeout", 10*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
