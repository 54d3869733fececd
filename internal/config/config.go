package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the API process.
// Values come from the environment; a local .env file is loaded first when present.
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Auth     AuthConfig
	Engine   EngineConfig
	Provider ProviderConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string

	MaxConns int32
}

// RedisConfig is optional. Without a host the per-user checkout cap is off.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig is optional. Without a URL domain events are dropped.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type EngineConfig struct {
	Currency string

	// MaxTxAttempts bounds replays of one transaction on write conflicts.
	MaxTxAttempts int
	RetryBackoff  time.Duration
	TxTimeout     time.Duration

	// CheckoutConcurrency caps in-flight checkouts per user.
	CheckoutConcurrency int

	// DefaultCommissionRate is a percent, e.g. "10" or "7.5".
	DefaultCommissionRate string

	// SweepInterval runs the expiry sweep in-process when positive.
	SweepInterval time.Duration
	SweepBatch    int
}

// ProviderConfig is optional. Without a base URL rotation and health checks report unavailable.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		v, err := mustInt("APP_PORT")
		c.App.Port, parseErrs = appendParseErr(parseErrs, v, err)
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		v, err := mustInt("DB_PORT")
		c.DB.Port, parseErrs = appendParseErr(parseErrs, v, err)
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	{
		n, err := optionalInt("DB_MAX_CONNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxConns = int32(n)
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		v, err := optionalInt("REDIS_PORT")
		c.Redis.Port, parseErrs = appendParseErr(parseErrs, v, err)
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		v, err := optionalInt("REDIS_DB")
		c.Redis.DB, parseErrs = appendParseErr(parseErrs, v, err)
	}

	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	c.NATS.SubjectPrefix = strings.TrimSpace(os.Getenv("NATS_SUBJECT_PREFIX"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	{
		v, err := optionalDuration("JWT_ACCESS_TTL")
		c.Auth.AccessTokenTTL, parseErrs = appendParseErr(parseErrs, v, err)
	}

	c.Engine.Currency = strings.ToUpper(strings.TrimSpace(os.Getenv("ENGINE_CURRENCY")))
	{
		v, err := optionalInt("ENGINE_MAX_TX_ATTEMPTS")
		c.Engine.MaxTxAttempts, parseErrs = appendParseErr(parseErrs, v, err)
	}
	{
		v, err := optionalDuration("ENGINE_RETRY_BACKOFF")
		c.Engine.RetryBackoff, parseErrs = appendParseErr(parseErrs, v, err)
	}
	{
		v, err := optionalDuration("ENGINE_TX_TIMEOUT")
		c.Engine.TxTimeout, parseErrs = appendParseErr(parseErrs, v, err)
	}
	{
		v, err := optionalInt("ENGINE_CHECKOUT_CONCURRENCY")
		c.Engine.CheckoutConcurrency, parseErrs = appendParseErr(parseErrs, v, err)
	}
	c.Engine.DefaultCommissionRate = strings.TrimSpace(os.Getenv("ENGINE_COMMISSION_RATE"))
	{
		v, err := optionalDuration("ENGINE_SWEEP_INTERVAL")
		c.Engine.SweepInterval, parseErrs = appendParseErr(parseErrs, v, err)
	}
	{
		v, err := optionalInt("ENGINE_SWEEP_BATCH")
		c.Engine.SweepBatch, parseErrs = appendParseErr(parseErrs, v, err)
	}

	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Provider.APIKey = os.Getenv("PROVIDER_API_KEY")
	{
		v, err := optionalDuration("PROVIDER_TIMEOUT")
		c.Provider.Timeout, parseErrs = appendParseErr(parseErrs, v, err)
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadDatabase reads only the settings schema tooling needs.
func LoadDatabase() (Config, error) {
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error
	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		v, err := mustInt("DB_PORT")
		c.DB.Port, parseErrs = appendParseErr(parseErrs, v, err)
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := joinErrors(c.validateDB()); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "reseller."
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Engine.Currency == "" {
		c.Engine.Currency = "VND"
	} else if len(c.Engine.Currency) != 3 {
		errs = append(errs, fmt.Errorf("ENGINE_CURRENCY must be an ISO 4217 code, got %q", c.Engine.Currency))
	}
	if c.Engine.MaxTxAttempts <= 0 {
		c.Engine.MaxTxAttempts = 3
	} else if c.Engine.MaxTxAttempts > 10 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_TX_ATTEMPTS must be at most 10, got %d", c.Engine.MaxTxAttempts))
	}
	if c.Engine.RetryBackoff <= 0 {
		c.Engine.RetryBackoff = 25 * time.Millisecond
	}
	if c.Engine.TxTimeout <= 0 {
		c.Engine.TxTimeout = 10 * time.Second
	}
	if c.Engine.CheckoutConcurrency <= 0 {
		c.Engine.CheckoutConcurrency = 2
	}
	if c.Engine.DefaultCommissionRate == "" {
		c.Engine.DefaultCommissionRate = "0"
	}
	if r, err := decimal.NewFromString(c.Engine.DefaultCommissionRate); err != nil || r.IsNegative() || r.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("ENGINE_COMMISSION_RATE must be a percent between 0 and 100, got %q", c.Engine.DefaultCommissionRate))
	}
	if c.Engine.SweepInterval < 0 {
		errs = append(errs, errors.New("ENGINE_SWEEP_INTERVAL must not be negative"))
	}
	if c.Engine.SweepBatch <= 0 {
		c.Engine.SweepBatch = 500
	}

	if c.Provider.BaseURL != "" && !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("PROVIDER_BASE_URL must be an http(s) URL, got %q", c.Provider.BaseURL))
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 10 * time.Second
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must not be negative, got %d", c.DB.MaxConns))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 30s, got %q", key, v)
	}
	return d, nil
}

func appendParseErr[T any](errs []error, v T, err error) (T, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
