package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Refresh  RefreshConfig
	Devices  DeviceConfig
	Login    LoginConfig
	CORS     CORSConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the access token signing key set.
type JWTConfig struct {
	Secret       string
	KeyID        string
	PreviousKeys map[string]string
	Expiration   time.Duration
	Issuer       string
	Audience     []string
}

// RefreshConfig governs refresh credential lifetime and storage hygiene.
type RefreshConfig struct {
	Expiration    time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

// DeviceConfig drives device admission and trust gated privileges.
type DeviceConfig struct {
	IOSSignatures     []string
	AndroidSignatures []string
	BiometricMinTrust int
	PushMinTrust      int
	TrustLogVerbose   bool
	SessionWorkers    int
}

// LoginConfig configures the failed-login lock policy.
type LoginConfig struct {
	MaxAttempts  int
	LockDuration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:       v.GetString("JWT_SECRET"),
		KeyID:        v.GetString("JWT_KEY_ID"),
		PreviousKeys: parseKeySet(v.GetString("JWT_PREVIOUS_KEYS")),
		Expiration:   parseDuration(v.GetString("ACCESS_TOKEN_TTL"), time.Hour),
		Issuer:       v.GetString("JWT_ISSUER"),
		Audience:     splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.Refresh = RefreshConfig{
		Expiration:    parseDuration(v.GetString("REFRESH_TOKEN_TTL"), 30*24*time.Hour),
		Retention:     parseDuration(v.GetString("REFRESH_RETENTION"), 7*24*time.Hour),
		SweepInterval: parseDuration(v.GetString("REFRESH_SWEEP_INTERVAL"), time.Hour),
	}

	cfg.Devices = DeviceConfig{
		IOSSignatures:     splitAndTrim(v.GetString("APP_SIGNATURES_IOS")),
		AndroidSignatures: splitAndTrim(v.GetString("APP_SIGNATURES_ANDROID")),
		BiometricMinTrust: v.GetInt("BIOMETRIC_MIN_TRUST"),
		PushMinTrust:      v.GetInt("PUSH_MIN_TRUST"),
		TrustLogVerbose:   v.GetBool("TRUST_LOG_VERBOSE"),
		SessionWorkers:    v.GetInt("SESSION_WORKERS"),
	}

	cfg.Login = LoginConfig{
		MaxAttempts:  v.GetInt("LOGIN_MAX_ATTEMPTS"),
		LockDuration: parseDuration(v.GetString("LOGIN_LOCK_DURATION"), 15*time.Minute),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	if cfg.Env == EnvProduction && cfg.JWT.Secret == devSecret {
		return nil, errors.New("JWT_SECRET must be set in production")
	}

	return cfg, nil
}

const devSecret = "dev_secret"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "vnipet_auth")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", devSecret)
	v.SetDefault("JWT_KEY_ID", "k1")
	v.SetDefault("JWT_PREVIOUS_KEYS", "")
	v.SetDefault("ACCESS_TOKEN_TTL", "1h")
	v.SetDefault("JWT_ISSUER", "vnipet-auth")
	v.SetDefault("JWT_AUDIENCE", "vnipet-app")

	v.SetDefault("REFRESH_TOKEN_TTL", "720h")
	v.SetDefault("REFRESH_RETENTION", "168h")
	v.SetDefault("REFRESH_SWEEP_INTERVAL", "1h")

	v.SetDefault("APP_SIGNATURES_IOS", "com.vnipet.app")
	v.SetDefault("APP_SIGNATURES_ANDROID", "com.vnipet.app")
	v.SetDefault("BIOMETRIC_MIN_TRUST", 60)
	v.SetDefault("PUSH_MIN_TRUST", 50)
	v.SetDefault("TRUST_LOG_VERBOSE", false)
	v.SetDefault("SESSION_WORKERS", 2)

	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_LOCK_DURATION", "15m")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// parseKeySet reads "kid:secret,kid2:secret2" pairs. Malformed entries are skipped.
func parseKeySet(raw string) map[string]string {
	keys := make(map[string]string)
	for _, entry := range splitAndTrim(raw) {
		kid, secret, ok := strings.Cut(entry, ":")
		kid = strings.TrimSpace(kid)
		if !ok || kid == "" || secret == "" {
			continue
		}
		keys[kid] = secret
	}
	return keys
}
