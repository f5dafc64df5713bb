package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string
	LogLevel   string
	LogFormat  string
	// Token lifetimes
	AccessTokenHours int
	RefreshTokenDays int
	// APIKeys maps an opaque machine key to the scopes it grants.
	APIKeys            map[string][]string
	RateRedisURL       string
	CORSAllowedOrigins []string
	// ResourceTables restricts the generic CRUD gateway; empty means every registered table.
	ResourceTables []string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def, min, max int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", key, min, max, n)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AccessTTL is the lifetime of access tokens.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenHours) * time.Hour
}

// RefreshTTL is the lifetime of refresh tokens.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenDays) * 24 * time.Hour
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// ParseAPIKeysJSON decodes API_KEYS_JSON, e.g. {"key-1":["db","doc"]}.
func ParseAPIKeysJSON(raw string) (map[string][]string, error) {
	keys := map[string][]string{}
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("API_KEYS_JSON must be valid JSON: %w", err)
	}
	return keys, nil
}

type apiKeyFile struct {
	Keys []struct {
		Key    string   `yaml:"key"`
		Scopes []string `yaml:"scopes"`
	} `yaml:"api_keys"`
}

// LoadAPIKeysFile reads a YAML document of the form
//
//	api_keys:
//	  - key: abc
//	    scopes: [db, doc]
func LoadAPIKeysFile(path string) (map[string][]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading api key file: %w", err)
	}
	var f apiKeyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing api key file: %w", err)
	}
	keys := make(map[string][]string, len(f.Keys))
	for _, k := range f.Keys {
		if k.Key == "" {
			return nil, errors.New("api key file: entry with empty key")
		}
		keys[k.Key] = append(keys[k.Key], k.Scopes...)
	}
	return keys, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/labkeeper.db"),
		JwtSecret:  getenv("JWT_SECRET_KEY", getenv("JWT_SECRET", "change-me")),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogFormat:  getenv("LOG_FORMAT", "text"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "lab")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "labpass")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "labkeeper")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		RateRedisURL:     getenv("RATE_REDIS_URL", ""),
		// comma separated
		CORSAllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS", "")),
		ResourceTables:     splitList(getenv("RESOURCE_TABLES", "")),
	}

	var err error
	if c.AccessTokenHours, err = getenvInt("JWT_ACCESS_TOKEN_EXPIRES_HOURS", 12, 1, 72); err != nil {
		return nil, err
	}
	if c.RefreshTokenDays, err = getenvInt("JWT_REFRESH_TOKEN_EXPIRES_DAYS", 30, 1, 365); err != nil {
		return nil, err
	}

	if c.APIKeys, err = ParseAPIKeysJSON(os.Getenv("API_KEYS_JSON")); err != nil {
		return nil, err
	}
	if path := os.Getenv("API_KEYS_FILE"); path != "" {
		fromFile, err := LoadAPIKeysFile(path)
		if err != nil {
			return nil, err
		}
		for k, scopes := range fromFile {
			c.APIKeys[k] = scopes
		}
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	env := strings.ToLower(getenv("APP_ENV", getenv("ENV", "")))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "" || c.JwtSecret == "change-me" {
			return nil, errors.New("JWT_SECRET_KEY must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
