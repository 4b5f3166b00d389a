package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gwi.com/prefs-assistant/internal/credential"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	APIURL                string `yaml:"api_url"`
	HTTPPort              string `yaml:"http_port"`
	LogMode               string `yaml:"log_mode"`
	CredentialBackend     string `yaml:"credential_backend"`
	CredentialPath        string `yaml:"credential_path"`
	CredentialKey         string `yaml:"credential_key"`
	CredentialPassphrase  string `yaml:"credential_passphrase"`
	RedisAddr             string `yaml:"redis_addr"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	StaleGuard            bool   `yaml:"stale_guard"`
}

func defaults() Config {
	return Config{
		APIURL:                "http://localhost:8080/api",
		HTTPPort:              "3000",
		LogMode:               "development",
		CredentialBackend:     BackendFile,
		CredentialKey:         credential.DefaultKey,
		RequestTimeoutSeconds: 30,
	}
}

// Load reads .env if present, then the YAML file named by CONFIG_FILE, then the process environment. Later sources
// win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.APIURL = getEnv("API_URL", cfg.APIURL)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.LogMode = getEnv("LOG_MODE", cfg.LogMode)
	cfg.CredentialBackend = strings.ToLower(getEnv("CREDENTIAL_BACKEND", cfg.CredentialBackend))
	cfg.CredentialPath = getEnv("CREDENTIAL_PATH", cfg.CredentialPath)
	cfg.CredentialKey = getEnv("CREDENTIAL_KEY", cfg.CredentialKey)
	cfg.CredentialPassphrase = getEnv("CREDENTIAL_PASSPHRASE", cfg.CredentialPassphrase)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RequestTimeoutSeconds = getEnvAsInt("REQUEST_TIMEOUT_SECONDS", cfg.RequestTimeoutSeconds)
	cfg.StaleGuard = getEnvAsBool("STALE_GUARD", cfg.StaleGuard)

	if cfg.CredentialPath == "" {
		cfg.CredentialPath = defaultCredentialPath(cfg.CredentialBackend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if _, err := strconv.Atoi(c.HTTPPort); err != nil {
		return fmt.Errorf("HTTP_PORT must be numeric, got %q", c.HTTPPort)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.CredentialKey == "" {
		return errors.New("CREDENTIAL_KEY cannot be empty")
	}
	switch c.CredentialBackend {
	case BackendFile, BackendSQLite:
		if c.CredentialPath == "" {
			return fmt.Errorf("CREDENTIAL_PATH is required for the %s backend", c.CredentialBackend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown CREDENTIAL_BACKEND %q", c.CredentialBackend)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// OpenCredentialStore builds the configured credential store, wrapped in encryption when a passphrase is set. The
// returned func releases whatever the store holds open.
func (c *Config) OpenCredentialStore() (credential.Store, func() error, error) {
	noop := func() error { return nil }

	var (
		store   credential.Store
		release = noop
	)
	switch c.CredentialBackend {
	case BackendFile:
		fstore, err := credential.NewFileStore(c.CredentialPath, c.CredentialKey)
		if err != nil {
			return nil, nil, err
		}
		store = fstore
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(c.CredentialPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create credential directory: %w", err)
		}
		ss, err := credential.NewSQLiteStore(c.CredentialPath, c.CredentialKey)
		if err != nil {
			return nil, nil, err
		}
		store, release = ss, ss.Close
	case BackendRedis:
		rdb, err := credential.DialRedis(c.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		rs, err := credential.NewRedisStore(rdb, c.CredentialKey)
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		store, release = rs, rdb.Close
	case BackendMemory:
		store = credential.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("unknown credential backend %q", c.CredentialBackend)
	}

	if c.CredentialPassphrase != "" {
		enc, err := credential.NewEncryptedStore(store, c.CredentialPassphrase)
		if err != nil {
			release()
			return nil, nil, err
		}
		store = enc
	}
	return store, release, nil
}

func defaultCredentialPath(backend string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	name := "credentials.json"
	if backend == BackendSQLite {
		name = "credentials.db"
	}
	return filepath.Join(dir, "prefs-assistant", name)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
