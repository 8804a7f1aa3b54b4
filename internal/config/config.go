package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultProvider           = "mistral"
	DefaultContextWindow      = 128000
	DefaultContextPercentage  = 0.4
	DefaultMaxFileBytes       = 256 * 1024
	DefaultMaxTotalBytes      = 8 * 1024 * 1024
	DefaultStoreTTLSeconds    = 86400
	DefaultCleanupInterval    = 300
	DefaultCleanupProbability = 0.02
	DefaultRolloverLimit      = 1000
	DefaultSessionTTLSeconds  = 90 * 24 * 3600
	DefaultSessionCleanupProb = 0.01
	DefaultClaimTimeout       = 90
	DefaultUploadConcurrency  = 4
)

type Config struct {
	Store       StoreConfig       `toml:"store"`
	Provider    ProviderConfig    `toml:"provider"`
	Inline      InlineConfig      `toml:"inline"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	Session     SessionConfig     `toml:"session"`
	Dedup       DedupConfig       `toml:"dedup"`
}

type StoreConfig struct {
	// Path of the SQLite database. Empty means <state dir>/attache.sqlite.
	Path string `toml:"path"`
}

type ProviderConfig struct {
	Name    string `toml:"name"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type InlineConfig struct {
	ContextWindow     int      `toml:"context_window"`
	ContextPercentage float64  `toml:"context_percentage"`
	MaxFileBytes      int64    `toml:"max_file_bytes"`
	MaxTotalBytes     int64    `toml:"max_total_bytes"`
	PathExcludes      []string `toml:"path_excludes"`
}

type VectorStoreConfig struct {
	TTLSeconds             int64   `toml:"ttl_seconds"`
	CleanupIntervalSeconds int64   `toml:"cleanup_interval_seconds"`
	CleanupProbability     float64 `toml:"cleanup_probability"`
	RolloverLimit          int64   `toml:"rollover_limit"`
}

type SessionConfig struct {
	TTLSeconds         int64   `toml:"ttl_seconds"`
	CleanupProbability float64 `toml:"cleanup_probability"`
}

type DedupConfig struct {
	ClaimTimeoutSeconds int64 `toml:"claim_timeout_seconds"`
	SerializeUploads    bool  `toml:"serialize_uploads"`
	UploadConcurrency   int   `toml:"upload_concurrency"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Name: DefaultProvider,
		},
		Inline: InlineConfig{
			ContextWindow:     DefaultContextWindow,
			ContextPercentage: DefaultContextPercentage,
			MaxFileBytes:      DefaultMaxFileBytes,
			MaxTotalBytes:     DefaultMaxTotalBytes,
			PathExcludes:      nil,
		},
		VectorStore: VectorStoreConfig{
			TTLSeconds:             DefaultStoreTTLSeconds,
			CleanupIntervalSeconds: DefaultCleanupInterval,
			CleanupProbability:     DefaultCleanupProbability,
			RolloverLimit:          DefaultRolloverLimit,
		},
		Session: SessionConfig{
			TTLSeconds:         DefaultSessionTTLSeconds,
			CleanupProbability: DefaultSessionCleanupProb,
		},
		Dedup: DedupConfig{
			ClaimTimeoutSeconds: DefaultClaimTimeout,
			SerializeUploads:    false,
			UploadConcurrency:   DefaultUploadConcurrency,
		},
	}
}

// Load builds the effective config. Precedence, lowest to highest:
// defaults, config file, environment. Dotenv files are folded into the
// environment first (set-if-unset, .env then .env.local). An explicitly
// given path must exist; the default user config path is optional.
func Load(path string) (Config, error) {
	if err := loadDotEnvPrecedence(); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := mergeFile(&cfg, path); err != nil {
		return Config{}, err
	}
	mergeEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnvPrecedence() error {
	for _, name := range []string{".env", ".env.local"} {
		values, err := godotenv.Read(name)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); !exists {
				if setErr := os.Setenv(k, v); setErr != nil {
					return setErr
				}
			}
		}
	}
	return nil
}

func mergeFile(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = Path()
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func mergeEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ATTACHE_DB_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("ATTACHE_PROVIDER")); v != "" {
		cfg.Provider.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("ATTACHE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ATTACHE_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ATTACHE_SERIALIZE_UPLOADS")); v != "" {
		cfg.Dedup.SerializeUploads = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("ATTACHE_ROLLOVER_LIMIT")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.VectorStore.RolloverLimit = n
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Provider.Name) == "" {
		return errors.New("provider.name must not be empty")
	}
	if c.Inline.ContextWindow <= 0 {
		return fmt.Errorf("inline.context_window must be positive, got %d", c.Inline.ContextWindow)
	}
	if c.Inline.ContextPercentage <= 0 || c.Inline.ContextPercentage > 1 {
		return fmt.Errorf("inline.context_percentage must be in (0, 1], got %g", c.Inline.ContextPercentage)
	}
	if c.Inline.MaxFileBytes <= 0 {
		return fmt.Errorf("inline.max_file_bytes must be positive, got %d", c.Inline.MaxFileBytes)
	}
	if c.Inline.MaxTotalBytes < c.Inline.MaxFileBytes {
		return fmt.Errorf("inline.max_total_bytes (%d) must be at least inline.max_file_bytes (%d)",
			c.Inline.MaxTotalBytes, c.Inline.MaxFileBytes)
	}
	if c.VectorStore.TTLSeconds <= 0 {
		return fmt.Errorf("vector_store.ttl_seconds must be positive, got %d", c.VectorStore.TTLSeconds)
	}
	if c.VectorStore.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("vector_store.cleanup_interval_seconds must be positive, got %d", c.VectorStore.CleanupIntervalSeconds)
	}
	if c.VectorStore.CleanupProbability < 0 || c.VectorStore.CleanupProbability > 1 {
		return fmt.Errorf("vector_store.cleanup_probability must be in [0, 1], got %g", c.VectorStore.CleanupProbability)
	}
	if c.VectorStore.RolloverLimit <= 0 {
		return fmt.Errorf("vector_store.rollover_limit must be positive, got %d", c.VectorStore.RolloverLimit)
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttl_seconds must be positive, got %d", c.Session.TTLSeconds)
	}
	if c.Session.CleanupProbability < 0 || c.Session.CleanupProbability > 1 {
		return fmt.Errorf("session.cleanup_probability must be in [0, 1], got %g", c.Session.CleanupProbability)
	}
	if c.Dedup.ClaimTimeoutSeconds <= 0 {
		return fmt.Errorf("dedup.claim_timeout_seconds must be positive, got %d", c.Dedup.ClaimTimeoutSeconds)
	}
	if c.Dedup.UploadConcurrency < 1 {
		return fmt.Errorf("dedup.upload_concurrency must be at least 1, got %d", c.Dedup.UploadConcurrency)
	}
	return nil
}

// TokenBudget returns the inline token ceiling derived from the model
// context window and the configured usable fraction.
func (c Config) TokenBudget() int {
	return int(float64(c.Inline.ContextWindow) * c.Inline.ContextPercentage)
}

// StorePathIn resolves the SQLite path, preferring an explicit store.path
// over the conventional location inside stateDir.
func (c Config) StorePathIn(stateDir string) string {
	if strings.TrimSpace(c.Store.Path) != "" {
		return c.Store.Path
	}
	return filepath.Join(stateDir, "attache.sqlite")
}

// ResolveAPIKey returns the provider API key, falling back to the
// provider's conventional environment variable when the config value is
// empty.
func (c Config) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.Provider.APIKey); key != "" {
		return key
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Name)) {
	case "mistral":
		return strings.TrimSpace(os.Getenv("MISTRAL_API_KEY"))
	case "openai":
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return ""
}

// Path returns the user-level config file location.
func Path() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "attache", "config.toml"), nil
}

// Save writes cfg as TOML to path, creating parent directories. An empty
// path means the user-level location.
func Save(cfg Config, path string) error {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// SaveSecret writes a key=value pair into .env.local, updating the key in
// place when present, and sets it in the current process environment.
func SaveSecret(key, value string) error {
	const path = ".env.local"
	env := map[string]string{}
	existing, err := godotenv.Read(path)
	if err == nil {
		env = existing
	}
	env[key] = value
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Setenv(key, value)
}
