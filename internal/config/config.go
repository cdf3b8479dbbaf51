package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Search      SearchConfig              `json:"search"`
	Redis       RedisConfig               `json:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases"`
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`
}

// BasicConfig durations are expressed in minutes.
type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	SessionBaseDir    string `json:"session_base_dir"`
	DefaultProvider   string `json:"default_provider"`
	DefaultModel      string `json:"default_model"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"`
	GenerationTimeout int    `json:"generation_timeout"`
	SessionTTL        int    `json:"session_ttl"`
	CleanInterval     int    `json:"clean_interval"`
	MaxUploadMB       int    `json:"max_upload_mb"`
	MaxToolRounds     int    `json:"max_tool_rounds"`
}

type SearchConfig struct {
	GoogleAPIKey      string `json:"google_api_key"`
	GoogleEngineID    string `json:"google_engine_id"`
	SerperAPIKey      string `json:"serper_api_key"`
	MaxResults        int    `json:"max_results"`
	DisableDuckDuckGo bool   `json:"disable_duckduckgo"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

const defaultConfigPath = "config.json"

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error; the defaults plus environment are used.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.BasicConfig.SessionBaseDir) {
		cfg.BasicConfig.SessionBaseDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.SessionBaseDir)
	}
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8000"
	}
	if b.SessionBaseDir == "" {
		b.SessionBaseDir = "sessions"
	}
	if b.DefaultProvider == "" {
		b.DefaultProvider = "openai"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers + 3
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 32
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.GenerationTimeout <= 0 {
		b.GenerationTimeout = 10
	}
	if b.SessionTTL <= 0 {
		b.SessionTTL = 24 * 60
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = 30
	}
	if b.MaxUploadMB <= 0 {
		b.MaxUploadMB = 10
	}
	if b.MaxToolRounds <= 0 {
		b.MaxToolRounds = 6
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 5
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "motionforge.db"}
	}
	if my, ok := c.Databases["mysql"]; ok {
		// session timestamps are scanned into time.Time
		if !strings.Contains(my.Params, "parseTime=") {
			if my.Params != "" {
				my.Params += "&"
			}
			my.Params += "parseTime=true"
		}
		c.Databases["mysql"] = my
	}
}

var providerKeyEnv = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"claude":   "ANTHROPIC_API_KEY",
	"gemini":   "GEMINI_API_KEY",
	"deepseek": "DEEPSEEK_API_KEY",
}

var providerModelDefaults = map[string]string{
	"openai":   "o3",
	"claude":   "claude-sonnet-4-5",
	"gemini":   "gemini-2.5-pro",
	"deepseek": "deepseek-reasoner",
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("MOTIONFORGE_ADDR"); val != "" {
		c.BasicConfig.ServerAddress = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if _, err := strconv.Atoi(val); err == nil {
			c.BasicConfig.ServerAddress = ":" + val
		}
	}
	if val := os.Getenv("MOTIONFORGE_SESSION_DIR"); val != "" {
		c.BasicConfig.SessionBaseDir = val
	}
	if val := os.Getenv("MOTIONFORGE_PROVIDER"); val != "" {
		c.BasicConfig.DefaultProvider = val
	}
	if val := os.Getenv("MOTIONFORGE_MODEL"); val != "" {
		c.BasicConfig.DefaultModel = val
	}
	for name, env := range providerKeyEnv {
		key := os.Getenv(env)
		prov, ok := c.Providers[name]
		if !ok && key == "" {
			continue
		}
		if prov.APIKey == "" {
			prov.APIKey = key
		}
		if prov.Model == "" {
			prov.Model = providerModelDefaults[name]
		}
		c.Providers[name] = prov
	}
	if val := os.Getenv("GOOGLE_API_KEY"); val != "" && c.Search.GoogleAPIKey == "" {
		c.Search.GoogleAPIKey = val
	}
	for _, env := range []string{"GOOGLE_SEARCH_ENGINE_ID", "GOOGLE_CX"} {
		if val := os.Getenv(env); val != "" && c.Search.GoogleEngineID == "" {
			c.Search.GoogleEngineID = val
		}
	}
	if val := os.Getenv("SERPER_API_KEY"); val != "" && c.Search.SerperAPIKey == "" {
		c.Search.SerperAPIKey = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" && c.Redis.Host == "" {
		host, port, found := strings.Cut(val, ":")
		c.Redis.Host = host
		if found {
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
		}
	}
}

func (c *Config) validate() error {
	if c.BasicConfig.SessionBaseDir == "" {
		return errors.New("session_base_dir must be configured")
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("max_workers (%d) must not be below min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	return nil
}

// Provider returns the provider config by name, falling back to the default provider.
func (c *Config) Provider(name string) (string, ProviderConfig, error) {
	if name == "" {
		name = c.BasicConfig.DefaultProvider
	}
	prov, ok := c.Providers[name]
	if !ok {
		return name, ProviderConfig{}, fmt.Errorf("provider %s not configured", name)
	}
	if prov.APIKey == "" {
		return name, prov, fmt.Errorf("api key for provider %s not configured", name)
	}
	return name, prov, nil
}
