package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration, loaded from
// orchestrator.yaml with environment overrides.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Backends   BackendsConfig   `mapstructure:"backends"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Reference  ReferenceConfig  `mapstructure:"reference"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	TurnTTL    time.Duration `mapstructure:"turn_ttl"`
	MaxHistory int           `mapstructure:"max_history"`
}

type StorageConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	PutTimeout time.Duration `mapstructure:"put_timeout"`
	GetTimeout time.Duration `mapstructure:"get_timeout"`
}

type ClassifierConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BypassThreshold float64       `mapstructure:"bypass_threshold"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst"`
	RulesFile       string        `mapstructure:"rules_file"`
}

type BackendsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NormalizerConfig struct {
	SoftLimitBytes int64         `mapstructure:"soft_limit_bytes"`
	HardCapBytes   int64         `mapstructure:"hard_cap_bytes"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	LocalRoot      string        `mapstructure:"local_root"`
}

type ReferenceConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxHops       int `mapstructure:"max_hops"`
}

type ExecutorConfig struct {
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from CONFIG_PATH (default
// configs/orchestrator.yaml), then applies defaults and env overrides.
// A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/orchestrator.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.applyDefaults()
	c.applyEnvOverrides()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.AdminPort == 0 {
		c.Server.AdminPort = 8081
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.TurnTTL == 0 {
		c.Redis.TurnTTL = 7 * 24 * time.Hour
	}
	if c.Redis.MaxHistory == 0 {
		c.Redis.MaxHistory = 200
	}
	if c.Storage.BaseURL == "" {
		c.Storage.BaseURL = "http://object-storage:9000"
	}
	if c.Storage.PutTimeout == 0 {
		c.Storage.PutTimeout = 10 * time.Second
	}
	if c.Storage.GetTimeout == 0 {
		c.Storage.GetTimeout = 15 * time.Second
	}
	if c.Classifier.BaseURL == "" {
		c.Classifier.BaseURL = "http://llm-service:8000"
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 30 * time.Second
	}
	if c.Classifier.BypassThreshold == 0 {
		c.Classifier.BypassThreshold = 0.85
	}
	if c.Classifier.RatePerSecond == 0 {
		c.Classifier.RatePerSecond = 10
	}
	if c.Classifier.RateBurst == 0 {
		c.Classifier.RateBurst = 20
	}
	if c.Classifier.RulesFile == "" {
		c.Classifier.RulesFile = "configs/rules.yaml"
	}
	if c.Backends.BaseURL == "" {
		c.Backends.BaseURL = "http://generation:7000"
	}
	if c.Backends.Timeout == 0 {
		c.Backends.Timeout = 120 * time.Second
	}
	if c.Normalizer.SoftLimitBytes == 0 {
		c.Normalizer.SoftLimitBytes = 8 << 20
	}
	if c.Normalizer.HardCapBytes == 0 {
		c.Normalizer.HardCapBytes = 25 << 20
	}
	if c.Normalizer.FetchTimeout == 0 {
		c.Normalizer.FetchTimeout = 15 * time.Second
	}
	if c.Reference.WindowSeconds == 0 {
		c.Reference.WindowSeconds = 30
	}
	if c.Reference.MaxHops == 0 {
		c.Reference.MaxHops = 10
	}
	if c.Executor.PersistTimeout == 0 {
		c.Executor.PersistTimeout = 5 * time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("STORAGE_URL"); v != "" {
		c.Storage.BaseURL = v
	}
	if v := os.Getenv("LLM_SERVICE_URL"); v != "" {
		c.Classifier.BaseURL = v
	}
	if v := os.Getenv("GENERATION_URL"); v != "" {
		c.Backends.BaseURL = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Database.Host = v
		c.Database.Enabled = true
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Database.Port = n
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.AdminPort = n
		}
	}
	if v := os.Getenv("CLASSIFY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Classifier.Timeout = time.Duration(n) * time.Second
		}
	}
}
