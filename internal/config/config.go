package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"
)

const appName = "labhub"

type Config struct {
	Database *dbConfig     `json:"database,omitempty"`
	Bus      *busConfig    `json:"bus,omitempty"`
	Service  *svcConfig    `json:"service,omitempty"`
	Engine   *engineConfig `json:"engine,omitempty"`
}

type dbConfig struct {
	Type     string `json:"type,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type busConfig struct {
	URL      string `json:"url,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type svcConfig struct {
	Address        string `json:"address,omitempty"`
	MetricsAddress string `json:"metricsAddress,omitempty"`
	LogLevel       string `json:"logLevel,omitempty"`
}

type engineConfig struct {
	WorkerCount        int           `json:"workerCount,omitempty"`
	DedupTTL           time.Duration `json:"dedupTTL,omitempty"`
	DedupCapacity      int           `json:"dedupCapacity,omitempty"`
	CommandTimeout     time.Duration `json:"commandTimeout,omitempty"`
	DLQMaxRetries      int           `json:"dlqMaxRetries,omitempty"`
	RetentionDays      int           `json:"retentionDays,omitempty"`
	StalenessThreshold time.Duration `json:"stalenessThreshold,omitempty"`
	SweepInterval      time.Duration `json:"sweepInterval,omitempty"`
}

func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     5432,
			Name:     "labdb",
			User:     "postgres",
			Password: "postgres",
		},
		Bus: &busConfig{
			URL:      "tcp://localhost:1883",
			ClientID: "labhub-orchestrator",
		},
		Service: &svcConfig{
			Address:        ":8080",
			MetricsAddress: ":9090",
			LogLevel:       "info",
		},
		Engine: &engineConfig{
			WorkerCount:        8,
			DedupTTL:           300 * time.Second,
			DedupCapacity:      10000,
			CommandTimeout:     30 * time.Second,
			DLQMaxRetries:      3,
			RetentionDays:      30,
			StalenessThreshold: 5 * time.Minute,
			SweepInterval:      30 * time.Second,
		},
	}
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %v", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %v", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %v", err)
	}
	applyEnvOverrides(c)
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %v", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %v", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Bus == nil || cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url must be set")
	}
	if cfg.Database == nil || cfg.Database.Name == "" {
		return fmt.Errorf("database.name must be set")
	}
	if cfg.Engine != nil {
		if cfg.Engine.WorkerCount < 1 {
			return fmt.Errorf("engine.workerCount must be at least 1")
		}
		if cfg.Engine.DedupCapacity < 1 {
			return fmt.Errorf("engine.dedupCapacity must be at least 1")
		}
	}
	return nil
}

// applyEnvOverrides lets deployment environments override the knobs that
// vary between installs without editing the config file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("LABHUB_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("LABHUB_BUS_CLIENT_ID"); v != "" {
		c.Bus.ClientID = v
	}
	if v := os.Getenv("LABHUB_DB_HOSTNAME"); v != "" {
		c.Database.Hostname = v
	}
	if v := os.Getenv("LABHUB_DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("LABHUB_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("LABHUB_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v, ok := envInt("LABHUB_WORKER_COUNT"); ok {
		c.Engine.WorkerCount = v
	}
	if v, ok := envInt("LABHUB_DEDUP_CAPACITY"); ok {
		c.Engine.DedupCapacity = v
	}
	if v, ok := envDuration("LABHUB_DEDUP_TTL"); ok {
		c.Engine.DedupTTL = v
	}
	if v, ok := envDuration("LABHUB_COMMAND_TIMEOUT"); ok {
		c.Engine.CommandTimeout = v
	}
	if v, ok := envInt("LABHUB_DLQ_MAX_RETRIES"); ok {
		c.Engine.DLQMaxRetries = v
	}
	if v, ok := envInt("LABHUB_RETENTION_DAYS"); ok {
		c.Engine.RetentionDays = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
