// Package config loads server configuration from defaults, an optional
// .env file, an optional YAML file and ICE_* environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Port     int            `yaml:"port"`
	LogMode  string         `yaml:"log_mode"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	CORS     CORSConfig     `yaml:"cors"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | postgres
	DSN    string `yaml:"dsn"`
}

type EngineConfig struct {
	Workers        int     `yaml:"workers"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
	// MatchMode "exact" turns off the fuzzy bucket fallback for every rule set.
	MatchMode string `yaml:"match_mode"`
	TopN      int    `yaml:"top_n"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Port:    8080,
		LogMode: "dev",
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "incentives.db",
		},
		Engine: EngineConfig{
			Workers:        8,
			FuzzyThreshold: 0.5,
			MatchMode:      "fuzzy",
			TopN:           5,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
	}
}

// Load builds a Config. path may be empty; a missing .env is ignored, a
// missing YAML file named explicitly is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	// .env only seeds variables that are not already set.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ICE_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ICE_PORT: %w", err)
		}
		c.Port = n
	}
	if v, ok := lookup("ICE_DB_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := lookup("ICE_DB_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup("ICE_LOG_MODE"); ok {
		c.LogMode = v
	}
	if v, ok := lookup("ICE_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ICE_WORKERS: %w", err)
		}
		c.Engine.Workers = n
	}
	if v, ok := lookup("ICE_FUZZY_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ICE_FUZZY_THRESHOLD: %w", err)
		}
		c.Engine.FuzzyThreshold = f
	}
	if v, ok := lookup("ICE_MATCH_MODE"); ok {
		c.Engine.MatchMode = v
	}
	if v, ok := lookup("ICE_TOP_N"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ICE_TOP_N: %w", err)
		}
		c.Engine.TopN = n
	}
	if v, ok := lookup("ICE_ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.FuzzyThreshold <= 0 || c.Engine.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be in (0, 1], got %v", c.Engine.FuzzyThreshold)
	}
	switch c.Engine.MatchMode {
	case "exact", "fuzzy":
	default:
		return fmt.Errorf("unknown match mode %q", c.Engine.MatchMode)
	}
	if c.Engine.TopN < 1 {
		return fmt.Errorf("top_n must be at least 1, got %d", c.Engine.TopN)
	}
	return nil
}
