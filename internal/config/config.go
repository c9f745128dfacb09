// Package config handles configuration loading for the ProtQuant server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// JobsConfig contains analysis job manager settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	MatrixEntries    int `yaml:"matrix_entries"`
}

// PipelineConfig contains analysis pipeline defaults.
type PipelineConfig struct {
	Method        string  `yaml:"method"`
	Alpha         float64 `yaml:"alpha"`
	Confidence    float64 `yaml:"confidence"`
	MaxIterations int     `yaml:"max_iterations"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/analysis_jobs.sqlite",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			ResultSizeMB:     128,
			ResultTTLMinutes: 10,
			MatrixEntries:    32,
		},
		Pipeline: PipelineConfig{
			Method:        "median",
			Alpha:         0.05,
			Confidence:    0.9990,
			MaxIterations: 500,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.MatrixEntries == 0 {
		cfg.Cache.MatrixEntries = defaults.Cache.MatrixEntries
	}
	if cfg.Pipeline.Method == "" {
		cfg.Pipeline.Method = defaults.Pipeline.Method
	}
	if cfg.Pipeline.Alpha == 0 {
		cfg.Pipeline.Alpha = defaults.Pipeline.Alpha
	}
	if cfg.Pipeline.Confidence == 0 {
		cfg.Pipeline.Confidence = defaults.Pipeline.Confidence
	}
	if cfg.Pipeline.MaxIterations == 0 {
		cfg.Pipeline.MaxIterations = defaults.Pipeline.MaxIterations
	}
}
