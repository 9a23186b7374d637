package catalog

import (
	"runtime"
	"time"
)

type Config struct {
	Pipeline   PipelineConfig
	Enrichment EnrichmentConfig
	Cache      CacheConfig
	Server     ServerConfig
	Log        LogConfig
}

type PipelineConfig struct {
	Workers     int
	CallTimeout time.Duration
}

type EnrichmentConfig struct {
	BaseURL       string
	UserAgent     string
	RatePerSecond float64
	RateBurst     int
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	MinConfidence float64
}

type CacheConfig struct {
	Backend    string // "memory" or "sqlite"
	SQLitePath string
	TTL        time.Duration
	Timeout    time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:     runtime.NumCPU(),
			CallTimeout: 10 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			BaseURL:       "https://musicbrainz.org/ws/2",
			UserAgent:     "cataloger/1.0",
			RatePerSecond: 1.0,
			RateBurst:     1,
			Timeout:       10 * time.Second,
			MaxRetries:    3,
			BackoffBase:   500 * time.Millisecond,
			MinConfidence: 0.5,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     time.Hour,
			Timeout: 2 * time.Second,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
