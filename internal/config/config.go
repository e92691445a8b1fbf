// Package config loads the service configuration from YAML with per-seller
// overrides layered on top.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Queue      QueueConfig      `yaml:"queue"`
	Detection  DetectionConfig  `yaml:"detection"`
	Stream     StreamConfig     `yaml:"stream"`
	Policy     PolicyConfig     `yaml:"policy"`
	Commission CommissionConfig `yaml:"commission"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Filing     FilingConfig     `yaml:"filing"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

type QueueConfig struct {
	RedisAddr             string `yaml:"redis_addr"`
	RedisPassword         string `yaml:"redis_password"`
	BackpressureThreshold int    `yaml:"backpressure_threshold"`
	MaxConcurrency        int    `yaml:"max_concurrency"`
	MaxAttempts           int    `yaml:"max_attempts"`
	StallTimeoutMinutes   int    `yaml:"stall_timeout_minutes"`
	BackoffBaseSeconds    int    `yaml:"backoff_base_seconds"`
}

type DetectionConfig struct {
	Workers           int `yaml:"workers"`
	JobTimeoutMinutes int `yaml:"job_timeout_minutes"`
}

type StreamConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	DemoMode  bool   `yaml:"demo_mode"`
}

type PolicyConfig struct {
	HolidayDates []string `yaml:"holiday_dates"` // YYYY-MM-DD, replaces the built-in calendar when set
}

type CommissionConfig struct {
	Rate               float64 `yaml:"rate"` // default 0.20
	DisputeWindowHours int     `yaml:"dispute_window_hours"`
	Backend            string  `yaml:"backend"` // supabase or spanner
	SpannerDatabase    string  `yaml:"spanner_database"`
}

type EvidenceConfig struct {
	Bucket string `yaml:"bucket"`
}

type FilingConfig struct {
	GCPProject      string `yaml:"gcp_project"`
	TasksLocation   string `yaml:"tasks_location"`
	TasksQueue      string `yaml:"tasks_queue"`
	FallbackWorkers int    `yaml:"fallback_workers"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
