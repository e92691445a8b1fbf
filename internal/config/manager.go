package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// SellersConfig holds the map of per-seller overrides.
type SellersConfig struct {
	Sellers map[string]Config `yaml:"sellers"`
}

// Manager resolves the effective configuration for a seller by merging
// overrides on top of the global config.
type Manager struct {
	globalConfig  *Config
	sellerConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads the master config and the optional seller overrides file.
func NewManager(masterPath, sellersPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(sellersPath)
	if err != nil {
		// A missing overrides file just means no overrides.
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, sellerConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var sc SellersConfig
	if err := yaml.NewDecoder(f).Decode(&sc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		sellerConfigs: sc.Sellers,
	}, nil
}

// Global returns the unscoped base configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalConfig
}

// Get returns the effective config for a seller, with that seller's
// overrides merged on top of the global config.
func (m *Manager) Get(sellerID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.sellerConfigs[sellerID]; ok {
		if override.Queue.BackpressureThreshold != 0 || override.Queue.MaxConcurrency != 0 {
			effective.Queue = override.Queue
		}
		if override.Detection.Workers != 0 {
			effective.Detection = override.Detection
		}
		if override.Commission.Rate != 0 {
			effective.Commission = override.Commission
		}
		if len(override.Policy.HolidayDates) != 0 {
			effective.Policy = override.Policy
		}
		if override.Stream.JWTSecret != "" {
			effective.Stream = override.Stream
		}
		if override.Evidence.Bucket != "" {
			effective.Evidence = override.Evidence
		}
		if override.Filing.TasksQueue != "" {
			effective.Filing = override.Filing
		}
	}

	return &effective
}
