package coordinator

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blecoord/device"
	"gopkg.in/yaml.v3"
)

// Config carries every engine knob. Zero values are filled by
// DefaultConfig; a yaml file can override any subset via LoadConfig.
type Config struct {
	// Auto-connect scheduling.
	ConnectDelay      time.Duration `yaml:"connect_delay" default:"500ms"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	SightingThreshold int           `yaml:"sighting_threshold" default:"5"`
	RetryDelay        time.Duration `yaml:"retry_delay" default:"5s"`

	// Service discovery.
	DiscoverServicesDelay   time.Duration `yaml:"discover_services_delay" default:"300ms"`
	DiscoverServicesTimeout time.Duration `yaml:"discover_services_timeout" default:"10s"`
	DiscoverServicesRetries int           `yaml:"discover_services_retries" default:"3"`

	// Scan cache.
	MaxScanResultAge time.Duration `yaml:"max_scan_result_age" default:"30s"`
	PinGraceDelay    time.Duration `yaml:"pin_grace_delay" default:"3s"`

	// Write transmission.
	ChunkSize         int           `yaml:"chunk_size" default:"0"` // 0 = whole payload
	WriteTimeout      time.Duration `yaml:"write_timeout" default:"4s"`
	WriteNotReadyPoll time.Duration `yaml:"write_not_ready_poll" default:"100ms"`
	ChunkBudget       time.Duration `yaml:"chunk_budget" default:"2s"`
	NotifyTimeout     time.Duration `yaml:"notify_timeout" default:"4s"`

	// Health monitor.
	HealthInterval  time.Duration `yaml:"health_interval" default:"5s"`
	LockBusyTimeout time.Duration `yaml:"lock_busy_timeout" default:"30s"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"60s"`
}

// DefaultConfig returns a Config with every knob at its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// LoadConfig reads yaml overrides from path on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// tuning derives the per-connection knob set handed to the device layer.
func (c *Config) tuning() device.Tuning {
	return device.Tuning{
		ChunkSize:       c.ChunkSize,
		WriteTimeout:    c.WriteTimeout,
		NotReadyPoll:    c.WriteNotReadyPoll,
		ChunkBudget:     c.ChunkBudget,
		DiscoverTimeout: c.DiscoverServicesTimeout,
		DiscoverDelay:   c.DiscoverServicesDelay,
		DiscoverRetries: c.DiscoverServicesRetries,
		RetryDelay:      c.RetryDelay,
	}
}
