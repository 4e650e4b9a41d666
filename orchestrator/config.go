package orchestrator

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the orchestrator tuning surface. Zero values are replaced by the
// defaults below; LoadConfig reads overrides from the environment.
type Config struct {
	// PoolSize is the initial event-channel count.
	PoolSize int `env:"XSTATENET_POOL_SIZE" envDefault:"16"`
	// MaxPoolSize bounds pool growth.
	MaxPoolSize int `env:"XSTATENET_MAX_POOL_SIZE" envDefault:"512"`
	// ChannelCapacity is the per-channel queue depth.
	ChannelCapacity int `env:"XSTATENET_CHANNEL_CAPACITY" envDefault:"10000"`
	// GrowthFactor is the multiplicative pool expansion step.
	GrowthFactor float64 `env:"XSTATENET_GROWTH_FACTOR" envDefault:"2.0"`
	// GrowThreshold is the sustained utilization ratio above which the pool
	// grows.
	GrowThreshold float64 `env:"XSTATENET_GROW_THRESHOLD" envDefault:"0.75"`
	// ShrinkThreshold is the utilization ratio below which the pool shrinks
	// back toward PoolSize.
	ShrinkThreshold float64 `env:"XSTATENET_SHRINK_THRESHOLD" envDefault:"0.25"`
	// FailFast makes producers fail with ErrChannelFull instead of blocking
	// when a channel is at capacity.
	FailFast bool `env:"XSTATENET_FAIL_FAST" envDefault:"false"`
	// EnableMetrics turns on per-machine counters and the pool maintenance
	// sampler.
	EnableMetrics bool `env:"XSTATENET_ENABLE_METRICS" envDefault:"false"`
	// MaintenanceInterval is the pool utilization sampling period.
	MaintenanceInterval time.Duration `env:"XSTATENET_MAINTENANCE_INTERVAL" envDefault:"1s"`
	// DLQCapacity bounds the in-memory dead-letter queue.
	DLQCapacity int `env:"XSTATENET_DLQ_CAPACITY" envDefault:"1024"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:            16,
		MaxPoolSize:         512,
		ChannelCapacity:     10000,
		GrowthFactor:        2.0,
		GrowThreshold:       0.75,
		ShrinkThreshold:     0.25,
		MaintenanceInterval: time.Second,
		DLQCapacity:         1024,
	}
}

// LoadConfig builds a Config from the environment, falling back to the
// defaults for unset variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MaxPoolSize < c.PoolSize {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = d.ChannelCapacity
	}
	if c.GrowthFactor < 1.0 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.GrowThreshold <= 0 || c.GrowThreshold > 1 {
		c.GrowThreshold = d.GrowThreshold
	}
	if c.ShrinkThreshold <= 0 || c.ShrinkThreshold >= c.GrowThreshold {
		c.ShrinkThreshold = d.ShrinkThreshold
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.DLQCapacity <= 0 {
		c.DLQCapacity = d.DLQCapacity
	}
	return c
}
