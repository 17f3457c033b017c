package config

import (
	"fmt"
	"time"

	"github.com/cartridge/replaybuf/internal/replay"
)

// Config holds all replay server configuration
type Config struct {
	// Server settings
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Buffer geometry
	RingDepth  int `mapstructure:"ring_depth"`
	EnvSlots   int `mapstructure:"env_slots"`
	FrameLen   int `mapstructure:"frame_len"`
	FrameStack int `mapstructure:"frame_stack"`

	// Return computation
	NStep    int     `mapstructure:"n_step"`
	Discount float64 `mapstructure:"discount"`

	// Prioritization
	Prioritized     bool    `mapstructure:"prioritized"`
	PriorityAlpha   float64 `mapstructure:"priority_alpha"`
	BetaInit        float64 `mapstructure:"priority_beta_init"`
	BetaFinal       float64 `mapstructure:"priority_beta_final"`
	BetaSteps       int64   `mapstructure:"priority_beta_steps"`
	DefaultPriority float64 `mapstructure:"default_priority"`

	// Sampling
	MinWritten int   `mapstructure:"min_written"`
	SharedMem  bool  `mapstructure:"shared_mem"`
	Seed       int64 `mapstructure:"seed"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		ShutdownTimeout: 30 * time.Second,
		RingDepth:       100_000,
		EnvSlots:        1,
		FrameLen:        4,
		FrameStack:      4,
		NStep:           1,
		Discount:        0.99,
		Prioritized:     false,
		PriorityAlpha:   0.6,
		BetaInit:        0.4,
		BetaFinal:       1.0,
		BetaSteps:       50_000,
		DefaultPriority: 1.0,
		MinWritten:      1_000,
		Seed:            0, // 0 means seed from the clock
		LogLevel:        "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.RingDepth <= 0 {
		return fmt.Errorf("ring_depth must be positive")
	}
	if c.EnvSlots <= 0 {
		return fmt.Errorf("env_slots must be positive")
	}
	if c.FrameLen <= 0 {
		return fmt.Errorf("frame_len must be positive")
	}
	if c.FrameStack <= 0 {
		return fmt.Errorf("frame_stack must be positive")
	}
	if c.NStep <= 0 {
		return fmt.Errorf("n_step must be positive")
	}
	if c.Discount <= 0 || c.Discount > 1 {
		return fmt.Errorf("discount must be in (0, 1]")
	}
	if c.Prioritized {
		if c.PriorityAlpha < 0 {
			return fmt.Errorf("priority_alpha must be non-negative")
		}
		if c.BetaInit < 0 || c.BetaFinal < c.BetaInit {
			return fmt.Errorf("beta schedule must satisfy 0 <= init <= final")
		}
		if c.DefaultPriority <= 0 {
			return fmt.Errorf("default_priority must be positive")
		}
	}
	if c.MinWritten < 0 {
		return fmt.Errorf("min_written must be non-negative")
	}
	return nil
}

// Replay translates the server configuration into a buffer
// construction template.
func (c *Config) Replay() replay.Config {
	return replay.Config{
		RingDepth:       c.RingDepth,
		EnvSlots:        c.EnvSlots,
		FrameLen:        c.FrameLen,
		FrameStack:      c.FrameStack,
		NStep:           c.NStep,
		Discount:        float32(c.Discount),
		Prioritized:     c.Prioritized,
		Alpha:           c.PriorityAlpha,
		Beta:            c.BetaInit,
		DefaultPriority: c.DefaultPriority,
		PriorityFloor:   1e-6,
		Shared:          c.SharedMem,
		Seed:            c.Seed,
	}
}

// BetaSchedule builds the annealing schedule for the importance-weight
// exponent.
func (c *Config) BetaSchedule() replay.BetaSchedule {
	return replay.BetaSchedule{
		Init:  c.BetaInit,
		Final: c.BetaFinal,
		Steps: c.BetaSteps,
	}
}
