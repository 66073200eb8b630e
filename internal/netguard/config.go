package netguard

import (
	"time"

	"agrimater/pkg/utils"
)

// Config holds the governor tunables. They are fixed for the life of a Guard;
// only Reset and Cancel mutate runtime state.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff unit: retry n waits BaseDelay * 2^n plus jitter.
	BaseDelay time.Duration
	// MaxDelay caps the exponential part of the backoff.
	MaxDelay time.Duration
	// MaxConcurrent is the number of admitted requests allowed in flight at once.
	MaxConcurrent int
	// RequestBudget is the number of requests admitted per BudgetWindow.
	RequestBudget int
	BudgetWindow  time.Duration
	// Timeout bounds a single attempt. Backoff sleeps are not counted.
	Timeout time.Duration
	// DedupeWindow is how long an in-flight request accepts identical callers.
	DedupeWindow time.Duration
	EnableDedupe bool
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		MaxConcurrent: 6,
		RequestBudget: 50,
		BudgetWindow:  5 * time.Minute,
		Timeout:       30 * time.Second,
		DedupeWindow:  time.Second,
		EnableDedupe:  true,
	}
}

// ConfigFromFile overlays the values set in the YAML network section on top
// of DefaultConfig.
func ConfigFromFile(s utils.NetworkSection) Config {
	cfg := DefaultConfig()
	if s.MaxRetries != nil {
		cfg.MaxRetries = *s.MaxRetries
	}
	if s.BaseDelay > 0 {
		cfg.BaseDelay = s.BaseDelay
	}
	if s.MaxDelay > 0 {
		cfg.MaxDelay = s.MaxDelay
	}
	if s.MaxConcurrent > 0 {
		cfg.MaxConcurrent = s.MaxConcurrent
	}
	if s.RequestBudget > 0 {
		cfg.RequestBudget = s.RequestBudget
	}
	if s.BudgetWindow > 0 {
		cfg.BudgetWindow = s.BudgetWindow
	}
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.DedupeWindow > 0 {
		cfg.DedupeWindow = s.DedupeWindow
	}
	if s.EnableDedupe != nil {
		cfg.EnableDedupe = *s.EnableDedupe
	}
	return cfg
}

// normalize replaces unusable values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.RequestBudget <= 0 {
		c.RequestBudget = def.RequestBudget
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = def.BudgetWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = def.DedupeWindow
	}
	return c
}
