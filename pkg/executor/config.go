package executor

import "time"

// Config enumerates the knobs from spec.md §6.
type Config struct {
	// WALBudget is the sweeper age threshold for WA-PENDING recovery.
	WALBudget time.Duration
	// InflightBudget is the sweeper age threshold for IN_PROGRESS recovery.
	InflightBudget time.Duration
	// SweeperInterval is the interval between sweeper passes.
	SweeperInterval time.Duration
	// DefaultPerAttemptTimeout is used when TimeoutPolicy returns 0 but the executor
	// still wants to enforce a cap.
	DefaultPerAttemptTimeout time.Duration
	// DefaultRetryDelay is used when a Retry Outcome carries no delay.
	DefaultRetryDelay time.Duration
	// MaxAttempts is the hard cap before a forced Fail with code MAX_ATTEMPTS.
	MaxAttempts int
	// DLQOnMaxAttempts controls whether the message is moved to the DLQ after a
	// forced Fail.
	DLQOnMaxAttempts bool
}

// DefaultConfig returns reasonable defaults, in the spirit of the teacher's
// DefaultRetryPolicy() constructors.
func DefaultConfig() Config {
	return Config{
		WALBudget:                30 * time.Second,
		InflightBudget:           2 * time.Minute,
		SweeperInterval:          15 * time.Second,
		DefaultPerAttemptTimeout: 30 * time.Second,
		DefaultRetryDelay:        1 * time.Second,
		MaxAttempts:              10,
		DLQOnMaxAttempts:         true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WALBudget <= 0 {
		c.WALBudget = d.WALBudget
	}
	if c.InflightBudget <= 0 {
		c.InflightBudget = d.InflightBudget
	}
	if c.SweeperInterval <= 0 {
		c.SweeperInterval = d.SweeperInterval
	}
	if c.DefaultPerAttemptTimeout <= 0 {
		c.DefaultPerAttemptTimeout = d.DefaultPerAttemptTimeout
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = d.DefaultRetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}
