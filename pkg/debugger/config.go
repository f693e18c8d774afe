package debugger

import "time"

const (
	// DefaultMaxPersistent is the number of user breakpoints that can be set at once
	DefaultMaxPersistent = 16
	// DefaultMaxTransient is the number of internal breakpoints a single step needs at most
	DefaultMaxTransient = 2
	// DefaultPollInterval is how long WaitStop waits for the target before returning
	DefaultPollInterval = 50 * time.Millisecond
)

// Config tunes the debugger core
type Config struct {
	MaxPersistent int
	MaxTransient  int
	PollInterval  time.Duration
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		MaxPersistent: DefaultMaxPersistent,
		MaxTransient:  DefaultMaxTransient,
		PollInterval:  DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxPersistent <= 0 {
		c.MaxPersistent = DefaultMaxPersistent
	}
	if c.MaxTransient < DefaultMaxTransient {
		c.MaxTransient = DefaultMaxTransient
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}
