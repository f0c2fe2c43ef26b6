package scheduler

import (
	"time"
)

// Config bounds a single job. Batch sizing and per-chama limits live in the
// hot-reloadable rotation config.
type Config struct {
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		JobTimeout: 10 * time.Minute,
	}
}

func ProvideConfig() Config {
	return DefaultConfig()
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultConfig().JobTimeout
	}
	return c
}
