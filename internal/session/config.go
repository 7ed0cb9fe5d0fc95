package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the session cache and eviction thresholds. It is read once
// at construction and static afterwards.
type Config struct {
	// CacheEnabled toggles provider read-through and write-behind.
	CacheEnabled bool
	// MaxRecordAge is the default eviction age for registry records.
	MaxRecordAge time.Duration
	// AggressiveAge replaces MaxRecordAge for an eviction pass when the live
	// record count exceeds HighWaterCount.
	AggressiveAge time.Duration
	// HighWaterCount is the record count that triggers aggressive eviction.
	HighWaterCount int
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		CacheEnabled:   true,
		MaxRecordAge:   30 * time.Minute,
		AggressiveAge:  5 * time.Minute,
		HighWaterCount: 20,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxRecordAge <= 0 {
		c.MaxRecordAge = defaults.MaxRecordAge
	}
	if c.AggressiveAge <= 0 {
		c.AggressiveAge = defaults.AggressiveAge
	}
	if c.HighWaterCount <= 0 {
		c.HighWaterCount = defaults.HighWaterCount
	}
	return c
}

// ConfigFromEnv reads thresholds from the environment.
//
//	EPICORE_CACHE_ENABLED: bool (default true)
//	EPICORE_EVICT_MAX_AGE: duration (default 30m)
//	EPICORE_EVICT_AGGRESSIVE_AGE: duration (default 5m)
//	EPICORE_EVICT_HIGH_WATER: int (default 20)
//
// Unset, empty, or unparseable values fall back to the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("EPICORE_CACHE_ENABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.CacheEnabled = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("EPICORE_EVICT_MAX_AGE")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			cfg.MaxRecordAge = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("EPICORE_EVICT_AGGRESSIVE_AGE")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			cfg.AggressiveAge = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("EPICORE_EVICT_HIGH_WATER")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.HighWaterCount = parsed
		}
	}
	return cfg
}
