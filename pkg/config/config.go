// Package config loads avrboot's INI configuration file, following the
// style samsamfire/gocanopen uses to read EDS files with gopkg.in/ini.v1.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the tunables a session needs that are worth overriding
// per-board without a recompile.
type Config struct {
	Bootloader Bootloader
	Session    SessionConfig
}

// Bootloader bounds each IDENTIFY exchange inside the driver's retry loop
// (per-attempt timeout and attempt count); the loop itself does not stop.
type Bootloader struct {
	TimeoutMs int
	Attempts  int
}

// SessionConfig controls ordinary request/response exchanges and the page
// programmer's starting block size.
type SessionConfig struct {
	RequestTimeoutMs int
	RequestAttempts  int
	InitialBlocksize int
}

// Default returns the configuration avrboot uses when no file is supplied.
func Default() Config {
	return Config{
		Bootloader: Bootloader{TimeoutMs: 100, Attempts: 10},
		Session:    SessionConfig{RequestTimeoutMs: 500, RequestAttempts: 2, InitialBlocksize: 64},
	}
}

// Load reads path as an INI file, falling back to Default() for any key it
// does not set.
func Load(path string) (Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}

	if section, err := file.GetSection("bootloader"); err == nil {
		cfg.Bootloader.TimeoutMs = section.Key("timeout_ms").MustInt(cfg.Bootloader.TimeoutMs)
		cfg.Bootloader.Attempts = section.Key("attempts").MustInt(cfg.Bootloader.Attempts)
	}
	if section, err := file.GetSection("session"); err == nil {
		cfg.Session.RequestTimeoutMs = section.Key("request_timeout_ms").MustInt(cfg.Session.RequestTimeoutMs)
		cfg.Session.RequestAttempts = section.Key("request_attempts").MustInt(cfg.Session.RequestAttempts)
		cfg.Session.InitialBlocksize = section.Key("initial_blocksize").MustInt(cfg.Session.InitialBlocksize)
	}
	return cfg, nil
}

// IdentifyTimeout returns Bootloader.TimeoutMs as a time.Duration.
func (c Config) IdentifyTimeout() time.Duration {
	return time.Duration(c.Bootloader.TimeoutMs) * time.Millisecond
}

// RequestTimeout returns Session.RequestTimeoutMs as a time.Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Session.RequestTimeoutMs) * time.Millisecond
}
