// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the veil router configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel     = "NOTICE"
	defaultLifetimeMs   = 600000 // 10 min.
	defaultAckTimeoutMs = 30000  // 30 sec.
	defaultTickMs       = 1000   // 1 sec.
	defaultContactsDB   = "contacts.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Router is the top-level router configuration.
type Router struct {
	// Identifier is the human readable identifier for the node.
	Identifier string

	// DataDir is the absolute path to the router's state files.
	DataDir string

	// AllowTransit accepts transit commits from other routers.
	AllowTransit bool
}

func (rCfg *Router) validate() error {
	if rCfg.Identifier == "" {
		return errors.New("config: Router: Identifier is not set")
	}
	if !filepath.IsAbs(rCfg.DataDir) {
		return fmt.Errorf("config: Router: DataDir '%v' is not an absolute path", rCfg.DataDir)
	}
	return nil
}

// Path tunes the path subsystem.
type Path struct {
	// LifetimeMs is the owned path and granted transit lifetime in
	// milliseconds.
	LifetimeMs int

	// AckTimeoutMs is the build ack deadline in milliseconds.
	AckTimeoutMs int
}

func (pCfg *Path) applyDefaults() {
	if pCfg.LifetimeMs <= 0 {
		pCfg.LifetimeMs = defaultLifetimeMs
	}
	if pCfg.AckTimeoutMs <= 0 {
		pCfg.AckTimeoutMs = defaultAckTimeoutMs
	}
}

func (pCfg *Path) validate() error {
	if pCfg.AckTimeoutMs > pCfg.LifetimeMs {
		return errors.New("config: Path: AckTimeoutMs exceeds LifetimeMs")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file; an empty string logs to stdout.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// NumCryptoWorkers specifies the number of worker pool instances used
	// for path build crypto.
	NumCryptoWorkers int

	// TickIntervalMs is the period of the expiry sweep in milliseconds.
	TickIntervalMs int

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to; empty disables the endpoint.
	MetricsAddress string
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumCryptoWorkers <= 0 {
		dCfg.NumCryptoWorkers = runtime.NumCPU()
	}
	if dCfg.TickIntervalMs <= 0 {
		dCfg.TickIntervalMs = defaultTickMs
	}
}

// Config is the top-level configuration.
type Config struct {
	Router  *Router
	Path    *Path
	Logging *Logging
	Debug   *Debug
}

// ContactsDBPath returns the path of the persistent contact store.
func (cfg *Config) ContactsDBPath() string {
	return filepath.Join(cfg.Router.DataDir, defaultContactsDB)
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Router == nil {
		return errors.New("config: No Router block was present")
	}
	if cfg.Path == nil {
		cfg.Path = &Path{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Path.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Router.validate(); err != nil {
		return err
	}
	if err := cfg.Path.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates b as a router configuration.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
