// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log builds the go-logging sink shared by every component of a
// router instance.  The backend is assembled once from the router's
// [Logging] configuration block; components then pull per-module loggers
// from it ("path", "router", "logic", ...).
package log

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Config mirrors the [Logging] block of the router configuration.
type Config struct {
	// Disable suppresses all output.
	Disable bool

	// File is the log file; an empty string logs to stdout.
	File string

	// Level is the default level for every module.
	Level string
}

// Backend is the assembled logging sink.
type Backend struct {
	leveled logging.LeveledBackend
	w       io.Writer
}

// New assembles a logging backend from cfg.
func New(cfg *Config) (*Backend, error) {
	lvl, err := logging.LogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log: invalid level '%v'", cfg.Level)
	}

	var w io.Writer
	switch {
	case cfg.Disable:
		w = io.Discard
	case cfg.File == "":
		w = os.Stdout
	default:
		const fileMode = 0600

		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		w, err = os.OpenFile(cfg.File, flags, fileMode)
		if err != nil {
			return nil, fmt.Errorf("log: failed to open log file: %v", err)
		}
	}

	formatted := logging.NewBackendFormatter(
		logging.NewLogBackend(w, "", 0),
		logging.MustStringFormatter(logFormat),
	)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")

	return &Backend{leveled: leveled, w: w}, nil
}

// GetLogger returns the named per-module logger, wired to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.leveled)
	return l
}

// SetLevel overrides the level for one module, e.g. to debug the path
// build pipeline without drowning in transport noise.  Call it during
// setup, before the module's loggers are in use.
func (b *Backend) SetLevel(module, level string) error {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return fmt.Errorf("log: invalid level '%v'", level)
	}
	b.leveled.SetLevel(lvl, module)
	return nil
}
