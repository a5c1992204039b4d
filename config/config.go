/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config holds trace-extract's own TOML-based settings: where to
// write dumps by default, how the probe-result cache and logging behave,
// and which push backend (if any) receives finished archives.
package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/crashutils/trace-extract/internal/logging"
)

const (
	DefaultLogLevel string = "info"

	defaultRootDir = "/var/lib/trace-extract"

	// Log rotation
	defaultRotateLogMaxSize    = 200 // megabytes
	defaultRotateLogMaxBackups = 10
)

// Config is trace-extract's full settings, loadable from a TOML file and
// overridable by CLI flags.
type Config struct {
	RootDir  string `toml:"-"`
	DumpDir  string `toml:"dump_dir"`
	CacheDir string `toml:"cache_dir"`

	LogLevel            string `toml:"log_level"`
	LogDir              string `toml:"log_dir"`
	LogToStdout         bool   `toml:"log_to_stdout"`
	RotateLogMaxSize    int    `toml:"log_rotate_max_size"`
	RotateLogMaxBackups int    `toml:"log_rotate_max_backups"`
	RotateLogMaxAge     int    `toml:"log_rotate_max_age"`
	RotateLogLocalTime  bool   `toml:"log_rotate_local_time"`
	RotateLogCompress   bool   `toml:"log_rotate_compress"`

	// FailOnTruncatedRing is the default for extension.Options.FailOnTruncatedRing
	// when a CLI flag does not override it.
	FailOnTruncatedRing bool `toml:"fail_on_truncated_ring"`

	// BackendType selects the push destination ("localfs", "s3", "oss");
	// empty means push is unconfigured.
	BackendType   string `toml:"backend_type"`
	BackendConfig string `toml:"backend_config"` // raw JSON, passed to backend.NewBackend

	MetricsAddress string `toml:"metrics_address"`
}

// LoadFile loads a TOML config file into cfg. A missing file is not an
// error; cfg is simply left at its zero value for FillupWithDefaults to
// fill in.
func LoadFile(path string, cfg *Config) error {
	tree, err := toml.LoadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "load config file %q", path)
	}
	return errors.Wrapf(tree.Unmarshal(cfg), "unmarshal config file %q", path)
}

// FillupWithDefaults fills every unset field with trace-extract's
// built-in defaults, mirroring the directory layout convention (dumps
// and cache both live under RootDir unless overridden).
func (c *Config) FillupWithDefaults() error {
	if c.RootDir == "" {
		c.RootDir = defaultRootDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DumpDir == "" {
		c.DumpDir = filepath.Join(c.RootDir, "dumps")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.RootDir, "cache")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.RootDir, logging.DefaultLogDirName)
	}

	if c.RotateLogMaxSize == 0 {
		c.RotateLogMaxSize = defaultRotateLogMaxSize
	}
	if c.RotateLogMaxBackups == 0 {
		c.RotateLogMaxBackups = defaultRotateLogMaxBackups
	}
	return nil
}

// RotateLogArgs adapts Config's rotation fields to internal/logging's
// argument struct.
func (c *Config) RotateLogArgs() *logging.RotateLogArgs {
	return &logging.RotateLogArgs{
		RotateLogMaxSize:    c.RotateLogMaxSize,
		RotateLogMaxBackups: c.RotateLogMaxBackups,
		RotateLogMaxAge:     c.RotateLogMaxAge,
		RotateLogLocalTime:  c.RotateLogLocalTime,
		RotateLogCompress:   c.RotateLogCompress,
	}
}
