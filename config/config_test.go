/*
 * Copyright (c) 2023. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissing(t *testing.T) {
	var cfg Config
	require.NoError(t, LoadFile(filepath.Join(t.TempDir(), "does-not-exist.toml"), &cfg))
	assert.Equal(t, Config{}, cfg)
}

func TestLoadFileAndFillupWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	toml := `
dump_dir = "/tmp/dumps"
log_level = "debug"
fail_on_truncated_ring = true
backend_type = "localfs"
backend_config = "{\"dir\":\"/tmp/archives\"}"
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0644))

	var cfg Config
	require.NoError(t, LoadFile(path, &cfg))
	require.NoError(t, cfg.FillupWithDefaults())

	assert.Equal(t, "/tmp/dumps", cfg.DumpDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.FailOnTruncatedRing)
	assert.Equal(t, "localfs", cfg.BackendType)
	assert.Equal(t, defaultRootDir, cfg.RootDir)
	assert.Equal(t, filepath.Join(cfg.RootDir, "cache"), cfg.CacheDir)
	assert.Equal(t, defaultRotateLogMaxSize, cfg.RotateLogMaxSize)
}

func TestFillupWithDefaultsRespectsOverrides(t *testing.T) {
	cfg := Config{
		RootDir:  "/custom/root",
		CacheDir: "/custom/cache",
		LogLevel: "warn",
	}
	require.NoError(t, cfg.FillupWithDefaults())

	assert.Equal(t, "/custom/root", cfg.RootDir)
	assert.Equal(t, "/custom/cache", cfg.CacheDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, filepath.Join("/custom/root", "dumps"), cfg.DumpDir)
}
