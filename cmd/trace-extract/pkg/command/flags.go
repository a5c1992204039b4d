/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package command declares trace-extract's CLI surface: global flags
// shared by every subcommand, plus the flag sets for "dump", "show",
// "push" and "serve-metrics".
package command

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	defaultLogLevel = logrus.InfoLevel
	defaultRootDir  = "/var/lib/trace-extract"
)

// GlobalArgs holds every flag destination shared across subcommands.
type GlobalArgs struct {
	ConfigPath  string
	RootDir     string
	CacheDir    string
	LogLevel    string
	LogDir      string
	LogToStdout bool
}

// Flags is the global flag set plus its bound Args.
type Flags struct {
	Args *GlobalArgs
	F    []cli.Flag
}

// NewFlags builds the global flag set, bound to a fresh GlobalArgs.
func NewFlags() *Flags {
	args := &GlobalArgs{}
	return &Flags{
		Args: args,
		F: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to the trace-extract TOML configuration `FILE`",
				Destination: &args.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "root",
				Value:       defaultRootDir,
				Aliases:     []string{"R"},
				Usage:       "set `DIRECTORY` to store trace-extract working state",
				Destination: &args.RootDir,
			},
			&cli.StringFlag{
				Name:        "cache-dir",
				Aliases:     []string{"C"},
				Usage:       "set `DIRECTORY` to cache resolved kernel layout probes",
				Destination: &args.CacheDir,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       defaultLogLevel.String(),
				Aliases:     []string{"l"},
				Usage:       "set the logging `LEVEL` [trace, debug, info, warn, error, fatal, panic]",
				Destination: &args.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-dir",
				Aliases:     []string{"L"},
				Usage:       "set `DIRECTORY` to store log files",
				Destination: &args.LogDir,
			},
			&cli.BoolFlag{
				Name:        "log-to-stdout",
				Usage:       "log messages to standard out rather than files",
				Destination: &args.LogToStdout,
			},
		},
	}
}

// SourceArgs is how every subcommand that needs a live Inspector locates
// its BTF spec, memory image, and optional symbol/task side files -- the
// flags that feed pkg/inspector/btfsource.Config.
type SourceArgs struct {
	BTFPath    string
	ImagePath  string
	BaseAddr   uint64
	SymbolPath string
	TasksPath  string
	PageSize   int
	LongSize   int
	BigEndian  bool

	// Release and BuildID identify the dumped kernel build for the
	// probe-result cache; Release is normally `uname -r` and BuildID
	// the ELF build-id of the dumped vmlinux, both opaque strings as
	// far as trace-extract is concerned.
	Release string
	BuildID string
}

// NewSourceFlags builds a standalone source flag set, for subcommands
// (and the bare root command) that need a live Inspector but bind no
// other flags of their own.
func NewSourceFlags() (*SourceArgs, []cli.Flag) {
	args := &SourceArgs{}
	return args, sourceFlags(args)
}

func sourceFlags(args *SourceArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "btf",
			Usage:       "path to the dumped kernel's BTF blob",
			Required:    true,
			Destination: &args.BTFPath,
		},
		&cli.StringFlag{
			Name:        "image",
			Usage:       "path to the flat memory image captured from the dump",
			Required:    true,
			Destination: &args.ImagePath,
		},
		&cli.Uint64Flag{
			Name:        "base-addr",
			Usage:       "kernel virtual address that byte 0 of --image corresponds to",
			Destination: &args.BaseAddr,
		},
		&cli.StringFlag{
			Name:        "symbols",
			Usage:       "optional kallsyms-format symbol table FILE",
			Destination: &args.SymbolPath,
		},
		&cli.StringFlag{
			Name:        "tasks",
			Usage:       "optional \"PID COMM\" task list FILE",
			Destination: &args.TasksPath,
		},
		&cli.IntFlag{
			Name:        "page-size",
			Value:       4096,
			Usage:       "dumped kernel's MMU page size in bytes",
			Destination: &args.PageSize,
		},
		&cli.IntFlag{
			Name:        "long-size",
			Value:       8,
			Usage:       "sizeof(long) for the dumped kernel's architecture",
			Destination: &args.LongSize,
		},
		&cli.BoolFlag{
			Name:        "big-endian",
			Usage:       "the dumped kernel is big-endian",
			Destination: &args.BigEndian,
		},
		&cli.StringFlag{
			Name:        "release",
			Usage:       "dumped kernel's `uname -r` release string, used as a probe-cache key",
			Destination: &args.Release,
		},
		&cli.StringFlag{
			Name:        "build-id",
			Usage:       "dumped vmlinux's ELF build-id, used alongside --release as a probe-cache key",
			Destination: &args.BuildID,
		},
	}
}

// DumpArgs binds the "dump" subcommand's flags.
type DumpArgs struct {
	Source SourceArgs

	Archive             bool
	Metadata            bool
	Symbols             bool
	Compress            bool
	Snapshot            bool
	FailOnTruncatedRing bool
	Output              string
}

// NewDumpFlags builds the flag set for "dump".
func NewDumpFlags() (*DumpArgs, []cli.Flag) {
	args := &DumpArgs{}
	flags := append(sourceFlags(&args.Source),
		&cli.BoolFlag{
			Name:        "tree",
			Aliases:     []string{"t"},
			Usage:       "write a trace-archive v6 container instead of a tracing-tree directory",
			Destination: &args.Archive,
		},
		&cli.BoolFlag{
			Name:        "metadata",
			Aliases:     []string{"m"},
			Usage:       "also dump event formats and saved_cmdlines (tree mode only)",
			Destination: &args.Metadata,
		},
		&cli.BoolFlag{
			Name:        "symbols",
			Aliases:     []string{"s"},
			Usage:       "also dump kallsyms (tree mode only)",
			Destination: &args.Symbols,
		},
		&cli.BoolFlag{
			Name:        "zstd",
			Usage:       "zstd-compress each per-CPU raw trace file (tree mode only)",
			Destination: &args.Compress,
		},
		&cli.BoolFlag{
			Name:        "snapshot",
			Usage:       "dump the snapshot (max_tr) ring instead of the live trace ring",
			Destination: &args.Snapshot,
		},
		&cli.BoolFlag{
			Name:        "fail-on-truncated-ring",
			Usage:       "treat an unreachable commit_page as a hard per-CPU failure instead of a logged, best-effort emission",
			Destination: &args.FailOnTruncatedRing,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Value:       "trace.dat",
			Usage:       "archive output `FILE` (tree mode: output `DIRECTORY`, default \"dump_tracing_dir\"); a positional argument does the same",
			Destination: &args.Output,
		},
	)
	return args, flags
}

// ShowArgs binds the "show"/"report" subcommand's flags: it dumps a
// trace-archive to a temp file and hands it to the external renderer.
type ShowArgs struct {
	Source SourceArgs
}

// NewShowFlags builds the flag set for "show".
func NewShowFlags() (*ShowArgs, []cli.Flag) {
	args := &ShowArgs{}
	return args, sourceFlags(&args.Source)
}

// PushArgs binds the "push" subcommand's flags.
type PushArgs struct {
	File          string
	BackendType   string
	BackendConfig string
	Force         bool
}

// NewPushFlags builds the flag set for "push".
func NewPushFlags() (*PushArgs, []cli.Flag) {
	args := &PushArgs{}
	return args, []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Required:    true,
			Usage:       "path to the trace-archive FILE to push",
			Destination: &args.File,
		},
		&cli.StringFlag{
			Name:        "backend-type",
			Usage:       "push backend `TYPE`: localfs, s3 or oss",
			Destination: &args.BackendType,
		},
		&cli.StringFlag{
			Name:        "backend-config",
			Usage:       "raw JSON configuration for the push backend",
			Destination: &args.BackendConfig,
		},
		&cli.BoolFlag{
			Name:        "force",
			Usage:       "push even if an object already exists for this digest",
			Destination: &args.Force,
		},
	}
}

// MetricsArgs binds the "serve-metrics" subcommand's flags.
type MetricsArgs struct {
	Address string
}

// NewMetricsFlags builds the flag set for "serve-metrics".
func NewMetricsFlags() (*MetricsArgs, []cli.Flag) {
	args := &MetricsArgs{}
	return args, []cli.Flag{
		&cli.StringFlag{
			Name:        "address",
			Value:       ":8080",
			Usage:       "listen `ADDRESS` for the Prometheus metrics endpoint",
			Destination: &args.Address,
		},
	}
}
