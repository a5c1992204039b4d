/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/crashutils/trace-extract/cmd/trace-extract/pkg/command"
	"github.com/crashutils/trace-extract/config"
	"github.com/crashutils/trace-extract/internal/logging"
	"github.com/crashutils/trace-extract/pkg/backend"
	"github.com/crashutils/trace-extract/pkg/extension"
	"github.com/crashutils/trace-extract/pkg/inspector"
	"github.com/crashutils/trace-extract/pkg/inspector/btfsource"
	"github.com/crashutils/trace-extract/pkg/metrics"
	"github.com/crashutils/trace-extract/pkg/ociexport"
	"github.com/crashutils/trace-extract/pkg/store"
	"github.com/crashutils/trace-extract/pkg/tracetree"
	"github.com/crashutils/trace-extract/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("trace-extract")
	}
}

func newApp() *cli.App {
	globalFlags := command.NewFlags()

	sourceArgs, sourceFlags := command.NewSourceFlags()

	app := &cli.App{
		Name:    "trace-extract",
		Usage:   "reconstruct ftrace ring buffers and event schemas from a kernel crash dump",
		Version: version.Version,
		Flags:   append(globalFlags.F, sourceFlags...),
		Before: func(c *cli.Context) error {
			return setupRuntime(globalFlags.Args)
		},
		// A bare "trace-extract" with no subcommand prints the dumped
		// kernel's current tracer, mirroring the original extension's
		// bare "trace" invocation.
		Action: func(c *cli.Context) error {
			ext, closeFn, err := openExtension(*sourceArgs, false)
			if err != nil {
				return err
			}
			defer closeFn()
			fmt.Printf("current tracer is %s\n", ext.CurrentTracer)
			return nil
		},
		Commands: []*cli.Command{
			dumpCommand(),
			showCommand(),
			pushCommand(),
			ociPushCommand(),
			serveMetricsCommand(),
		},
	}
	return app
}

var cfg config.Config

// setupRuntime loads the TOML config file (if any), layers CLI overrides
// on top, fills defaults, and brings up logging -- the same order the
// teacher's daemon entrypoint initializes in.
func setupRuntime(args *command.GlobalArgs) error {
	if args.ConfigPath != "" {
		if err := config.LoadFile(args.ConfigPath, &cfg); err != nil {
			return err
		}
	}
	if args.RootDir != "" {
		cfg.RootDir = args.RootDir
	}
	if args.CacheDir != "" {
		cfg.CacheDir = args.CacheDir
	}
	if args.LogLevel != "" {
		cfg.LogLevel = args.LogLevel
	}
	if args.LogDir != "" {
		cfg.LogDir = args.LogDir
	}
	if args.LogToStdout {
		cfg.LogToStdout = true
	}
	if err := cfg.FillupWithDefaults(); err != nil {
		return errors.Wrap(err, "fillup config defaults")
	}

	return logging.SetUp(cfg.LogLevel, cfg.LogToStdout, cfg.LogDir, cfg.RotateLogArgs())
}

// openSource builds a ready inspector.Inspector from a SourceArgs flag
// set, the only inspector.Inspector this module ships a concrete
// implementation for (see pkg/inspector/btfsource).
func openSource(a command.SourceArgs) (*btfsource.Source, error) {
	return btfsource.Open(btfsource.Config{
		BTFPath:    a.BTFPath,
		ImagePath:  a.ImagePath,
		BaseAddr:   inspector.Addr(a.BaseAddr),
		SymbolPath: a.SymbolPath,
		TasksPath:  a.TasksPath,
		PageSize:   a.PageSize,
		LongSize:   a.LongSize,
		BigEndian:  a.BigEndian,
	})
}

// openExtension resolves an *extension.Extension against a SourceArgs
// flag set, consulting the probe-result cache under cfg.CacheDir when
// one is configured.
func openExtension(a command.SourceArgs, failOnTruncatedRing bool) (*extension.Extension, func(), error) {
	src, err := openSource(a)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open inspector source")
	}
	closeFn := func() {
		if err := src.Close(); err != nil {
			logrus.WithError(err).Warn("close inspector source")
		}
	}

	opts := extension.Options{FailOnTruncatedRing: failOnTruncatedRing}

	if cfg.CacheDir != "" && a.Release != "" {
		cache, err := store.Open(cfg.CacheDir)
		if err != nil {
			logrus.WithError(err).Warn("probe cache unavailable, probing fresh every run")
		} else {
			defer cache.Close()
			opts.Cache = cache
			opts.Release = a.Release
			opts.BuildID = a.BuildID
		}
	}

	start := time.Now()
	ext, err := extension.New(src, opts)
	metrics.DumpDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		closeFn()
		return nil, nil, errors.Wrap(err, "resolve extension")
	}

	for _, cb := range ext.Global {
		if cb == nil || cb.Absent {
			metrics.CPUsSkipped.Inc()
			continue
		}
		metrics.CPUsDumped.Inc()
	}

	return ext, closeFn, nil
}

func dumpCommand() *cli.Command {
	args, flags := command.NewDumpFlags()
	return &cli.Command{
		Name:                   "dump",
		Usage:                  "reconstruct a tracing-tree directory or a trace-archive v6 container",
		Flags:                  flags,
		UseShortOptionHandling: true,
		Action: func(c *cli.Context) error {
			failOnTruncated := args.FailOnTruncatedRing || cfg.FailOnTruncatedRing
			ext, closeFn, err := openExtension(args.Source, failOnTruncated)
			if err != nil {
				return err
			}
			defer closeFn()

			logrus.WithFields(logrus.Fields{
				"run_id": ext.RunID,
				"tracer": ext.CurrentTracer,
				"cpus":   ext.NrCPUs,
			}).Info("resolved kernel dump")

			// A positional argument names the output just as -o does; with
			// neither, the archive goes to trace.dat and the tree to
			// dump_tracing_dir.
			output := args.Output
			if c.NArg() > 0 {
				output = c.Args().First()
			} else if !args.Archive && !c.IsSet("output") {
				output = "dump_tracing_dir"
			}

			if args.Archive {
				f, err := os.Create(output)
				if err != nil {
					return errors.Wrapf(err, "create %s", output)
				}
				defer f.Close()

				if err := ext.DumpArchive(f, args.Snapshot); err != nil {
					return errors.Wrap(err, "dump archive")
				}
				if fi, err := f.Stat(); err == nil {
					metrics.ArchiveBytes.Set(float64(fi.Size()))
				}
				return maybePush(output)
			}

			return ext.DumpTree(output, args.Snapshot, tracetree.Options{
				DumpMetadata: args.Metadata,
				DumpSymbols:  args.Symbols,
				Compress:     args.Compress,
			})
		},
	}
}

// defaultTraceCmd is trace-cmd's own binary name, overridable with the
// TRACE_CMD environment variable exactly as the original extension's
// "show"/"report" command does.
const defaultTraceCmd = "trace-cmd"

// showCommand implements both "trace show" and "trace report": write a
// trace-archive v6 container to a temp file, then exec the external
// renderer against it and stream its output, rather than decoding
// record payloads itself.
func showCommand() *cli.Command {
	args, flags := command.NewShowFlags()
	return &cli.Command{
		Name:    "show",
		Aliases: []string{"report"},
		Usage:   "render the trace via the external renderer (trace-cmd report)",
		Flags:   flags,
		Action: func(c *cli.Context) error {
			ext, closeFn, err := openExtension(args.Source, false)
			if err != nil {
				return err
			}
			defer closeFn()

			tmp, err := os.CreateTemp("", "ftrace_show-*.dat")
			if err != nil {
				return errors.Wrap(err, "create temp archive")
			}
			tmpPath := tmp.Name()
			defer os.Remove(tmpPath)

			if err := ext.DumpArchive(tmp, false); err != nil {
				tmp.Close()
				return errors.Wrap(err, "dump archive")
			}
			if err := tmp.Close(); err != nil {
				return errors.Wrap(err, "close temp archive")
			}

			traceCmd := os.Getenv("TRACE_CMD")
			if traceCmd == "" {
				traceCmd = defaultTraceCmd
			}

			cmd := exec.CommandContext(c.Context, traceCmd, "report", tmpPath)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return errors.Wrapf(cmd.Run(), "exec %s report", traceCmd)
		},
	}
}

// maybePush delegates a freshly written archive to the configured push
// backend, when one is set in cfg; a no-op otherwise.
func maybePush(archivePath string) error {
	if cfg.BackendType == "" {
		return nil
	}
	b, err := backend.NewBackend(cfg.BackendType, []byte(cfg.BackendConfig), false)
	if err != nil {
		return errors.Wrap(err, "construct push backend")
	}
	dgst, err := digestFile(archivePath)
	if err != nil {
		return errors.Wrap(err, "digest archive")
	}
	return errors.Wrap(b.Push(context.Background(), archivePath, dgst), "push archive")
}

// digestFile computes an archive's canonical (sha256) digest, the form
// every push backend keys its stored objects by.
func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

func pushCommand() *cli.Command {
	args, flags := command.NewPushFlags()
	return &cli.Command{
		Name:  "push",
		Usage: "push a trace-archive to a configured backend (localfs, s3 or oss)",
		Flags: flags,
		Action: func(c *cli.Context) error {
			b, err := backend.NewBackend(args.BackendType, []byte(args.BackendConfig), args.Force)
			if err != nil {
				return errors.Wrap(err, "construct push backend")
			}
			dgst, err := digestFile(args.File)
			if err != nil {
				return errors.Wrap(err, "digest archive")
			}
			if err := b.Push(context.Background(), args.File, dgst); err != nil {
				return errors.Wrap(err, "push archive")
			}
			fmt.Printf("pushed %s as %s (%s)\n", args.File, dgst, b.Type())
			return nil
		},
	}
}

func ociPushCommand() *cli.Command {
	var ref, file string
	return &cli.Command{
		Name:  "oci-push",
		Usage: "wrap a trace-archive as a single-layer OCI artifact and push it to a registry",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ref", Required: true, Usage: "registry `REFERENCE` to push to", Destination: &ref},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "trace-archive `FILE`", Destination: &file},
		},
		Action: func(c *cli.Context) error {
			dgst, err := ociexport.Push(ref, file)
			if err != nil {
				return errors.Wrap(err, "push oci artifact")
			}
			fmt.Printf("pushed %s layer %s\n", ref, dgst)
			return nil
		},
	}
}

func serveMetricsCommand() *cli.Command {
	args, flags := command.NewMetricsFlags()
	return &cli.Command{
		Name:  "serve-metrics",
		Usage: "serve the Prometheus metrics and JSON status endpoints",
		Flags: flags,
		Action: func(c *cli.Context) error {
			addr := args.Address
			if addr == "" {
				addr = cfg.MetricsAddress
			}
			return metrics.NewServer().ListenAndServe(addr)
		},
	}
}
