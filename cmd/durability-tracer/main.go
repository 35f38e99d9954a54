// durability-tracer follows io_uring writes from submission to journal-committed
// durability and prints one trace line per lifecycle transition.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mrzor/durability-tracer/internal/attributes"
	"github.com/mrzor/durability-tracer/internal/config"
	"github.com/mrzor/durability-tracer/internal/engine"
	"github.com/mrzor/durability-tracer/internal/eventprocessor"
	"github.com/mrzor/durability-tracer/internal/eventstream"
	"github.com/mrzor/durability-tracer/internal/output"
	"github.com/mrzor/durability-tracer/internal/procmeta"
	"github.com/mrzor/durability-tracer/internal/timesync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

// app carries the state shared by the subcommands.
type app struct {
	cfg     *config.Config
	envErr  error
	log     *logrus.Logger
	version string
}

func newRootCmd() *cobra.Command {
	a := &app{log: logrus.New(), version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)}
	a.cfg, a.envErr = config.Load()
	if a.cfg == nil {
		a.cfg = &config.Config{}
	}

	root := &cobra.Command{
		Use:           "durability-tracer",
		Short:         "Trace io_uring writes until they are durable on disk",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.envErr != nil {
				return a.envErr
			}
			return a.setupLogging(cmd.ErrOrStderr())
		},
	}

	f := root.PersistentFlags()
	f.IntVar(&a.cfg.Capacity, "capacity", a.cfg.Capacity, "maximum number of tracked writes")
	f.Uint32Var(&a.cfg.Seed, "seed", a.cfg.Seed, "murmur3 seed of the identity hasher")
	f.StringVar(&a.cfg.JournalMode, "journal-mode", a.cfg.JournalMode, "ordered (writeback then journal commit) or none")
	f.BoolVar(&a.cfg.VerifyIdentity, "verify-identity", a.cfg.VerifyIdentity, "ignore fingerprint matches whose inode differs")
	f.IntSliceVar(&a.cfg.PIDs, "pid", a.cfg.PIDs, "only trace these processes (repeatable)")
	f.StringVar(&a.cfg.Filter, "filter", a.cfg.Filter, `expr filter on transitions, e.g. 'transition == "durable"'`)
	f.StringVarP(&a.cfg.Output, "output", "o", a.cfg.Output, "trace format: text or json")
	f.StringVar(&a.cfg.JSONOut, "json-out", a.cfg.JSONOut, "also write the trace as JSON lines to this file")
	f.StringVar(&a.cfg.Record, "record", a.cfg.Record, "also write every probe event to this JSONL file")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level")
	f.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "log format: text or json")

	root.AddCommand(newTraceCmd(a), newReplayCmd(a), newVersionCmd(a))
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "durability-tracer %s\n", a.version)
			return err
		},
	}
}

func (a *app) setupLogging(w io.Writer) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	level, err := a.cfg.Level()
	if err != nil {
		return err
	}
	a.log.SetOutput(w)
	a.log.SetLevel(level)
	if strings.EqualFold(a.cfg.LogFormat, "json") {
		a.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		a.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// pipeline is the user-space half: processor, engine and emitters.
type pipeline struct {
	engine  *engine.Engine
	handler eventstream.EventHandler
	names   *procmeta.Manager
	cleanup func()
}

// setupComponents wires the processor, engine and emitters. Trace lines go
// to out; lookup resolves command names and may be nil.
func (a *app) setupComponents(out io.Writer, clock *timesync.Converter, lookup procmeta.LookupFunc) (*pipeline, error) {
	names := procmeta.NewManager(lookup)
	outCfg := output.Config{Clock: clock, Names: names, Logger: a.log}

	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			if err := f.Close(); err != nil {
				a.log.WithError(err).WithField("file", f.Name()).Warn("Error closing output file")
			}
		}
	}

	emitter, err := output.New(a.cfg.Output, out, outCfg)
	if err != nil {
		return nil, err
	}
	if a.cfg.JSONOut != "" {
		f, err := os.Create(a.cfg.JSONOut) //nolint:gosec // path chosen by the operator
		if err != nil {
			return nil, fmt.Errorf("creating json output file: %w", err)
		}
		files = append(files, f)
		emitter = output.MultiEmitter{emitter, output.NewJSONEmitter(f, outCfg)}
	}
	filter, err := attributes.NewFilter(a.cfg.Filter)
	if err != nil {
		closeFiles()
		return nil, err
	}
	if filter.String() != "" {
		emitter = output.NewFilterEmitter(filter, emitter, outCfg)
	}

	opts := a.cfg.EngineOptions()
	opts.Emitter = emitter
	opts.Logger = a.log.WithField("component", "engine")
	eng := engine.New(opts)

	processor := eventprocessor.NewProcessor(eng, a.cfg.Seed,
		eventprocessor.WithJobs(a.cfg.Jobs()...),
		eventprocessor.WithObserver(names),
		eventprocessor.WithLogger(a.log.WithField("component", "processor")),
	)

	p := &pipeline{engine: eng, handler: processor, names: names, cleanup: closeFiles}
	if a.cfg.Record != "" {
		f, err := os.Create(a.cfg.Record) //nolint:gosec // path chosen by the operator
		if err != nil {
			closeFiles()
			return nil, fmt.Errorf("creating record file: %w", err)
		}
		files = append(files, f)
		p.handler = eventstream.NewRecorder(f, processor)
	}
	return p, nil
}

// printInflight writes a summary of the writes that never became durable.
func printInflight(w io.Writer, eng *engine.Engine) error {
	records := eng.Snapshot()
	if _, err := fmt.Fprintf(w, "# %d write(s) still in flight\n", len(records)); err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "#   job=%d inode=%d hash=0x%08x state=%s acknowledged=%t\n",
			rec.JobID, rec.Inode, rec.HashedIdentity, rec.State, rec.Acknowledged); err != nil {
			return err
		}
	}
	return nil
}
