package main

import (
	"github.com/mrzor/durability-tracer/internal/bpf"
	"github.com/mrzor/durability-tracer/internal/bpfloader"
	"github.com/mrzor/durability-tracer/internal/eventstream"
	"github.com/mrzor/durability-tracer/internal/inspect"
	"github.com/mrzor/durability-tracer/internal/procmeta"
	"github.com/mrzor/durability-tracer/internal/timesync"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newTraceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Attach the probes and trace live writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTrace(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.cfg.Binary, "binary", a.cfg.Binary, "executable or liburing shared object to attach to; io_uring_prep_write is inline in liburing.so, so use liburing-ffi.so or set --submit-symbol")
	f.StringVar(&a.cfg.BPFObject, "bpf-object", a.cfg.BPFObject, "path to the compiled durability.bpf.o")
	f.StringVar(&a.cfg.SubmitSymbol, "submit-symbol", a.cfg.SubmitSymbol, "symbol called once per submitted write")
	f.StringVar(&a.cfg.NotifySymbol, "notify-symbol", a.cfg.NotifySymbol, "symbol called when a completion is reaped")
	f.StringVar(&a.cfg.ProcRoot, "proc", a.cfg.ProcRoot, "procfs mount point")
	f.StringVar(&a.cfg.Listen, "listen", a.cfg.Listen, "inspection server address, empty to disable")
	return cmd
}

// setupBPF loads the BPF object, attaches the probes and opens the ring buffer.
// Returns loader, ring buffer reader, and cleanup function.
func (a *app) setupBPF() (*bpfloader.Loader, *ringbuf.Reader, func(), error) {
	//nolint:gosec // capacity is validated against the kernel map limit
	loader, err := bpfloader.New(a.cfg.BPFObject, bpf.LoadOptions{
		Seed:        a.cfg.Seed,
		FilterPIDs:  len(a.cfg.PIDs) > 0,
		MaxInflight: uint32(a.cfg.Capacity),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	closeLoader := func(reason string) {
		if closeErr := loader.Close(); closeErr != nil {
			a.log.WithError(closeErr).Errorf("Error closing loader after %s", reason)
		}
	}

	for _, pid := range a.cfg.PIDs {
		if err := loader.TrackPID(pid); err != nil {
			closeLoader("pid registration failure")
			return nil, nil, nil, err
		}
	}

	target := bpfloader.Target{
		Binary:       a.cfg.Binary,
		SubmitSymbol: a.cfg.SubmitSymbol,
		NotifySymbol: a.cfg.NotifySymbol,
	}
	if len(a.cfg.PIDs) == 1 {
		target.PID = a.cfg.PIDs[0]
	}
	if err := loader.Attach(target); err != nil {
		closeLoader("attach failure")
		return nil, nil, nil, err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		closeLoader("ring buffer open failure")
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := rd.Close(); err != nil {
			a.log.WithError(err).Warn("Error closing ring buffer")
		}
		if err := loader.Close(); err != nil {
			a.log.WithError(err).Warn("Error closing loader")
		}
	}

	return loader, rd, cleanup, nil
}

func (a *app) runTrace(cmd *cobra.Command) error {
	if err := a.cfg.ValidateLive(); err != nil {
		return err
	}
	a.log.Infof("Starting durability-tracer %s", a.version)

	clock, err := timesync.NewConverter(a.cfg.ProcRoot)
	if err != nil {
		return err
	}
	lookup, err := procmeta.ProcLookup(a.cfg.ProcRoot)
	if err != nil {
		return err
	}

	loader, rd, cleanupBPF, err := a.setupBPF()
	if err != nil {
		return err
	}
	defer cleanupBPF()

	p, err := a.setupComponents(cmd.OutOrStdout(), clock, lookup)
	if err != nil {
		return err
	}
	defer p.cleanup()

	stream := eventstream.New(eventstream.NewRingbufSource(rd), p.handler,
		eventstream.WithLogger(a.log.WithField("component", "stream")))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return stream.Run(ctx)
	})
	if a.cfg.Listen != "" {
		handler := inspect.NewHandler(p.engine, loader, prometheus.DefaultGatherer, a.log)
		srv := inspect.NewServer(a.cfg.Listen, handler, a.log)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	a.log.WithFields(logrus.Fields{
		"binary":   a.cfg.Binary,
		"capacity": a.cfg.Capacity,
		"mode":     a.cfg.Mode().String(),
	}).Info("Tracing writes, press Ctrl-C to stop")

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("Received signal, stopping")
	return printInflight(cmd.ErrOrStderr(), p.engine)
}
