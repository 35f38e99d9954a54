package main

import (
	"time"

	"github.com/mrzor/durability-tracer/internal/eventstream"
	"github.com/mrzor/durability-tracer/internal/timesync"

	"github.com/spf13/cobra"
)

func newReplayCmd(a *app) *cobra.Command {
	var bootTime int64

	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Feed recorded probe events through the correlation engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReplay(cmd, args[0], bootTime)
		},
	}

	cmd.Flags().Int64Var(&bootTime, "boot-time", 0,
		"boot time (unix seconds) of the recording host; raw timestamps are printed when 0")
	return cmd
}

func (a *app) runReplay(cmd *cobra.Command, path string, bootTime int64) error {
	var clock *timesync.Converter
	if bootTime > 0 {
		clock = timesync.NewConverterAt(time.Unix(bootTime, 0))
	}

	source, err := eventstream.OpenJSONL(path)
	if err != nil {
		return err
	}

	// Recorded jobs do not exist on this host; names are not resolved.
	p, err := a.setupComponents(cmd.OutOrStdout(), clock, nil)
	if err != nil {
		_ = source.Close() //nolint:errcheck // Best-effort cleanup in error path
		return err
	}
	defer p.cleanup()

	stream := eventstream.New(source, p.handler,
		eventstream.WithLogger(a.log.WithField("component", "stream")))
	if err := stream.Run(cmd.Context()); err != nil {
		return err
	}
	if err := source.Close(); err != nil {
		a.log.WithError(err).Debug("Error closing replay file")
	}

	return printInflight(cmd.OutOrStdout(), p.engine)
}
