// Package eventstream reads probe events from a Source and dispatches them
// to a handler.
package eventstream

import (
	"context"
	"errors"

	"github.com/mrzor/durability-tracer/internal/bpf"
	"github.com/mrzor/durability-tracer/internal/metrics"

	"github.com/sirupsen/logrus"
)

// EventHandler is the interface for handling decoded probe events.
type EventHandler interface {
	HandleEvent(event *bpf.Event) error
}

// Stream reads events from a Source and dispatches them to a handler.
type Stream struct {
	source  Source
	handler EventHandler
	log     logrus.FieldLogger
	// maxReadErrors ends the stream after that many consecutive read
	// failures; 0 retries forever.
	maxReadErrors int
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used for decode and handler errors.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Stream) { s.log = log }
}

// WithMaxReadErrors stops the stream after n consecutive read errors.
func WithMaxReadErrors(n int) Option {
	return func(s *Stream) { s.maxReadErrors = n }
}

// New creates a new Stream with the given source and event handler.
func New(source Source, handler EventHandler, opts ...Option) *Stream {
	s := &Stream{
		source:  source,
		handler: handler,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes events until the source is exhausted or ctx is cancelled.
// A read error wrapping ErrSourceFailed ends the stream with that error.
// Cancelling ctx closes the source to unblock a pending read.
func (s *Stream) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := s.source.Close(); err != nil {
				s.log.WithError(err).Warn("closing event source")
			}
		case <-done:
		}
	}()

	readErrors := 0
	for {
		raw, err := s.source.Read()
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrSourceFailed) {
				return err
			}
			readErrors++
			s.log.WithError(err).Warn("reading event")
			if s.maxReadErrors > 0 && readErrors >= s.maxReadErrors {
				return err
			}
			continue
		}
		readErrors = 0

		event, err := bpf.ParseEvent(raw)
		if err != nil {
			metrics.DecodeErrors.Inc()
			s.log.WithError(err).Warn("parsing event")
			continue
		}

		if err := s.handler.HandleEvent(event); err != nil {
			s.log.WithError(err).WithField("type", event.Type).Warn("handling event")
		}
	}
}
