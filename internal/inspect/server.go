// Package inspect serves the correlation tables and metrics over HTTP.
//
//	GET /inflight         user-space records, oldest first
//	GET /inflight/kernel  kernel-side inflight map
//	GET /metrics          Prometheus exposition
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/mrzor/durability-tracer/internal/bpf"
	"github.com/mrzor/durability-tracer/internal/correlation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Table is the read side of the user-space correlation engine.
type Table interface {
	Snapshot() []correlation.Record
	Len() int
	Cap() int
}

// KernelTable reads the kernel-side inflight map.
type KernelTable interface {
	Inflight() ([]bpf.InflightValue, error)
}

type tableResponse struct {
	Capacity int                  `json:"capacity"`
	Len      int                  `json:"len"`
	Records  []correlation.Record `json:"records"`
}

type kernelRecord struct {
	JobID          correlation.JobID `json:"job_id"`
	Inode          uint64            `json:"file_inode"`
	HashedIdentity uint32            `json:"hashed_identity"`
	State          correlation.State `json:"state"`
	SubmittedAt    uint64            `json:"submitted_at_ns"`
}

// kernelState maps kernel state codes onto lifecycle states.
func kernelState(code uint32) correlation.State {
	switch code {
	case bpf.STATE_SUBMITTED:
		return correlation.Submitted
	case bpf.STATE_ACKNOWLEDGED:
		return correlation.Acknowledged
	case bpf.STATE_DATA_DURABLE:
		return correlation.DataDurable
	default:
		//nolint:gosec // unknown codes are shown as state(N)
		return correlation.State(code)
	}
}

// NewHandler builds the inspection mux. kernel may be nil when replaying.
func NewHandler(table Table, kernel KernelTable, gatherer prometheus.Gatherer, log logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/inflight", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		records := table.Snapshot()
		if records == nil {
			records = []correlation.Record{}
		}
		writeJSON(w, log, tableResponse{Capacity: table.Cap(), Len: len(records), Records: records})
	})

	mux.HandleFunc("/inflight/kernel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if kernel == nil {
			http.Error(w, "kernel table not loaded", http.StatusNotFound)
			return
		}
		values, err := kernel.Inflight()
		if err != nil {
			log.WithError(err).Warn("Failed to read kernel inflight map")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		records := make([]kernelRecord, 0, len(values))
		for _, v := range values {
			records = append(records, kernelRecord{
				JobID:          correlation.JobID(v.JobID),
				Inode:          v.Inode,
				HashedIdentity: v.HashedInode,
				State:          kernelState(v.State),
				SubmittedAt:    v.SubmittedAt,
			})
		}
		sort.Slice(records, func(i, j int) bool { return records[i].SubmittedAt < records[j].SubmittedAt })
		writeJSON(w, log, records)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

// Server is the inspection HTTP server.
type Server struct {
	srv *http.Server
	log logrus.FieldLogger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, log logrus.FieldLogger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("Inspection server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("inspection server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down inspection server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("inspection server: %w", err)
	}
	return nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}
