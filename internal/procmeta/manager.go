package procmeta

import (
	"sync"

	"github.com/mrzor/durability-tracer/internal/correlation"
)

// DefaultMaxJobs bounds the number of cached jobs.
const DefaultMaxJobs = 4096

// Manager manages job metadata lifecycle.
// It provides command-query separation for metadata access.
type Manager struct {
	mu             sync.RWMutex
	metadata       map[correlation.JobID]*JobMetadata // job -> metadata
	metadataErrors map[correlation.JobID]error        // job -> lookup errors
	lookup         LookupFunc
	maxJobs        int
}

// NewManager creates a new job metadata manager. A nil lookup disables
// Observe; metadata can still be provided with Set.
func NewManager(lookup LookupFunc) *Manager {
	return &Manager{
		metadata:       make(map[correlation.JobID]*JobMetadata),
		metadataErrors: make(map[correlation.JobID]error),
		lookup:         lookup,
		maxJobs:        DefaultMaxJobs,
	}
}

// Get retrieves metadata for a job (query).
// Returns nil if no metadata exists for this job.
func (m *Manager) Get(job correlation.JobID) *JobMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[job]
}

// GetError retrieves the lookup error for a job (query).
func (m *Manager) GetError(job correlation.JobID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataErrors[job]
}

// Comm returns the command name of job, or "?" when unknown (query).
func (m *Manager) Comm(job correlation.JobID) string {
	if md := m.Get(job); md != nil && md.Comm != "" {
		return md.Comm
	}
	return "?"
}

// Set stores metadata for a job (command).
// If metadata already exists, it is replaced.
func (m *Manager) Set(job correlation.JobID, metadata *JobMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[job] = metadata
	delete(m.metadataErrors, job)
}

// Delete removes all data for a job (command).
func (m *Manager) Delete(job correlation.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, job)
	delete(m.metadataErrors, job)
}

// Observe looks job up once and caches the metadata or the error (command).
// Jobs beyond the cache bound are not looked up.
func (m *Manager) Observe(job correlation.JobID) {
	if m.lookup == nil {
		return
	}

	m.mu.RLock()
	_, known := m.metadata[job]
	_, failed := m.metadataErrors[job]
	full := len(m.metadata)+len(m.metadataErrors) >= m.maxJobs
	m.mu.RUnlock()
	if known || failed || full {
		return
	}

	//nolint:gosec // job ids are tgids
	md, err := m.lookup(int(job))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.metadataErrors[job] = err
		return
	}
	m.metadata[job] = md
}
