// Package procmeta caches metadata about the jobs (processes) that submit
// tracked writes, so trace lines can name them.
//
// Manager provides command-query separation:
//
// Queries (read-only):
//   - Get(job) - Retrieve metadata
//   - GetError(job) - Retrieve the lookup error
//   - Comm(job) - Command name or "?"
//
// Commands (mutations):
//   - Observe(job) - Look the job up in /proc once and cache the result
//   - Set(job, metadata) - Store metadata
//   - Delete(job) - Forget a job
//
// Thread-safe with RWMutex for concurrent access.
package procmeta
