// Package correlation holds the single shared table that stitches the
// submission, completion and durability probe events of one asynchronous
// write into one lifecycle record.
//
// The table is keyed by job id (the submitting pid/tgid). It enforces:
//   - at most one live record per job; a new submission under the same job
//     supersedes the previous one (last write wins)
//   - a fixed capacity; a new job arriving at a full table is rejected with
//     ErrCapacity instead of evicting somebody else's in-flight write
//
// Queries:
//   - Lookup(job) - exact match
//   - FindByHash(hash) - best-effort match on the file fingerprint, oldest first
//   - MatchHash(hash) - every record with that fingerprint, oldest first
//   - Snapshot() - copy of every live record
//
// Commands:
//   - Upsert(rec) - insert or supersede
//   - CompareAndSwap(old, next) - update unless superseded meanwhile
//   - CompareAndRemove(old) - finalize unless superseded meanwhile
//   - Remove(job) - unconditional delete
//
// Records are returned by value. The table is split into mutex-guarded
// shards; the occupancy bound is a shared atomic counter.
package correlation
