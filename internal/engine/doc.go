// Package engine implements the probe handlers that drive a tracked write
// through its lifecycle in the correlation table.
//
//	Submit ──────────► SUBMITTED
//	Notify ──────────► ACKNOWLEDGED        (optional, may race behind writeback)
//	Writeback ───────► DATA_DURABLE        (JournalNone: straight to DURABLE)
//	JournalCommit ───► DURABLE, removed    (only records already DATA_DURABLE)
//
// Submissions are keyed by job id. Durability events only know the file, so
// they match on the inode fingerprint (see package murmur) and, when identity
// verification is on, confirm the raw inode before acting.
//
// Handlers never return errors. A full table, an unmatched durability event
// or a fingerprint collision only shows up as a missing transition, a log
// line at debug level and a metric.
package engine
