// Package output turns lifecycle transitions into trace records.
//
// Emitters implement engine.Emitter:
//   - TextEmitter: one human-readable line per transition
//   - JSONEmitter: one JSON object per line
//   - FilterEmitter: forwards transitions matching an expr filter
//   - MultiEmitter: fans out to several emitters
//
// Emitters receive fully-correlated transitions. They do not touch the
// correlation table; command names come from a CommResolver (procmeta) and
// wall-clock time from a timesync.Converter.
package output
