// Package eventprocessor routes decoded probe events to the lifecycle handlers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│  ring buffer / replay file (eventstream) │
//	└─────────────────┬───────────────────────┘
//	                  │ bpf.Event
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Event routing
//	│   - Filters by job                      │
//	│   - Records job metadata (procmeta)     │
//	│   - Checks kernel fingerprints          │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ EVENT_SUBMIT ─────────→ LifecycleHandler.Submit
//	          ├──→ EVENT_NOTIFY ─────────→ LifecycleHandler.Notify
//	          ├──→ EVENT_WRITEBACK ──────→ LifecycleHandler.Writeback
//	          └──→ EVENT_JOURNAL_COMMIT ─→ LifecycleHandler.JournalCommit
//
// The lifecycle handler is the correlation engine (package engine).
package eventprocessor
