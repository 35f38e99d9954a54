// Package attributes evaluates user-supplied filter expressions against
// lifecycle transitions.
//
// Expressions use the expr language and see these variables:
//   - job: job id (int)
//   - comm: command name of the job, "?" when unknown
//   - inode: file inode (int)
//   - hash: hashed identity (int)
//   - transition: "submit", "acknowledge", "data-durable" or "durable"
//   - tid: journal transaction id, 0 unless closed by a commit (int)
//   - latency_ms: submit-to-durable latency, 0 before durable (float)
//
// Example: transition == "durable" && latency_ms > 50 && comm startsWith "db"
package attributes
