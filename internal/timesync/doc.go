// Package timesync converts the monotonic timestamps carried by probe events
// into wall-clock time.
//
// Probe events use bpf_ktime_get_ns (nanoseconds since system boot). The
// boot time is read once from the btime field of /proc/stat and the
// monotonic offset is added to it.
package timesync
