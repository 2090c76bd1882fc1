//go:build !mono

// Package mono provides low-level monotonic time.
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonically non-decreasing nanosecond counter.
// The "mono" build tag swaps this for a runtime.nanotime linkname that
// avoids the wall-clock read; default builds use time.Now's monotonic
// reading, which is good enough off the hot path.
func NanoTime() int64 { return int64(time.Since(start)) }

// Since returns the duration elapsed since a NanoTime reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
