// Package monitor samples resource usage of running invocation units.
// Every function is stateless; the invocation engine owns the polling loop.
package monitor

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ElapsedExceeds reports whether more than limit has passed between start
// and now. A non-positive limit never trips.
func ElapsedExceeds(start time.Time, limit time.Duration, now time.Time) bool {
	if limit <= 0 {
		return false
	}
	return now.Sub(start) > limit
}

// RSS returns the resident set size of pid in bytes.
func RSS(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("inspect process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("memory info %d: %w", pid, err)
	}
	return mem.RSS, nil
}

// MemoryDeltaExceeds samples pid and reports whether its RSS grew by more
// than limit bytes since startRSS. The signed delta is returned either way.
// A zero limit never trips.
func MemoryDeltaExceeds(pid int, startRSS, limit uint64) (bool, int64, error) {
	rss, err := RSS(pid)
	if err != nil {
		return false, 0, err
	}
	delta := int64(rss) - int64(startRSS)
	if limit == 0 {
		return false, delta, nil
	}
	return delta > 0 && uint64(delta) > limit, delta, nil
}
