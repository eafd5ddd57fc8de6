package workers

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// MaxAutoRenderSlots caps RenderSlots in auto mode. Each render drives a
// multi-threaded ffmpeg, so more parallel renders only add contention.
const MaxAutoRenderSlots = 2

// Count returns the number of workers for a task type. It respects container
// CPU limits via GOMAXPROCS.
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks
//   - 2.0 for I/O-bound tasks
//
// The limit parameter caps the worker count. Use 0 for no limit.
//
// Can be overridden with the UNICLON_WORKERS environment variable.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv("UNICLON_WORKERS"); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			if limit > 0 && count > limit {
				return limit
			}
			return count
		}
	}

	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForCPU returns worker count for CPU-bound tasks (1 per CPU).
func ForCPU(limit int) int {
	return Count(1.0, limit)
}

// ForIO returns worker count for I/O-bound tasks (2 per CPU).
func ForIO(limit int) int {
	return Count(2.0, limit)
}

// RenderSlots returns how many render batches may run at once.
//
// RENDER_SLOTS selects the value: unset gives 1, a positive number is used
// as is, and "auto" gives half the available CPUs capped at
// MaxAutoRenderSlots. The result never exceeds limit when limit > 0.
func RenderSlots(limit int) int {
	slots := 1
	switch value := strings.ToLower(strings.TrimSpace(os.Getenv("RENDER_SLOTS"))); value {
	case "":
	case "auto":
		slots = min(max(runtime.GOMAXPROCS(0)/2, 1), MaxAutoRenderSlots)
	default:
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			slots = n
		}
	}
	if limit > 0 && slots > limit {
		slots = limit
	}
	return slots
}
