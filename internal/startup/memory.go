package startup

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"

	"uniclon/internal/logging"
)

// DefaultMemoryRatio is the share of the container limit given to the Go heap.
// The rest is left for the transcode script and its ffmpeg children.
const DefaultMemoryRatio = 0.5

// MemoryConfig reports how GOMEMLIMIT was configured.
type MemoryConfig struct {
	Configured     bool
	Source         string // "GOMEMLIMIT", "MEMORY_LIMIT", or "none"
	ContainerLimit int64
	GoMemLimit     int64
	Ratio          float64
}

// ConfigureMemoryLimit sets GOMEMLIMIT from MEMORY_LIMIT and MEMORY_RATIO
// unless GOMEMLIMIT is already set. Call it before significant allocations.
func ConfigureMemoryLimit() MemoryConfig {
	result := MemoryConfig{Source: "none"}

	if env := os.Getenv("GOMEMLIMIT"); env != "" {
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
			result.Configured = true
			result.Source = "GOMEMLIMIT"
			result.GoMemLimit = limit
		}
		logging.Info("GOMEMLIMIT set via environment: %s", env)
		return result
	}

	raw := os.Getenv("MEMORY_LIMIT")
	if raw == "" {
		logging.Debug("MEMORY_LIMIT not set, GOMEMLIMIT will not be configured automatically")
		return result
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit <= 0 {
		logging.Warn("Failed to parse MEMORY_LIMIT %q", raw)
		return result
	}

	ratio := DefaultMemoryRatio
	if s := os.Getenv("MEMORY_RATIO"); s != "" {
		parsed, err := strconv.ParseFloat(s, 64)
		switch {
		case err != nil:
			logging.Warn("Failed to parse MEMORY_RATIO %q: %v, using default %.2f", s, err, DefaultMemoryRatio)
		case parsed <= 0 || parsed > 1:
			logging.Warn("MEMORY_RATIO %q out of range (0.0-1.0), using default %.2f", s, DefaultMemoryRatio)
		default:
			ratio = parsed
		}
	}

	goLimit := int64(float64(limit) * ratio)
	debug.SetMemoryLimit(goLimit)

	result.Configured = true
	result.Source = "MEMORY_LIMIT"
	result.ContainerLimit = limit
	result.GoMemLimit = goLimit
	result.Ratio = ratio

	logging.Info("Configured GOMEMLIMIT: %s (%.1f%% of %s container limit)",
		formatBytes(goLimit), ratio*100, formatBytes(limit))
	return result
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
