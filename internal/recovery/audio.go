package recovery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// audioMarkers are tool log fragments that identify a rejected audio filter
// option.
var audioMarkers = []string{"Option not found", "Result too large"}

// NeedsAudioRecovery reports whether a failure belongs to the audio family:
// exit code 8 or 234 with one of the known markers in the log.
func NeedsAudioRecovery(code int, log string) bool {
	if code != 8 && code != 234 {
		return false
	}
	for _, m := range audioMarkers {
		if strings.Contains(log, m) {
			return true
		}
	}
	return false
}

var freqPattern = regexp.MustCompile(`(?i)\bf(?:requency)?=(\d+(?:\.\d+)?)`)

// SafeAudioEQ builds a single-band equalizer the transcoder always accepts.
// When the log names a frequency it is reused inside the audible band,
// otherwise the band centers on 1 kHz.
func SafeAudioEQ(log string) string {
	freq := 1000.0
	if m := freqPattern.FindStringSubmatch(log); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			freq = min(max(v, 60), 12000)
		}
	}
	gain := -2.0
	if strings.Contains(log, "Result too large") {
		gain = -1.0
	}
	return fmt.Sprintf("equalizer=f=%d:t=q:w=1:g=%.1f", int(freq), gain)
}

// ValidAudioEQ reports whether an override looks like the chains SafeAudioEQ
// produces.
func ValidAudioEQ(chain string) bool {
	return strings.HasPrefix(chain, "equalizer=") && !strings.ContainsAny(chain, ",;[]")
}
