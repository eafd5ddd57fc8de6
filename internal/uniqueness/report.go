package uniqueness

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"uniclon/internal/filesystem"
)

// Score weights. They are empirical and kept as constants so they can be
// recalibrated against measured batches.
const (
	PHashWeight          = 5.0
	SSIMPenalty          = 3000.0
	BitrateDiffDivisor   = 2.0
	MinScore             = 20
	MaxScore             = 100
	DiversifiedThreshold = 76
)

// Report is the batch-level uniqueness summary persisted as report.json.
type Report struct {
	CopiesTotal    int       `json:"copies_total"`
	CopiesSuccess  int       `json:"copies_success"`
	AvgPHash       float64   `json:"avg_phash"`
	AvgSSIM        float64   `json:"avg_ssim"`
	AvgBitrateDiff float64   `json:"avg_bitrate_diff"`
	UniqScore      int       `json:"uniq_score"`
	Diversified    bool      `json:"diversified"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// BuildReport aggregates the metrics of the copies that were produced.
// requestedTotal is the number of copies asked for. Missing SSIM defaults
// to 1 and missing pHash or bitrate deviation to 0, so absent signals never
// raise the score.
func BuildReport(metrics []CopyMetrics, requestedTotal int) (Report, error) {
	if len(metrics) == 0 {
		return Report{}, ErrNoReport
	}

	var phash, ssim, diff []float64
	for _, m := range metrics {
		if m.PHashDiff.Valid {
			phash = append(phash, math.Abs(m.PHashDiff.Float64))
		}
		if m.SSIM.Valid {
			ssim = append(ssim, clamp(m.SSIM.Float64, 0, 1))
		}
		if d, ok := bitrateDeviation(m); ok {
			diff = append(diff, d)
		}
	}

	avgPHash := mean(phash, 0)
	avgSSIM := mean(ssim, 1)
	avgDiff := mean(diff, 0)
	score := Score(avgPHash, avgSSIM, avgDiff)

	return Report{
		CopiesTotal:    requestedTotal,
		CopiesSuccess:  len(metrics),
		AvgPHash:       roundTo(avgPHash, 2),
		AvgSSIM:        roundTo(avgSSIM, 3),
		AvgBitrateDiff: roundTo(avgDiff, 1),
		UniqScore:      score,
		Diversified:    score >= DiversifiedThreshold,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

// Score combines the batch averages into the uniqueness score, clamped to
// [MinScore, MaxScore].
func Score(avgPHash, avgSSIM, avgBitrateDiffPct float64) int {
	raw := avgPHash*PHashWeight + (1-avgSSIM)*SSIMPenalty + avgBitrateDiffPct/BitrateDiffDivisor
	return int(clamp(math.RoundToEven(raw), MinScore, MaxScore))
}

// bitrateDeviation is the absolute percentage distance of a copy's bitrate
// from its target.
func bitrateDeviation(m CopyMetrics) (float64, bool) {
	if !m.BitrateKbps.Valid || !m.TargetBitrateKbps.Valid || m.TargetBitrateKbps.Float64 == 0 {
		return 0, false
	}
	return math.Abs((m.BitrateKbps.Float64 - m.TargetBitrateKbps.Float64) / m.TargetBitrateKbps.Float64 * 100), true
}

// Level buckets the score for display: low up to 40, medium up to 75, high
// above.
func (r Report) Level() string {
	switch {
	case r.UniqScore <= 40:
		return "low"
	case r.UniqScore <= 75:
		return "medium"
	default:
		return "high"
	}
}

// Partial reports whether fewer copies were produced than requested.
func (r Report) Partial() bool {
	return r.CopiesSuccess < r.CopiesTotal
}

// Summary is the one-line log form of the report.
func (r Report) Summary() string {
	return fmt.Sprintf("UniqScore: %d | dPHash=%.2f | SSIM=%.3f | dBR=%.1f%% | level=%s",
		r.UniqScore, r.AvgPHash, r.AvgSSIM, r.AvgBitrateDiff, r.Level())
}

// WriteReport stores the report as indented JSON.
func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return filesystem.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, fmt.Errorf("%w: %s not found", ErrNoReport, path)
	}
	if err != nil {
		return r, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: decode %s: %v", ErrNoReport, path, err)
	}
	return r, nil
}

func mean(values []float64, empty float64) float64 {
	if len(values) == 0 {
		return empty
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.RoundToEven(v*p) / p
}
