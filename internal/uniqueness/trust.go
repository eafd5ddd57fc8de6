package uniqueness

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"uniclon/internal/logging"
)

// Trust score thresholds and penalty caps. Each signal subtracts a bounded
// amount from a perfect 10; no signal scales another.
const (
	trustMax = 10.0

	ssimFloor      = 0.96
	ssimSlope      = 50.0
	ssimMaxPenalty = 4.0

	psnrFloor      = 37.0
	psnrSlope      = 0.25
	psnrMaxPenalty = 2.5

	phashFloor      = 10.0
	phashSlope      = 0.3
	phashMaxPenalty = 3.0

	bitrateVarLow        = 4.0
	bitrateVarLowSlope   = 0.2
	bitrateVarHigh       = 18.0
	bitrateVarHighSlope  = 0.1
	bitrateVarMaxPenalty = 1.5

	metaRepeatPenalty = 0.5
	timeRepeatPenalty = 0.5

	// InvalidMetricsCap bounds the score of a batch with any unusable copy.
	InvalidMetricsCap = 5.0

	SafeThreshold   = 8.5
	ReviewThreshold = 6.5
)

// TrustInputs are the batch signals the trust score is computed from.
type TrustInputs struct {
	MeanSSIM         float64
	MeanPSNR         float64
	MeanPHash        float64
	BitrateVariation float64
	HasSSIM          bool
	HasPSNR          bool
	HasPHash         bool
	MetaDiverse      bool
	TimeDiverse      bool
	InvalidMetrics   bool
}

// TrustScore returns a 0-10 confidence rounded to one decimal.
func TrustScore(in TrustInputs) float64 {
	score := trustMax
	if in.HasSSIM && in.MeanSSIM < ssimFloor {
		score -= math.Min(ssimMaxPenalty, (ssimFloor-in.MeanSSIM)*ssimSlope)
	}
	if in.HasPSNR && in.MeanPSNR < psnrFloor {
		score -= math.Min(psnrMaxPenalty, (psnrFloor-in.MeanPSNR)*psnrSlope)
	}
	if in.HasPHash && in.MeanPHash < phashFloor {
		score -= math.Min(phashMaxPenalty, (phashFloor-in.MeanPHash)*phashSlope)
	}
	switch {
	case in.BitrateVariation < bitrateVarLow:
		score -= math.Min(bitrateVarMaxPenalty, (bitrateVarLow-in.BitrateVariation)*bitrateVarLowSlope)
	case in.BitrateVariation > bitrateVarHigh:
		score -= math.Min(bitrateVarMaxPenalty, (in.BitrateVariation-bitrateVarHigh)*bitrateVarHighSlope)
	}
	if !in.MetaDiverse {
		score -= metaRepeatPenalty
	}
	if !in.TimeDiverse {
		score -= timeRepeatPenalty
	}

	score = roundTo(clamp(score, 0, trustMax), 1)
	if in.InvalidMetrics && score > InvalidMetricsCap {
		logging.Info("TrustScore adjusted: %.1f -> %.1f (invalid metrics)", score, InvalidMetricsCap)
		score = InvalidMetricsCap
	}
	return score
}

// TrustLevel is the coarse verdict behind a trust label.
type TrustLevel string

const (
	TrustSafe     TrustLevel = "Safe"
	TrustReview   TrustLevel = "Review"
	TrustHighRisk TrustLevel = "High risk"
)

// TrustLabel maps a score to a verdict and a human label, naming the target
// platform when one is known.
func TrustLabel(score float64, profile string) (string, TrustLevel) {
	level := TrustHighRisk
	switch {
	case score >= SafeThreshold:
		level = TrustSafe
	case score >= ReviewThreshold:
		level = TrustReview
	}

	platform := ProfileLabel(profile)
	if platform == "" {
		switch level {
		case TrustSafe:
			return "Ready for upload", level
		case TrustReview:
			return "Review manually before upload", level
		default:
			return "Needs rework before publishing", level
		}
	}
	switch level {
	case TrustSafe:
		return "Safe for " + platform, level
	case TrustReview:
		return "Review before posting to " + platform, level
	default:
		return "High risk on " + platform, level
	}
}

// ProfileLabel turns a profile name into a platform name for display.
func ProfileLabel(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	switch {
	case p == "":
		return ""
	case strings.HasPrefix(p, "tiktok"):
		return "TikTok"
	case strings.HasPrefix(p, "instagram"):
		return "Instagram"
	case strings.HasPrefix(p, "youtube"):
		return "YouTube Shorts"
	}
	return profile
}

// Audit is the human-facing quality summary of a batch.
type Audit struct {
	TrustInputs
	Copies         int        `json:"copies"`
	AvgBitrateKbps float64    `json:"avgBitrateKbps"`
	Profile        string     `json:"profile,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
	TrustScore     float64    `json:"trustScore"`
	TrustLabel     string     `json:"trustLabel"`
	TrustLevel     TrustLevel `json:"trustLevel"`
}

// AuditBatch computes the trust inputs for the given copies and scores them.
// Manifest rows supply encoder, software and creation-time metadata.
func AuditBatch(copies []CopyMetrics, manifest []ManifestRow) Audit {
	a := Audit{Copies: len(copies)}

	names := make(map[string]struct{}, len(copies))
	var ssim, psnr, phash, bitrate []float64
	for _, c := range copies {
		names[filepath.Base(c.CopyName)] = struct{}{}
		if c.InvalidMetrics() {
			a.InvalidMetrics = true
			addWarning(&a.Warnings, string(StatusError))
			continue
		}
		if c.Status == StatusLowQuality {
			addWarning(&a.Warnings, string(StatusLowQuality))
		}
		ssim = append(ssim, c.SSIM.Float64)
		psnr = append(psnr, c.PSNR.Float64)
		if c.PHashDiff.Valid {
			phash = append(phash, c.PHashDiff.Float64)
		}
		b := c.BitrateKbps.Float64
		if b > 100000 {
			b /= 1000
		}
		bitrate = append(bitrate, b)
	}

	a.HasSSIM, a.MeanSSIM = len(ssim) > 0, roundTo(mean(ssim, 0), 3)
	a.HasPSNR, a.MeanPSNR = len(psnr) > 0, roundTo(mean(psnr, 0), 1)
	a.HasPHash, a.MeanPHash = len(phash) > 0, roundTo(mean(phash, 0), 1)

	if avg := mean(bitrate, 0); avg > 0 {
		var dev float64
		for _, b := range bitrate {
			dev += math.Abs(b - avg)
		}
		a.AvgBitrateKbps = roundTo(avg, 1)
		a.BitrateVariation = roundTo(dev/float64(len(bitrate))/avg*100, 1)
	}

	var rows []ManifestRow
	for _, row := range manifest {
		if _, ok := names[row.CopyName]; ok || len(names) == 0 {
			rows = append(rows, row)
		}
	}
	a.MetaDiverse = encodersDiverse(rows)
	a.TimeDiverse = timestampsDiverse(rows)
	for _, row := range rows {
		if row.Profile != "" {
			a.Profile = row.Profile
			break
		}
	}
	for hash, n := range RepeatedMetaHashes(rows) {
		addWarning(&a.Warnings, fmt.Sprintf("meta_hash %s repeated %d times", hash, n))
	}

	a.TrustScore = TrustScore(a.TrustInputs)
	a.TrustLabel, a.TrustLevel = TrustLabel(a.TrustScore, a.Profile)
	return a
}

func addWarning(list *[]string, w string) {
	for _, existing := range *list {
		if existing == w {
			return
		}
	}
	*list = append(*list, w)
}

// encodersDiverse reports whether more than one encoder/software pair was
// stamped on the batch.
func encodersDiverse(rows []ManifestRow) bool {
	combos := make(map[[2]string]struct{})
	for _, r := range rows {
		if r.Encoder == "" && r.Software == "" {
			continue
		}
		combos[[2]string{strings.ToLower(r.Encoder), strings.ToLower(r.Software)}] = struct{}{}
	}
	return len(combos) > 1
}

// timestampsDiverse reports whether creation times differ across the batch.
// A single parsed timestamp counts as randomized.
func timestampsDiverse(rows []ManifestRow) bool {
	var times []time.Time
	for _, r := range rows {
		if t, ok := parseTimestamp(r.CreationTime); ok {
			times = append(times, t)
		}
	}
	if len(times) <= 1 {
		return len(times) == 1
	}
	lo, hi := times[0], times[0]
	distinct := false
	for _, t := range times[1:] {
		if !t.Equal(times[0]) {
			distinct = true
		}
		if t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
	}
	return distinct || hi.Sub(lo) >= time.Minute
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
