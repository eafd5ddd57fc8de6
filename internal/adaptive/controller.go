package adaptive

import (
	"fmt"

	"uniclon/internal/logging"
	"uniclon/internal/metrics"
	"uniclon/internal/uniqueness"
	"uniclon/internal/variant"
)

const (
	// Window is how many of the newest scores are averaged.
	Window = 5
	// MinSamples is the history length below which the mode stays neutral.
	MinSamples = 3

	BoostBelow = 60.0
	RelaxAbove = 85.0
)

// Perturbation flags exported to the render script.
const (
	EnvRotateRange = "ADAPTIVE_ROTATE_RANGE"
	EnvVignette    = "ADAPTIVE_VIGNETTE"
	EnvCurves      = "ADAPTIVE_CURVES"
	EnvMode        = "ADAPTIVE_MODE"
)

// Tuning is the controller's current decision.
type Tuning struct {
	Mode variant.Intensity `json:"mode"`
	Env  map[string]string `json:"env"`
	// UniqAvg is the rolling mean, or nil while there is too little history.
	UniqAvg *float64 `json:"uniqAvg"`
}

// Controller derives the generation mode from a Store.
type Controller struct {
	store *Store
}

// NewController wraps store.
func NewController(store *Store) *Controller {
	return &Controller{store: store}
}

// Store returns the underlying history.
func (c *Controller) Store() *Store {
	return c.store
}

// Tune computes the mode from the current history.
func (c *Controller) Tune() Tuning {
	recent := c.store.Recent(Window)
	t := Tuning{Mode: variant.IntensityNeutral}
	if len(recent) >= MinSamples {
		var sum float64
		for _, v := range recent {
			sum += v
		}
		avg := sum / float64(len(recent))
		t.UniqAvg = &avg
		switch {
		case avg < BoostBelow:
			t.Mode = variant.IntensityBoost
		case avg > RelaxAbove:
			t.Mode = variant.IntensityRelax
		}
	}
	t.Env = EnvFor(t.Mode)
	metrics.SetAdaptiveMode(string(t.Mode))
	return t
}

// CurrentMode reports the mode and its environment for the next batch.
func (c *Controller) CurrentMode() (string, map[string]string) {
	t := c.Tune()
	return string(t.Mode), t.Env
}

// RecordAndTune appends the batch's report to the history and returns the
// mode that the next batch will run with. A failed history write is logged
// and the in-memory decision still stands.
func (c *Controller) RecordAndTune(r uniqueness.Report) (map[string]string, variant.Intensity) {
	err := c.store.Append(Entry{
		UniqScore:      float64(r.UniqScore),
		AvgSSIM:        r.AvgSSIM,
		AvgPHash:       r.AvgPHash,
		AvgBitrateDiff: r.AvgBitrateDiff,
	})
	if err != nil {
		logging.Warn("Adaptive history not saved: %v", err)
	}

	t := c.Tune()
	avg := "n/a"
	if t.UniqAvg != nil {
		avg = fmt.Sprintf("%.1f", *t.UniqAvg)
	}
	logging.Info("Adaptive mode for next batch: %s (score=%d avg=%s)", t.Mode, r.UniqScore, avg)
	return t.Env, t.Mode
}

// EnvFor returns the script flags for mode. Neutral sets only the mode.
func EnvFor(mode variant.Intensity) map[string]string {
	env := map[string]string{EnvMode: string(mode)}
	var flag string
	switch mode {
	case variant.IntensityBoost:
		flag = "1"
	case variant.IntensityRelax:
		flag = "0"
	default:
		return env
	}
	env[EnvRotateRange] = flag
	env[EnvVignette] = flag
	env[EnvCurves] = flag
	return env
}
