package recovery

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"uniclon/internal/filterchain"
	"uniclon/internal/logging"
)

const (
	// DefaultMaxAttempts is the invocation budget per render.
	DefaultMaxAttempts = 3
	// DefaultDelay is the pause between recoverable attempts.
	DefaultDelay = time.Second
)

// State is the position of one render in the recovery state machine.
type State int

const (
	Attempting State = iota
	Recoverable
	Fatal
	Succeeded
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	case Succeeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// Classify maps a transcoder exit code to the state it leads to.
func Classify(code int) State {
	switch code {
	case 0:
		return Succeeded
	case 8, 22, 234:
		return Recoverable
	default:
		return Fatal
	}
}

// Attempt records one invocation.
type Attempt struct {
	Number        int      `json:"number"`
	ExitCode      int      `json:"exitCode"`
	State         State    `json:"state"`
	Chain         []string `json:"chain"`
	BackoffDepth  int      `json:"backoffDepth"`
	AudioOverride string   `json:"audioOverride,omitempty"`
}

// BackoffSignal receives the crop backoff depth for the next variant.
type BackoffSignal interface {
	SetBackoff(depth int)
	ClearBackoff()
}

// Backoff is a BackoffSignal that can be read from another goroutine.
type Backoff struct {
	depth atomic.Int64
}

func (b *Backoff) SetBackoff(depth int) { b.depth.Store(int64(depth)) }
func (b *Backoff) ClearBackoff()        { b.depth.Store(0) }

// Depth returns the current backoff depth.
func (b *Backoff) Depth() int { return int(b.depth.Load()) }

// Overrides are the adjustments in force for an attempt.
type Overrides struct {
	BackoffDepth int
	AudioEQ      string
}

// Result is what one invocation reports back. Chain is the filter chain the
// invocation actually ran, when it differs from the one it was handed.
type Result struct {
	Code  int
	Log   string
	Chain []string
}

// Orchestrator runs one render through the retry policy. It is not safe for
// concurrent use; create one per render.
type Orchestrator struct {
	MaxAttempts int
	Delay       time.Duration
	Sleep       func(time.Duration)
	Backoff     BackoffSignal
	Sanitizer   *filterchain.Sanitizer
	Label       string

	attempts []Attempt
}

// New returns an Orchestrator with the default budget and delay.
func New(signal BackoffSignal) *Orchestrator {
	return &Orchestrator{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		Sleep:       time.Sleep,
		Backoff:     signal,
	}
}

// Attempts returns the invocations made by the last call.
func (o *Orchestrator) Attempts() []Attempt {
	return slices.Clone(o.attempts)
}

// RetryRender runs the general recovery path and returns the final exit code.
func (o *Orchestrator) RetryRender(run func(chain []string) int, chain []string) int {
	return o.RetryRenderWithLog(func(c []string, _ Overrides) Result {
		return Result{Code: run(c)}
	}, chain)
}

// RetryRenderWithLog runs the general path plus the audio recovery path,
// which needs the tool log to detect rejected audio options.
func (o *Orchestrator) RetryRenderWithLog(run func(chain []string, ov Overrides) Result, chain []string) int {
	o.attempts = o.attempts[:0]
	budget := o.MaxAttempts
	if budget <= 0 {
		budget = DefaultMaxAttempts
	}

	current := o.sanitize(chain)
	var ov Overrides
	var logs []string
	audioApplied := false
	last := 0

	for n := 1; n <= budget; n++ {
		res := run(slices.Clone(current), ov)
		state := Classify(res.Code)
		executed := current
		if res.Chain != nil {
			executed = res.Chain
		}
		o.attempts = append(o.attempts, Attempt{
			Number:        n,
			ExitCode:      res.Code,
			State:         state,
			Chain:         slices.Clone(executed),
			BackoffDepth:  ov.BackoffDepth,
			AudioOverride: ov.AudioEQ,
		})
		last = res.Code
		if res.Log != "" {
			logs = append(logs, res.Log)
		}

		if state == Succeeded {
			if n > 1 {
				logging.Info("[Recovery] %s succeeded on attempt %d", o.label(), n)
			}
			if o.Backoff != nil {
				o.Backoff.ClearBackoff()
			}
			return 0
		}

		if !audioApplied && NeedsAudioRecovery(res.Code, strings.Join(logs, "\n")) {
			ov.AudioEQ = SafeAudioEQ(strings.Join(logs, "\n"))
			audioApplied = true
			logging.Warn("[Recovery] %s rejected an audio filter (code=%d), retrying with %s", o.label(), res.Code, ov.AudioEQ)
			continue
		}

		if state == Fatal {
			logging.Error("[Recovery] %s non-recoverable code=%d", o.label(), res.Code)
			return res.Code
		}

		logging.Warn("[Recovery] %s attempt %d/%d failed (code=%d), simplifying filters", o.label(), n, budget, res.Code)
		if n == budget {
			break
		}
		ov.BackoffDepth++
		if o.Backoff != nil {
			o.Backoff.SetBackoff(ov.BackoffDepth)
		}
		logging.Debug("[Recovery] applying crop backoff %d", ov.BackoffDepth)
		current = o.sanitize(filterchain.Simplify(current))
		o.sleep()
	}

	logging.Error("[Recovery] %s failed after %d attempts, skipping", o.label(), len(o.attempts))
	return last
}

func (o *Orchestrator) sanitize(chain []string) []string {
	if o.Sanitizer != nil {
		return o.Sanitizer.Sanitize(chain)
	}
	return filterchain.Sanitize(chain)
}

func (o *Orchestrator) sleep() {
	if o.Delay <= 0 {
		return
	}
	if o.Sleep != nil {
		o.Sleep(o.Delay)
		return
	}
	time.Sleep(o.Delay)
}

func (o *Orchestrator) label() string {
	if o.Label == "" {
		return "render"
	}
	return o.Label
}
