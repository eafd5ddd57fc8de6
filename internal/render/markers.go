package render

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"uniclon/internal/logging"
)

const (
	markerDone     = "✅ done:"
	markerFailed   = "❌"
	markerProgress = "▶️"
	markerDebug    = "DEBUG copy="

	// maxOutputLines bounds the output kept per run. Recovery only matches
	// against the end of the log.
	maxOutputLines = 200
)

var (
	savedLineRE = regexp.MustCompile(
		`^\[Uniclon v1\.7\] Saved as: (?P<name>[A-Z]{3}_\d{8}_\d{6}_(?P<hash>[0-9a-f]{4})\.mp4)\s+\(seed=(?P<seed>[0-9.]+),\s*software=(?P<software>.+)\)$`)
	generatedRE = regexp.MustCompile(`Generated copy #\d+`)
	progressRE  = regexp.MustCompile(`\[(\d+)\s*/\s*\d+\]`)
)

// SavedCopy is one "Saved as" line.
type SavedCopy struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	Seed         string `json:"seed"`
	Software     string `json:"software"`
	HashMismatch bool   `json:"hashMismatch,omitempty"`
	DuplicateOf  string `json:"duplicateOf,omitempty"`
}

// CopyProgress is what the progress and debug lines said about one copy.
type CopyProgress struct {
	Index    int    `json:"index"`
	File     string `json:"file,omitempty"`
	FPS      string `json:"fps,omitempty"`
	Bitrate  string `json:"bitrate,omitempty"`
	Duration string `json:"duration,omitempty"`
	Seed     string `json:"seed,omitempty"`
}

// Outcome is everything observed during one script run. Lines holds the
// last maxOutputLines lines of output.
type Outcome struct {
	Code      int                   `json:"code"`
	Lines     []string              `json:"-"`
	Dropped   int                   `json:"droppedLines,omitempty"`
	Done      []string              `json:"done"`
	Failed    []string              `json:"failed,omitempty"`
	Generated int                   `json:"generated"`
	Saved     []SavedCopy           `json:"saved,omitempty"`
	Progress  map[int]*CopyProgress `json:"progress,omitempty"`
	NewFiles  []string              `json:"newFiles,omitempty"`

	lastTarget string
}

func newOutcome() *Outcome {
	return &Outcome{Progress: make(map[int]*CopyProgress)}
}

// Log returns the merged output.
func (o *Outcome) Log() string {
	return strings.Join(o.Lines, "\n")
}

// Tail returns the last n output lines.
func (o *Outcome) Tail(n int) string {
	return logging.Tail(o.Lines, n)
}

// Err returns an *ExitError for a non-zero exit code.
func (o *Outcome) Err() error {
	if o.Code == 0 {
		return nil
	}
	return &ExitError{Code: o.Code, Tail: o.Tail(tailLines)}
}

// observe updates the outcome from one output line.
func (o *Outcome) observe(line string) {
	o.Lines = append(o.Lines, line)
	if over := len(o.Lines) - maxOutputLines; over > 0 {
		o.Lines = slices.Delete(o.Lines, 0, over)
		o.Dropped += over
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return
	}

	if m := savedLineRE.FindStringSubmatch(s); m != nil {
		o.observeSaved(m)
	}
	if generatedRE.MatchString(s) {
		o.Generated++
	}

	switch {
	case strings.HasPrefix(s, markerDebug):
		o.observeDebug(s)
	case strings.HasPrefix(s, markerProgress):
		o.observeProgress(s)
	case strings.HasPrefix(s, markerDone):
		target := strings.TrimSpace(strings.TrimPrefix(s, markerDone))
		if target != "" {
			o.Done = append(o.Done, target)
		}
	case strings.HasPrefix(s, markerFailed):
		name := o.lastTarget
		if name == "" {
			name = strings.TrimSpace(strings.TrimPrefix(s, markerFailed))
		}
		o.addFailure(filepath.Base(name))
	}
}

func (o *Outcome) addFailure(name string) {
	if name == "" || name == "." {
		return
	}
	for _, f := range o.Failed {
		if f == name {
			return
		}
	}
	o.Failed = append(o.Failed, name)
}

func (o *Outcome) observeSaved(m []string) {
	saved := SavedCopy{
		Name:     m[savedLineRE.SubexpIndex("name")],
		Hash:     m[savedLineRE.SubexpIndex("hash")],
		Seed:     m[savedLineRE.SubexpIndex("seed")],
		Software: strings.TrimSpace(m[savedLineRE.SubexpIndex("software")]),
	}
	if want, ok := SeedHash(saved.Seed); ok && want != saved.Hash {
		saved.HashMismatch = true
		logging.Warn("Seed hash mismatch: %s (seed=%s expected=%s actual=%s)", saved.Name, saved.Seed, want, saved.Hash)
	}
	for _, prev := range o.Saved {
		if prev.Seed == saved.Seed {
			saved.DuplicateOf = prev.Name
			logging.Warn("Duplicate seed detected for %s (seed=%s, also %s)", saved.Name, saved.Seed, prev.Name)
			break
		}
	}
	o.Saved = append(o.Saved, saved)
}

// SeedHash is the four hex digits the script derives from a fractional seed
// and embeds in the output file name.
func SeedHash(seed string) (string, bool) {
	f, err := strconv.ParseFloat(seed, 64)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%04x", int64(f*65535)&0xFFFF), true
}

// tokens splits "k=v k2=v2," into a map.
func tokens(s string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Fields(s) {
		k, v, ok := strings.Cut(field, "=")
		if ok {
			out[k] = strings.TrimRight(v, ",")
		}
	}
	return out
}

func (o *Outcome) copy(index int) *CopyProgress {
	p, ok := o.Progress[index]
	if !ok {
		p = &CopyProgress{Index: index}
		o.Progress[index] = p
	}
	return p
}

func (o *Outcome) observeDebug(s string) {
	t := tokens(strings.TrimPrefix(s, "DEBUG"))
	idx, err := strconv.Atoi(t["copy"])
	if err != nil || idx <= 0 {
		return
	}
	if seed := t["seed"]; seed != "" {
		o.copy(idx).Seed = seed
	}
}

// observeProgress reads "▶️ [i/n] source → target | fps=30 br=4200k ...".
func (o *Outcome) observeProgress(s string) {
	header, rhs, ok := strings.Cut(s, "→")
	if !ok {
		return
	}
	idx := len(o.Progress) + 1
	if m := progressRE.FindStringSubmatch(header); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			idx = n
		}
	}
	target, params, _ := strings.Cut(rhs, "|")
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}

	t := tokens(params)
	p := o.copy(idx)
	p.File = target
	p.FPS = t["fps"]
	p.Bitrate = t["br"]
	p.Duration = t["duration"]
	o.lastTarget = target
	logging.Debug("Copy parameters: file=%s fps=%s bitrate=%s duration=%s", target, orDash(p.FPS), orDash(p.Bitrate), orDash(p.Duration))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
