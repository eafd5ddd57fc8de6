package filterchain

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// MinSide is the smallest crop edge the transcoder accepts.
const MinSide = 64

// Passthrough is the no-op segment used when simplification leaves nothing.
const Passthrough = "null"

// Limits bounds crop geometry.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// DefaultLimits is a portrait 1080p frame.
var DefaultLimits = Limits{MaxWidth: 1080, MaxHeight: 1920}

// audioReplacements maps audio filters the target ffmpeg build rejects to a
// safe stand-in.
var audioReplacements = map[string]string{
	"anequalizer": "aecho=0.8:0.88:6:0.4",
	"afir":        "aecho=0.8:0.88:6:0.4",
	"apulsator":   "atempo=1.0",
	"afreqshift":  "atempo=1.0",
}

// Sanitizer repairs filter chains against a set of limits.
type Sanitizer struct {
	limits Limits
}

// New returns a Sanitizer. Limits below MinSide are raised to MinSide and
// zero limits fall back to DefaultLimits.
func New(limits Limits) *Sanitizer {
	if limits.MaxWidth == 0 {
		limits.MaxWidth = DefaultLimits.MaxWidth
	}
	if limits.MaxHeight == 0 {
		limits.MaxHeight = DefaultLimits.MaxHeight
	}
	limits.MaxWidth = max(limits.MaxWidth, MinSide)
	limits.MaxHeight = max(limits.MaxHeight, MinSide)
	return &Sanitizer{limits: limits}
}

var defaultSanitizer = New(DefaultLimits)

// Sanitize repairs chain with DefaultLimits.
func Sanitize(chain []string) []string {
	return defaultSanitizer.Sanitize(chain)
}

// FixFinalCropChain sanitizes a complete filter graph string.
func FixFinalCropChain(graph string) string {
	return defaultSanitizer.Sanitize([]string{graph})[0]
}

// Limits returns the bounds the sanitizer enforces.
func (s *Sanitizer) Limits() Limits {
	return s.limits
}

// Sanitize returns a repaired copy of chain with the same number of segments.
func (s *Sanitizer) Sanitize(chain []string) []string {
	out := make([]string, len(chain))
	var scale frameSize
	for i, segment := range chain {
		parts, seps := splitFilters(segment)
		for j, part := range parts {
			f := parseFilter(part)
			switch {
			case f.name == "scale":
				scale = f.scaleSize()
			case f.name == "crop":
				s.fixCrop(&f, scale)
			default:
				if repl, ok := audioReplacements[f.name]; ok {
					f.name, f.args = splitNameArgs(repl)
				}
			}
			parts[j] = f.String()
		}
		out[i] = joinFilters(parts, seps)
	}
	return out
}

// Simplify drops noise, curves and lut* filters. It never returns an empty
// chain.
func Simplify(chain []string) []string {
	out := make([]string, 0, len(chain))
	for _, segment := range chain {
		parts, seps := splitFilters(segment)
		keptParts := make([]string, 0, len(parts))
		keptSeps := make([]string, 0, len(seps))
		for j, part := range parts {
			if isHeavy(parseFilter(part).name) {
				continue
			}
			if len(keptParts) > 0 {
				keptSeps = append(keptSeps, seps[j-1])
			}
			keptParts = append(keptParts, part)
		}
		if len(keptParts) == 0 {
			continue
		}
		if joined := joinFilters(keptParts, keptSeps); strings.TrimSpace(joined) != "" {
			out = append(out, joined)
		}
	}
	if len(out) == 0 {
		return []string{Passthrough}
	}
	return out
}

func isHeavy(name string) bool {
	return name == "noise" || name == "curves" || strings.HasPrefix(name, "lut")
}

type frameSize struct {
	w, h int
}

func (s *Sanitizer) fixCrop(f *filter, scale frameSize) {
	w, wOK := f.intOpt("w")
	h, hOK := f.intOpt("h")

	if (wOK && w <= 0) || (hOK && h <= 0) {
		f.ensureOpt("w", MinSide)
		f.ensureOpt("h", MinSide)
		w, h, wOK, hOK = MinSide, MinSide, true, true
		if _, ok := f.intOpt("x"); ok {
			f.setOpt("x", 0)
		}
		if _, ok := f.intOpt("y"); ok {
			f.setOpt("y", 0)
		}
	}

	if wOK {
		w = clampSide(w, scale.w, s.limits.MaxWidth)
		f.setOpt("w", w)
	}
	if hOK {
		h = clampSide(h, scale.h, s.limits.MaxHeight)
		f.setOpt("h", h)
	}

	frameW, frameH := s.limits.MaxWidth, s.limits.MaxHeight
	if scale.w > 0 {
		frameW = scale.w
	}
	if scale.h > 0 {
		frameH = scale.h
	}
	if x, ok := f.intOpt("x"); ok {
		f.setOpt("x", clampOffset(x, w, wOK, frameW))
	}
	if y, ok := f.intOpt("y"); ok {
		f.setOpt("y", clampOffset(y, h, hOK, frameH))
	}
}

func clampSide(v, scaleDim, limit int) int {
	if scaleDim > 0 && v > scaleDim {
		v = scaleDim
	}
	v = max(v, MinSide)
	return min(v, limit)
}

func clampOffset(off, side int, sideOK bool, frameDim int) int {
	off = max(off, 0)
	if sideOK {
		off = min(off, max(frameDim-side, 0))
	}
	return off
}

// filter is one parsed filter: optional input labels, name, options, and
// optional output labels.
type filter struct {
	inLabels  string
	name      string
	args      []option
	outLabels string
	hasArgs   bool
}

type option struct {
	key   string // empty for positional options
	value string
}

var labelPattern = regexp.MustCompile(`^((?:\s*\[[^\]]*\])*)\s*(.*?)\s*((?:\[[^\]]*\]\s*)*)$`)

func parseFilter(text string) filter {
	m := labelPattern.FindStringSubmatch(text)
	if m == nil {
		return filter{name: text}
	}
	f := filter{inLabels: m[1], outLabels: m[3]}
	f.name, f.args = splitNameArgs(m[2])
	f.hasArgs = strings.Contains(m[2], "=")
	return f
}

func splitNameArgs(core string) (string, []option) {
	name, rest, ok := strings.Cut(core, "=")
	if !ok {
		return strings.TrimSpace(name), nil
	}
	var opts []option
	for _, field := range strings.Split(rest, ":") {
		if k, v, named := strings.Cut(field, "="); named {
			opts = append(opts, option{key: k, value: v})
		} else {
			opts = append(opts, option{value: field})
		}
	}
	return strings.TrimSpace(name), opts
}

func (f filter) String() string {
	var b strings.Builder
	b.WriteString(f.inLabels)
	b.WriteString(f.name)
	if len(f.args) > 0 {
		b.WriteByte('=')
		for i, o := range f.args {
			if i > 0 {
				b.WriteByte(':')
			}
			if o.key != "" {
				b.WriteString(o.key)
				b.WriteByte('=')
			}
			b.WriteString(o.value)
		}
	} else if f.hasArgs {
		b.WriteByte('=')
	}
	b.WriteString(f.outLabels)
	return b.String()
}

// positional order for crop and scale options.
var positional = map[string][]string{
	"crop":  {"w", "h", "x", "y"},
	"scale": {"w", "h"},
}

var aliases = map[string]string{
	"out_w": "w", "out_h": "h",
	"width": "w", "height": "h",
}

// optIndex finds the option that carries the canonical key.
func (f *filter) optIndex(key string) int {
	order := positional[f.name]
	pos := 0
	for i, o := range f.args {
		if o.key == "" {
			if pos < len(order) && order[pos] == key {
				return i
			}
			pos++
			continue
		}
		k := o.key
		if a, ok := aliases[k]; ok {
			k = a
		}
		if k == key {
			return i
		}
	}
	return -1
}

func (f *filter) intOpt(key string) (int, bool) {
	i := f.optIndex(key)
	if i < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(f.args[i].value), 64)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func (f *filter) setOpt(key string, v int) {
	if i := f.optIndex(key); i >= 0 {
		f.args[i].value = strconv.Itoa(v)
	}
}

// ensureOpt sets key, adding it when the filter does not carry it yet. A
// missing option is appended positionally when every earlier positional slot
// is filled and no named option follows; otherwise it is appended by name.
func (f *filter) ensureOpt(key string, v int) {
	if f.optIndex(key) >= 0 {
		f.setOpt(key, v)
		return
	}
	positionalOnly := true
	for _, o := range f.args {
		if o.key != "" {
			positionalOnly = false
			break
		}
	}
	if positionalOnly && slices.Index(positional[f.name], key) == len(f.args) {
		f.args = append(f.args, option{value: strconv.Itoa(v)})
		return
	}
	f.args = append(f.args, option{key: key, value: strconv.Itoa(v)})
}

// scaleSize returns the explicit output size of a scale filter; automatic
// dimensions (-1, -2, expressions) are reported as 0.
func (f filter) scaleSize() frameSize {
	var size frameSize
	if w, ok := f.intOpt("w"); ok && w > 0 {
		size.w = w
	}
	if h, ok := f.intOpt("h"); ok && h > 0 {
		size.h = h
	}
	return size
}

// splitFilters splits a segment on top-level ',' and ';', returning the
// pieces and the separators between them. Quoted text, bracketed labels and
// backslash escapes are not split.
func splitFilters(segment string) ([]string, []string) {
	var parts, seps []string
	var cur strings.Builder
	depth := 0
	quoted := false
	escaped := false
	for _, r := range segment {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '\'':
			quoted = !quoted
		case quoted:
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case depth == 0 && (r == ',' || r == ';'):
			parts = append(parts, cur.String())
			seps = append(seps, string(r))
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	parts = append(parts, cur.String())
	return parts, seps
}

func joinFilters(parts, seps []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(seps[i-1])
		}
		b.WriteString(p)
	}
	return b.String()
}
