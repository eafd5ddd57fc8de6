package variant

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// MinCropSide is the smallest crop edge the transcoder accepts.
const MinCropSide = 64

// maxBackoffDepth bounds the shift applied to crop margins. Margins are
// already zero well before this depth.
const maxBackoffDepth = 16

// Intensity biases how strongly a copy is perturbed. It is chosen by the
// adaptive controller from earlier runs.
type Intensity string

const (
	IntensityNeutral Intensity = "neutral"
	IntensityBoost   Intensity = "boost"
	IntensityRelax   Intensity = "relax"
)

// GenerateOptions carries inputs that shape a variant without changing the
// draw stream.
type GenerateOptions struct {
	Mode Intensity
}

// Size is a width/height pair in pixels.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Point is an x/y offset in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// VariantConfig holds every randomized parameter of one rendered copy. It is
// a value: a retry builds a new one instead of editing an old one.
type VariantConfig struct {
	Seed          string    `json:"seed"`
	Profile       string    `json:"profile"`
	Mode          Intensity `json:"mode"`
	BackoffDepth  int       `json:"backoffDepth"`
	FPS           int       `json:"fps"`
	BitrateKbps   int       `json:"bitrateKbps"`
	MaxrateKbps   int       `json:"maxrateKbps"`
	BufsizeKbps   int       `json:"bufsizeKbps"`
	Scale         Size      `json:"scale"`
	PadOffset     Point     `json:"padOffset"`
	CropMargin    Size      `json:"cropMargin"`
	CropOffset    Point     `json:"cropOffset"`
	Brightness    float64   `json:"brightness"`
	Contrast      float64   `json:"contrast"`
	Saturation    float64   `json:"saturation"`
	NoiseStrength int       `json:"noiseStrength"`
	MicroFilters  []string  `json:"microFilters"`
	LUTDescriptor string    `json:"lutDescriptor,omitempty"`
	EncoderLabel  string    `json:"encoder"`
	SoftwareLabel string    `json:"software"`
	// CreationAge is how far before the reference time the embedded
	// creation timestamp lies. Always positive.
	CreationAge time.Duration `json:"creationAge"`
	// FilesystemSkew is added to the creation timestamp to get the on-disk
	// modification time.
	FilesystemSkew   time.Duration `json:"filesystemSkew"`
	AudioTempo       float64       `json:"audioTempo"`
	AudioPitch       float64       `json:"audioPitch"`
	AudioFilterChain string        `json:"audioFilterChain"`
	CodecProfile     string        `json:"codecProfile"`
}

var microFilterPool = []string{
	"unsharp=lx=5:ly=5:la=0.25",
	"colorbalance=bs=-0.015:rs=0.02",
	"curves=preset=vintage",
	"colorchannelmixer=rr=1.02:gg=1.00:bb=0.98",
}

var blurPool = []string{
	"gblur=sigma=0.45",
	"avgblur=sizeX=3:sizeY=3",
}

var softwarePool = []weighted{
	{"CapCut 12.4.1", 0.28},
	{"iMovie 10.3", 0.20},
	{"VN 2.13.6", 0.18},
	{"Premiere Rush 2.5", 0.16},
	{"Lavf62", 0.10},
	{"Shotcut 23.07", 0.08},
}

var encoderPool = []weighted{
	{"Lavf62.108.108", 0.32},
	{"Lavf62.110.102", 0.27},
	{"Lavf63.12.100", 0.18},
	{"Lavf61.5.100", 0.13},
	{"Lavf58.76.100", 0.10},
}

// Generate derives the variant for one copy at neutral intensity.
func Generate(sourceName string, copyIndex int, salt string, profile ProfileSettings, backoffDepth int) VariantConfig {
	return GenerateWith(sourceName, copyIndex, salt, profile, backoffDepth, GenerateOptions{})
}

// GenerateWith derives the variant for one copy. The result depends only on
// its arguments.
func GenerateWith(sourceName string, copyIndex int, salt string, profile ProfileSettings, backoffDepth int, opts GenerateOptions) VariantConfig {
	digest := seedDigest(sourceName, copyIndex, salt)
	s := streamFrom(digest)

	mode := opts.Mode
	if mode == "" {
		mode = IntensityNeutral
	}
	depth := min(max(backoffDepth, 0), maxBackoffDepth)

	v := VariantConfig{
		Seed:         hex.EncodeToString(digest[:]),
		Profile:      profile.Name,
		Mode:         mode,
		BackoffDepth: depth,
		CodecProfile: profile.CodecTag(),
	}

	v.FPS = Choice(s, profile.fpsPool())

	base := float64(baseBitrate(profile))
	v.BitrateKbps = max(900, int(math.Round(base*s.Uniform(0.9, 1.1))))
	if profile.Portrait() {
		v.BitrateKbps = int(math.Round(float64(v.BitrateKbps) * 1.1))
	}
	v.MaxrateKbps = max(v.BitrateKbps+120, int(math.Round(float64(v.BitrateKbps)*s.Uniform(1.08, 1.18))))
	v.BufsizeKbps = int(math.Round(float64(v.MaxrateKbps) * s.Uniform(1.8, 2.4)))

	v.Scale.W = jitterSide(profile.Width, s.Uniform(0.99, 1.01))
	v.Scale.H = jitterSide(profile.Height, s.Uniform(0.99, 1.01))

	padX := max(2, int(float64(profile.Width)*0.02))
	padY := max(2, int(float64(profile.Height)*0.02))
	v.PadOffset = Point{X: s.IntRange(-padX, padX), Y: s.IntRange(-padY, padY)}

	rawW := even(s.IntRange(4, 10))
	rawH := even(s.IntRange(4, 10))
	rawX := s.IntRange(0, rawW)
	rawY := s.IntRange(0, rawH)
	v.CropMargin, v.CropOffset = reduceCrop(v.Scale, rawW, rawH, rawX, rawY, depth)

	v.Brightness = s.Uniform(-0.03, 0.03)
	v.Contrast = 1.0 + s.Uniform(-0.03, 0.03)
	v.Saturation = 1.0 + s.Uniform(-0.03, 0.03)

	noiseRoll := s.Float()
	noiseStrength := s.IntRange(1, 2)
	switch {
	case mode == IntensityRelax:
	case mode == IntensityBoost && noiseRoll > 0.15:
		v.NoiseStrength = noiseStrength
	case noiseRoll > 0.35:
		v.NoiseStrength = noiseStrength
	}

	v.MicroFilters = pickMicroFilters(s, mode)
	v.LUTDescriptor = lutDescriptor(v.MicroFilters)

	v.SoftwareLabel = s.pick(softwarePool)
	v.EncoderLabel = s.pick(encoderPool)

	days := s.IntRange(3, 14)
	secs := s.IntRange(0, 24*3600-1)
	jitter := s.IntRange(-6*3600, 6*3600)
	v.CreationAge = time.Duration(days)*24*time.Hour + time.Duration(secs+(-jitter))*time.Second
	skew := s.Uniform(-2.5*3600, 2.5*3600)
	v.FilesystemSkew = time.Duration(math.Round(skew*1000)) * time.Millisecond

	v.AudioTempo = s.Uniform(0.97, 1.03)
	v.AudioPitch = s.Uniform(0.97, 1.03)
	v.AudioFilterChain = audioChain(profile.AudioSampleRate, v.AudioTempo, v.AudioPitch)

	return v
}

// jitterSide scales a frame side by f without exceeding the profile's side.
func jitterSide(side int, f float64) int {
	n := even(int(math.Round(float64(side) * f)))
	if side > 0 {
		n = min(n, even(side))
	}
	return max(2, n)
}

// reduceCrop shrinks the drawn margins by 2^depth and falls back to the
// full frame when nothing is left to crop or the result would be too small.
func reduceCrop(scale Size, rawW, rawH, rawX, rawY, depth int) (Size, Point) {
	mw := even(rawW >> depth)
	mh := even(rawH >> depth)
	if mw <= 0 && mh <= 0 {
		return Size{}, Point{}
	}
	mw, mh = max(mw, 0), max(mh, 0)
	if scale.W-mw < MinCropSide || scale.H-mh < MinCropSide {
		return Size{}, Point{}
	}
	offset := Point{X: min(rawX>>depth, mw), Y: min(rawY>>depth, mh)}
	return Size{W: mw, H: mh}, offset
}

func baseBitrate(p ProfileSettings) int {
	switch {
	case p.BitrateMinKbps <= 0 && p.BitrateMaxKbps <= 0:
		return 3600
	case p.BitrateMaxKbps <= 0:
		return p.BitrateMinKbps
	case p.BitrateMinKbps <= 0:
		return p.BitrateMaxKbps
	}
	return (p.BitrateMinKbps + p.BitrateMaxKbps) / 2
}

func pickMicroFilters(s *Stream, mode Intensity) []string {
	k := s.IntRange(1, 2)
	order := s.Perm(len(microFilterPool))
	blurRoll := s.Float()
	blur := Choice(s, blurPool)

	if mode == IntensityBoost {
		k = 2
	}
	filters := make([]string, 0, k+1)
	for _, idx := range order[:k] {
		filters = append(filters, microFilterPool[idx])
	}
	threshold := 0.45
	if mode == IntensityBoost {
		threshold = 0.65
	}
	if blurRoll < threshold {
		filters = append(filters, blur)
	}
	return filters
}

func lutDescriptor(filters []string) string {
	has := func(names ...string) bool {
		for _, f := range filters {
			for _, n := range names {
				if filterName(f) == n {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("colorbalance", "colorchannelmixer"):
		return "ColorMatrix"
	case has("curves"):
		return "CurvesLUT"
	case has("gblur", "avgblur"):
		return "SoftBlur"
	}
	return ""
}

func audioChain(sampleRate int, tempo, pitch float64) string {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	p := clamp(pitch, 0.94, 1.06)
	t := clamp(tempo, 0.94, 1.06)
	return fmt.Sprintf("asetrate=%d*%.4f,aresample=%d,atempo=%.4f", sampleRate, p, sampleRate, t)
}

// CreationTime returns the embedded creation timestamp relative to now.
func (v VariantConfig) CreationTime(now time.Time) time.Time {
	return now.UTC().Add(-v.CreationAge).Truncate(time.Millisecond)
}

// FilesystemTime returns the on-disk modification time relative to now.
func (v VariantConfig) FilesystemTime(now time.Time) time.Time {
	return v.CreationTime(now).Add(v.FilesystemSkew)
}

// Cropped reports whether the variant crops the frame at all.
func (v VariantConfig) Cropped() bool {
	return v.CropMargin.W > 0 || v.CropMargin.H > 0
}

// CropSize is the frame size left after cropping the scaled frame.
func (v VariantConfig) CropSize() Size {
	return Size{W: v.Scale.W - v.CropMargin.W, H: v.Scale.H - v.CropMargin.H}
}

func even(n int) int {
	if n%2 != 0 {
		return n - 1
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
