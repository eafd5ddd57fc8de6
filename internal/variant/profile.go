package variant

import (
	"fmt"
	"strings"
)

// DefaultProfile is used when no profile, or an unknown one, is requested.
const DefaultProfile = "tiktok_hightrust"

// defaultFPSPool is used by profiles that do not restrict frame rates.
var defaultFPSPool = []int{24, 25, 30, 60}

// ProfileSettings describes the target platform envelope for a render.
type ProfileSettings struct {
	Name            string `json:"name"`
	DisplayName     string `json:"displayName"`
	BitrateMinKbps  int    `json:"bitrateMinKbps"`
	BitrateMaxKbps  int    `json:"bitrateMaxKbps"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	FPSOptions      []int  `json:"fpsOptions"`
	AudioSampleRate int    `json:"audioSampleRate"`
	Codec           string `json:"codec"`
	CodecProfile    string `json:"codecProfile"`
	CodecLevel      string `json:"codecLevel"`
	MajorBrand      string `json:"majorBrand"`
}

var presets = map[string]ProfileSettings{
	"tiktok_hightrust": {
		Name:            "tiktok_hightrust",
		DisplayName:     "TikTok",
		BitrateMinKbps:  3200,
		BitrateMaxKbps:  5200,
		Width:           1080,
		Height:          1920,
		FPSOptions:      []int{30, 60},
		AudioSampleRate: 44100,
		Codec:           "libx264",
		CodecProfile:    "high",
		CodecLevel:      "4.0",
		MajorBrand:      "mp42",
	},
	"instagram_reel": {
		Name:            "instagram_reel",
		DisplayName:     "Instagram",
		BitrateMinKbps:  3500,
		BitrateMaxKbps:  5500,
		FPSOptions:      []int{30},
		AudioSampleRate: 48000,
		CodecLevel:      "4.1",
		MajorBrand:      "isom",
	},
	"youtube_short": {
		Name:            "youtube_short",
		DisplayName:     "YouTube Shorts",
		BitrateMinKbps:  4000,
		BitrateMaxKbps:  6500,
		FPSOptions:      []int{30, 60},
		AudioSampleRate: 48000,
		CodecLevel:      "4.2",
		MajorBrand:      "mp42",
	},
}

// Profile returns the named preset merged over the default preset, so that
// fields a preset leaves empty inherit the fallback values. Unknown names
// return the default preset and ok=false.
func Profile(name string) (ProfileSettings, bool) {
	fallback := presets[DefaultProfile]
	key := strings.ToLower(strings.TrimSpace(name))
	preset, ok := presets[key]
	if !ok {
		return fallback.clone(), false
	}
	return merge(fallback, preset), true
}

// ProfileNames lists the known presets.
func ProfileNames() []string {
	return []string{"instagram_reel", "tiktok_hightrust", "youtube_short"}
}

func merge(base, over ProfileSettings) ProfileSettings {
	out := base.clone()
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.DisplayName != "" {
		out.DisplayName = over.DisplayName
	}
	if over.BitrateMinKbps > 0 {
		out.BitrateMinKbps = over.BitrateMinKbps
	}
	if over.BitrateMaxKbps > 0 {
		out.BitrateMaxKbps = over.BitrateMaxKbps
	}
	if over.Width > 0 {
		out.Width = over.Width
	}
	if over.Height > 0 {
		out.Height = over.Height
	}
	if len(over.FPSOptions) > 0 {
		out.FPSOptions = append([]int(nil), over.FPSOptions...)
	}
	if over.AudioSampleRate > 0 {
		out.AudioSampleRate = over.AudioSampleRate
	}
	if over.Codec != "" {
		out.Codec = over.Codec
	}
	if over.CodecProfile != "" {
		out.CodecProfile = over.CodecProfile
	}
	if over.CodecLevel != "" {
		out.CodecLevel = over.CodecLevel
	}
	if over.MajorBrand != "" {
		out.MajorBrand = over.MajorBrand
	}
	return out
}

func (p ProfileSettings) clone() ProfileSettings {
	p.FPSOptions = append([]int(nil), p.FPSOptions...)
	return p
}

// fpsPool returns the frame rates a variant of this profile may use.
func (p ProfileSettings) fpsPool() []int {
	if len(p.FPSOptions) > 0 {
		return p.FPSOptions
	}
	return defaultFPSPool
}

// Portrait reports whether the target frame is taller than it is wide.
func (p ProfileSettings) Portrait() bool {
	return p.Height > p.Width
}

// CodecTag renders the codec profile and level, e.g. "high@L4.0".
func (p ProfileSettings) CodecTag() string {
	if p.CodecProfile == "" {
		return ""
	}
	if p.CodecLevel == "" {
		return p.CodecProfile
	}
	return fmt.Sprintf("%s@L%s", p.CodecProfile, p.CodecLevel)
}
