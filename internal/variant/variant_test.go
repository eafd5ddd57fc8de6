package variant

import (
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"
)

const testSalt = "uniclon_v1.7"

func TestSeed(t *testing.T) {
	a := Seed("clip.mp4", 1, testSalt)
	if len(a) != 32 {
		t.Fatalf("Seed length = %d, want 32", len(a))
	}
	if b := Seed("/tmp/uploads/clip.mp4", 1, testSalt); a != b {
		t.Errorf("Seed should ignore directories: %s != %s", a, b)
	}
	if b := Seed("clip.mp4", 1, testSalt); a != b {
		t.Errorf("Seed not stable: %s != %s", a, b)
	}

	seen := map[string]int{}
	for i := 1; i <= 3; i++ {
		s := Seed("clip.mp4", i, testSalt)
		if prev, ok := seen[s]; ok {
			t.Errorf("copies %d and %d share seed %s", prev, i, s)
		}
		seen[s] = i
	}
}

func TestNewStream(t *testing.T) {
	tests := []struct {
		name    string
		seed    string
		wantErr bool
	}{
		{"valid seed", Seed("clip.mp4", 1, testSalt), false},
		{"empty", "", true},
		{"not hex", strings.Repeat("z", 32), true},
		{"too short", "abcd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStream(tt.seed)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewStream(%q) error = %v, wantErr %v", tt.seed, err, tt.wantErr)
			}
		})
	}
}

func TestStreamMatchesSeed(t *testing.T) {
	seed := Seed("clip.mp4", 2, testSalt)
	s1, err := NewStream(seed)
	if err != nil {
		t.Fatal(err)
	}
	s2 := streamFrom(seedDigest("clip.mp4", 2, testSalt))
	for i := 0; i < 10; i++ {
		if a, b := s1.Float(), s2.Float(); a != b {
			t.Fatalf("draw %d differs: %v != %v", i, a, b)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	for depth := 0; depth < 4; depth++ {
		a := Generate("clip.mp4", 1, testSalt, profile, depth)
		b := Generate("clip.mp4", 1, testSalt, profile, depth)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("depth %d: repeated Generate differs:\n%+v\n%+v", depth, a, b)
		}
	}
}

func TestGenerateBackoffOnlyTouchesCrop(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	base := Generate("clip.mp4", 3, testSalt, profile, 0)
	retry := Generate("clip.mp4", 3, testSalt, profile, 2)

	retry.CropMargin = base.CropMargin
	retry.CropOffset = base.CropOffset
	retry.BackoffDepth = base.BackoffDepth
	if !reflect.DeepEqual(base, retry) {
		t.Errorf("backoff changed fields other than the crop:\n%+v\n%+v", base, retry)
	}
}

func TestGenerateBackoffMonotonic(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	for copyIndex := 1; copyIndex <= 25; copyIndex++ {
		prev := Generate("clip.mp4", copyIndex, testSalt, profile, 0)
		if !prev.Cropped() {
			t.Fatalf("copy %d: depth 0 should crop", copyIndex)
		}
		for depth := 1; depth <= 6; depth++ {
			v := Generate("clip.mp4", copyIndex, testSalt, profile, depth)
			if v.CropMargin.W > prev.CropMargin.W || v.CropMargin.H > prev.CropMargin.H {
				t.Errorf("copy %d depth %d: margins grew from %+v to %+v", copyIndex, depth, prev.CropMargin, v.CropMargin)
			}
			if v.CropOffset.X > v.CropMargin.W || v.CropOffset.Y > v.CropMargin.H {
				t.Errorf("copy %d depth %d: offset %+v outside margin %+v", copyIndex, depth, v.CropOffset, v.CropMargin)
			}
			if v.CropMargin.W%2 != 0 || v.CropMargin.H%2 != 0 {
				t.Errorf("copy %d depth %d: odd margin %+v", copyIndex, depth, v.CropMargin)
			}
			prev = v
		}
		if prev.Cropped() || prev.CropOffset != (Point{}) {
			t.Errorf("copy %d: deep backoff should fall back to the full frame, got %+v %+v", copyIndex, prev.CropMargin, prev.CropOffset)
		}
	}
}

func TestGenerateFullFrameFallbackForTinyFrames(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	profile.Width, profile.Height = 66, 66
	for copyIndex := 1; copyIndex <= 10; copyIndex++ {
		v := Generate("tiny.mp4", copyIndex, testSalt, profile, 0)
		if v.Cropped() {
			t.Errorf("copy %d: crop %+v on a %dx%d frame should fall back to full frame", copyIndex, v.CropMargin, v.Scale.W, v.Scale.H)
		}
		for _, seg := range v.Filters() {
			if strings.HasPrefix(seg, "crop=") {
				t.Errorf("copy %d: unexpected crop segment %q", copyIndex, seg)
			}
		}
	}
}

func TestGenerateBounds(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, name := range ProfileNames() {
		profile, ok := Profile(name)
		if !ok {
			t.Fatalf("Profile(%q) not found", name)
		}
		for copyIndex := 1; copyIndex <= 50; copyIndex++ {
			v := Generate("clip.mp4", copyIndex, testSalt, profile, 0)

			if !slices.Contains(profile.FPSOptions, v.FPS) {
				t.Errorf("%s/%d: fps %d not in %v", name, copyIndex, v.FPS, profile.FPSOptions)
			}
			if v.BitrateKbps < 900 || v.MaxrateKbps < v.BitrateKbps+120 || v.BufsizeKbps < v.MaxrateKbps {
				t.Errorf("%s/%d: bad rates %d/%d/%d", name, copyIndex, v.BitrateKbps, v.MaxrateKbps, v.BufsizeKbps)
			}
			if v.Scale.W > profile.Width || v.Scale.H > profile.Height {
				t.Errorf("%s/%d: scale %+v exceeds %dx%d", name, copyIndex, v.Scale, profile.Width, profile.Height)
			}
			if v.Scale.W < profile.Width*98/100 || v.Scale.H < profile.Height*98/100 {
				t.Errorf("%s/%d: scale %+v jittered more than 1%%", name, copyIndex, v.Scale)
			}
			crop := v.CropSize()
			if crop.W < MinCropSide || crop.H < MinCropSide || crop.W > v.Scale.W || crop.H > v.Scale.H {
				t.Errorf("%s/%d: crop %+v outside [64, %+v]", name, copyIndex, crop, v.Scale)
			}
			if v.AudioTempo < 0.97 || v.AudioTempo > 1.03 || v.AudioPitch < 0.97 || v.AudioPitch > 1.03 {
				t.Errorf("%s/%d: audio tempo/pitch out of range: %v %v", name, copyIndex, v.AudioTempo, v.AudioPitch)
			}
			if created := v.CreationTime(now); !created.Before(now) {
				t.Errorf("%s/%d: creation time %v not in the past", name, copyIndex, created)
			}
			if fsTime := v.FilesystemTime(now); !fsTime.Before(now) {
				t.Errorf("%s/%d: filesystem time %v not in the past", name, copyIndex, fsTime)
			}
			if v.EncoderLabel == "" || v.SoftwareLabel == "" {
				t.Errorf("%s/%d: missing labels", name, copyIndex)
			}
		}
	}
}

func TestGeneratePortraitUplift(t *testing.T) {
	portrait, _ := Profile(DefaultProfile)
	landscape := portrait
	landscape.Width, landscape.Height = portrait.Height, portrait.Width

	p := Generate("clip.mp4", 1, testSalt, portrait, 0)
	l := Generate("clip.mp4", 1, testSalt, landscape, 0)
	if p.BitrateKbps <= l.BitrateKbps {
		t.Errorf("portrait bitrate %d should exceed landscape bitrate %d", p.BitrateKbps, l.BitrateKbps)
	}
}

func TestGenerateIntensity(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	for copyIndex := 1; copyIndex <= 15; copyIndex++ {
		relax := GenerateWith("clip.mp4", copyIndex, testSalt, profile, 0, GenerateOptions{Mode: IntensityRelax})
		if relax.NoiseStrength != 0 {
			t.Errorf("copy %d: relax mode kept noise %d", copyIndex, relax.NoiseStrength)
		}
		boost := GenerateWith("clip.mp4", copyIndex, testSalt, profile, 0, GenerateOptions{Mode: IntensityBoost})
		if len(boost.MicroFilters) < 2 {
			t.Errorf("copy %d: boost mode picked %d micro-filters", copyIndex, len(boost.MicroFilters))
		}
		neutral := Generate("clip.mp4", copyIndex, testSalt, profile, 0)
		if neutral.Seed != boost.Seed || neutral.FPS != boost.FPS || neutral.CropMargin != boost.CropMargin {
			t.Errorf("copy %d: intensity should not shift the draw stream", copyIndex)
		}
	}
}

func TestProfile(t *testing.T) {
	p, ok := Profile("instagram_reel")
	if !ok {
		t.Fatal("instagram_reel should be known")
	}
	if p.Width != 1080 || p.Height != 1920 {
		t.Errorf("instagram_reel should inherit frame size, got %dx%d", p.Width, p.Height)
	}
	if p.AudioSampleRate != 48000 {
		t.Errorf("AudioSampleRate = %d, want 48000", p.AudioSampleRate)
	}

	fallback, ok := Profile("no-such-profile")
	if ok {
		t.Error("unknown profile reported as found")
	}
	if fallback.Name != DefaultProfile {
		t.Errorf("fallback name = %q, want %q", fallback.Name, DefaultProfile)
	}

	fallback.FPSOptions[0] = 1
	again, _ := Profile(DefaultProfile)
	if again.FPSOptions[0] == 1 {
		t.Error("Profile returned a shared FPSOptions slice")
	}
}

func TestFilters(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	v := Generate("clip.mp4", 1, testSalt, profile, 0)
	chain := v.Filters()
	if !strings.HasPrefix(chain[0], "scale=") {
		t.Errorf("first segment = %q, want scale", chain[0])
	}
	if !strings.HasPrefix(chain[1], "crop=") {
		t.Errorf("second segment = %q, want crop", chain[1])
	}

	full := Generate("clip.mp4", 1, testSalt, profile, 8)
	for _, seg := range full.Filters() {
		if strings.HasPrefix(seg, "crop=") {
			t.Errorf("full-frame variant rendered %q", seg)
		}
	}
}

func TestEnvAndShell(t *testing.T) {
	profile, _ := Profile(DefaultProfile)
	v := Generate("clip.mp4", 1, testSalt, profile, 0)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	env := v.Env(now)
	if env["RAND_SEED"] != v.Seed {
		t.Errorf("RAND_SEED = %q, want %q", env["RAND_SEED"], v.Seed)
	}
	if _, err := time.Parse(isoLayout, env["RAND_CREATION_TIME"]); err != nil {
		t.Errorf("RAND_CREATION_TIME %q: %v", env["RAND_CREATION_TIME"], err)
	}

	shell := v.Shell(now)
	if !strings.Contains(shell, "RAND_SOFTWARE=") {
		t.Errorf("shell output missing RAND_SOFTWARE:\n%s", shell)
	}
	if shell != v.Shell(now) {
		t.Error("Shell output not stable")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"Lavf62.108.108", "Lavf62.108.108"},
		{"iMovie 10.3", "'iMovie 10.3'"},
		{"a|b", "'a|b'"},
		{"it's", `'it'"'"'s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
