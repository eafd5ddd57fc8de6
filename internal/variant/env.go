package variant

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	isoLayout  = "2006-01-02T15:04:05.000Z"
	exifLayout = "2006:01:02 15:04:05"
)

// Filters renders the video filter chain for this variant, one segment per
// filter.
func (v VariantConfig) Filters() []string {
	chain := []string{fmt.Sprintf("scale=%d:%d", v.Scale.W, v.Scale.H)}
	if v.Cropped() {
		crop := v.CropSize()
		chain = append(chain, fmt.Sprintf("crop=%d:%d:%d:%d", crop.W, crop.H, v.CropOffset.X, v.CropOffset.Y))
	}
	chain = append(chain, fmt.Sprintf("eq=brightness=%.4f:contrast=%.4f:saturation=%.4f", v.Brightness, v.Contrast, v.Saturation))
	if v.NoiseStrength > 0 {
		chain = append(chain, fmt.Sprintf("noise=alls=%d:allf=t", v.NoiseStrength))
	}
	chain = append(chain, v.MicroFilters...)
	return chain
}

// Env renders the variant as RAND_* variables for the transcode script.
func (v VariantConfig) Env(now time.Time) map[string]string {
	created := v.CreationTime(now)
	fsTime := v.FilesystemTime(now)
	env := map[string]string{
		"RAND_SEED":               v.Seed,
		"RAND_FPS":                strconv.Itoa(v.FPS),
		"RAND_BITRATE_KBPS":       strconv.Itoa(v.BitrateKbps),
		"RAND_MAXRATE_KBPS":       strconv.Itoa(v.MaxrateKbps),
		"RAND_BUFSIZE_KBPS":       strconv.Itoa(v.BufsizeKbps),
		"RAND_SCALE_WIDTH":        strconv.Itoa(v.Scale.W),
		"RAND_SCALE_HEIGHT":       strconv.Itoa(v.Scale.H),
		"RAND_PAD_OFFSET_X":       strconv.Itoa(v.PadOffset.X),
		"RAND_PAD_OFFSET_Y":       strconv.Itoa(v.PadOffset.Y),
		"RAND_CROP_MARGIN_W":      strconv.Itoa(v.CropMargin.W),
		"RAND_CROP_MARGIN_H":      strconv.Itoa(v.CropMargin.H),
		"RAND_CROP_OFFSET_X":      strconv.Itoa(v.CropOffset.X),
		"RAND_CROP_OFFSET_Y":      strconv.Itoa(v.CropOffset.Y),
		"RAND_BRIGHTNESS":         fmt.Sprintf("%.6f", v.Brightness),
		"RAND_CONTRAST":           fmt.Sprintf("%.6f", v.Contrast),
		"RAND_SATURATION":         fmt.Sprintf("%.6f", v.Saturation),
		"RAND_NOISE_STRENGTH":     strconv.Itoa(v.NoiseStrength),
		"RAND_MICRO_FILTERS":      strings.Join(v.MicroFilters, "|"),
		"RAND_LUT_DESCRIPTOR":     v.LUTDescriptor,
		"RAND_SOFTWARE":           v.SoftwareLabel,
		"RAND_ENCODER":            v.EncoderLabel,
		"RAND_CREATION_TIME":      created.Format(isoLayout),
		"RAND_CREATION_TIME_EXIF": created.Format(exifLayout),
		"RAND_FILESYSTEM_EPOCH":   fmt.Sprintf("%.3f", float64(fsTime.UnixMilli())/1000),
		"RAND_AUDIO_TEMPO":        fmt.Sprintf("%.6f", v.AudioTempo),
		"RAND_AUDIO_PITCH":        fmt.Sprintf("%.6f", v.AudioPitch),
		"RAND_AUDIO_MICRO_FILTER": v.AudioFilterChain,
		"RAND_CODEC_PROFILE":      v.CodecProfile,
	}
	return env
}

// Shell renders Env as sorted KEY=value lines safe to eval in sh.
func (v VariantConfig) Shell(now time.Time) string {
	env := v.Env(now)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(shellQuote(env[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// filterName returns the primitive name of a filter segment, e.g. "crop" for
// "crop=100:100".
func filterName(segment string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(segment), "=")
	return name
}
