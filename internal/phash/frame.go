package phash

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strings"

	// Decoders for preview stills.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"uniclon/internal/logging"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// FrameFromImage reduces an image to the grayscale block Fingerprint expects.
func FrameFromImage(img image.Image) []byte {
	small := imaging.Resize(img, FrameSize, FrameSize, imaging.Box)
	gray := imaging.Grayscale(small)

	out := make([]byte, 0, FrameSize*FrameSize)
	for y := range FrameSize {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+FrameSize*4]
		for x := range FrameSize {
			out = append(out, row[x*4])
		}
	}
	return out
}

// LoadFrame opens an image file and reduces it to a grayscale block.
func LoadFrame(path string) ([]byte, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open frame %s: %w", path, err)
	}
	return FrameFromImage(img), nil
}

// HashImage fingerprints an image file.
func HashImage(path string) (uint64, error) {
	frame, err := LoadFrame(path)
	if err != nil {
		return 0, err
	}
	return Fingerprint(frame)
}

// ExtractFrame asks ffmpeg for the first frame of a video as a raw grayscale
// FrameSize x FrameSize block.
func ExtractFrame(ctx context.Context, ffmpegPath, video string) ([]byte, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", video,
		"-vf", fmt.Sprintf("scale=%d:%d", FrameSize, FrameSize),
		"-vframes", "1",
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"-",
	}
	logging.Debug("Extracting pHash frame: %s %s", ffmpegPath, strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("extract frame from %s: %w (%s)", video, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() < FrameSize*FrameSize {
		return nil, fmt.Errorf("extract frame from %s: got %d bytes, want %d", video, stdout.Len(), FrameSize*FrameSize)
	}
	return stdout.Bytes()[:FrameSize*FrameSize], nil
}

// CompareVideos returns the pHash distance between the first frames of two
// videos.
func CompareVideos(ctx context.Context, ffmpegPath, source, target string) (int, error) {
	srcFrame, err := ExtractFrame(ctx, ffmpegPath, source)
	if err != nil {
		return 0, err
	}
	dstFrame, err := ExtractFrame(ctx, ffmpegPath, target)
	if err != nil {
		return 0, err
	}
	a, err := Fingerprint(srcFrame)
	if err != nil {
		return 0, err
	}
	b, err := Fingerprint(dstFrame)
	if err != nil {
		return 0, err
	}
	return Distance(a, b), nil
}
