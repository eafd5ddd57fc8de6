package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"uniclon/internal/database"
	"uniclon/internal/variant"
)

func runCmd(t *testing.T, tty bool, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, tty)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no args", nil, 2},
		{"help", []string{"help"}, 0},
		{"unknown", []string{"bogus;rm"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCmd(t, false, tt.args...)
			if code != tt.want {
				t.Errorf("exit = %d, want %d", code, tt.want)
			}
			if tt.name == "unknown" && !strings.Contains(stderr, "bogus_rm") {
				t.Errorf("stderr = %q, want sanitized command", stderr)
			}
		})
	}
}

func TestSanitizeCommand(t *testing.T) {
	if got := sanitizeCommand("gen\x1b[31m;ls"); got != "gen__31m_ls" {
		t.Errorf("sanitizeCommand = %q", got)
	}
}

func TestGenerateJSONIsDeterministic(t *testing.T) {
	args := []string{"generate", "--input", "/videos/clip.mp4", "--copy-index", "2", "--format", "json"}
	code, first, stderr := runCmd(t, false, args...)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	_, second, _ := runCmd(t, false, args...)
	if first != second {
		t.Error("generate output differs between runs")
	}

	var v variant.VariantConfig
	if err := json.Unmarshal([]byte(first), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := variant.Seed("clip.mp4", 2, defaultSalt); v.Seed != want {
		t.Errorf("seed = %s, want %s", v.Seed, want)
	}
	if v.Profile != variant.DefaultProfile {
		t.Errorf("profile = %s", v.Profile)
	}
}

func TestGenerateDefaultFormat(t *testing.T) {
	_, plain, _ := runCmd(t, false, "generate", "--input", "a.mp4", "--copy-index", "1")
	if !strings.HasPrefix(strings.TrimSpace(plain), "{") {
		t.Errorf("non-terminal output should be JSON, got %q", plain[:min(40, len(plain))])
	}
	_, table, _ := runCmd(t, true, "generate", "--input", "a.mp4", "--copy-index", "1")
	if !strings.Contains(table, "Variant") || !strings.Contains(table, "seed") {
		t.Errorf("terminal output should be a table, got %q", table)
	}
}

func TestGenerateShell(t *testing.T) {
	code, out, _ := runCmd(t, false, "generate", "--input", "a.mp4", "--copy-index", "1",
		"--format", "shell", "--now", "1700000000")
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	for _, key := range []string{"RAND_SEED=", "RAND_FPS=", "RAND_CREATION_TIME=", "RAND_FILESYSTEM_EPOCH="} {
		if !strings.Contains(out, key) {
			t.Errorf("shell output missing %s", key)
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing input", []string{"generate", "--copy-index", "1"}},
		{"zero index", []string{"generate", "--input", "a", "--copy-index", "0"}},
		{"bad mode", []string{"generate", "--input", "a", "--copy-index", "1", "--mode", "wild"}},
		{"bad profile", []string{"generate", "--input", "a", "--copy-index", "1", "--profile", "myspace"}},
		{"bad format", []string{"generate", "--input", "a", "--copy-index", "1", "--format", "xml"}},
		{"bad flag", []string{"generate", "--nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCmd(t, false, tt.args...); code != 1 {
				t.Errorf("exit = %d, want 1", code)
			}
		})
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"clean", []string{"--ssim", "0.95", "--phash", "12"}, "9.5"},
		{"low phash", []string{"--ssim", "0.99", "--phash", "4"}, "8.2"},
		{"identical", []string{"--ssim", "1", "--phash", "0"}, "7.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, stderr := runCmd(t, false, append([]string{"score"}, tt.args...)...)
			if code != 0 {
				t.Fatalf("exit = %d: %s", code, stderr)
			}
			if got := strings.TrimSpace(out); got != tt.want {
				t.Errorf("score = %s, want %s", got, tt.want)
			}
		})
	}

	if code, _, _ := runCmd(t, false, "score", "--ssim", "0.9"); code != 1 {
		t.Errorf("missing --phash: exit = %d, want 1", code)
	}
}

func writePNG(t *testing.T, path string, fill func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestPHash(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	gradient := func(x, y int) uint8 { return uint8(x*3 + y) }
	writePNG(t, a, gradient)
	writePNG(t, b, gradient)

	code, out, stderr := runCmd(t, false, "phash", a, b)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	fields := strings.Fields(out)
	if len(fields) != 3 || fields[2] != "0" || fields[0] != fields[1] {
		t.Errorf("output = %q, want equal hashes at distance 0", out)
	}

	if code, _, _ := runCmd(t, false, "phash", a); code != 1 {
		t.Errorf("one argument: exit = %d, want 1", code)
	}
	if code, _, _ := runCmd(t, false, "phash", a, filepath.Join(dir, "missing.png")); code != 1 {
		t.Errorf("missing file: exit = %d, want 1", code)
	}
}

func TestTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCmd(t, false, "touch", "--file", path, "--epoch", "1700000000.250")
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	want := time.UnixMilli(1700000000250)
	if !info.ModTime().Equal(want) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), want)
	}

	if code, _, _ := runCmd(t, false, "touch", "--file", path, "--epoch", "soon"); code != 1 {
		t.Errorf("bad epoch: exit = %d, want 1", code)
	}
}

func TestReports(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DIR", dir)

	if code, _, _ := runCmd(t, false, "reports"); code != 1 {
		t.Errorf("missing ledger: exit = %d, want 1", code)
	}

	db, err := database.New(context.Background(), filepath.Join(dir, "uniclon.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.RecordReport(context.Background(), database.Report{
		Source: "clip.mp4", CopiesTotal: 3, CopiesSuccess: 3, UniqScore: 72, Diversified: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	code, out, stderr := runCmd(t, false, "reports", "--limit", "5")
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	var reports []database.Report
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(reports) != 1 || reports[0].Source != "clip.mp4" || reports[0].UniqScore != 72 {
		t.Errorf("reports = %+v", reports)
	}

	_, table, _ := runCmd(t, true, "reports")
	if !strings.Contains(table, "clip.mp4") || !strings.Contains(table, "3/3 copies") {
		t.Errorf("table = %q", table)
	}
}
