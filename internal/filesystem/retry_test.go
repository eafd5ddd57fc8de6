package filesystem

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"
)

type recordingObserver struct {
	mu       sync.Mutex
	ops      []string
	retries  int
	failures int
}

func (r *recordingObserver) ObserveOperation(volume, operation string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, volume+":"+operation)
}

func (r *recordingObserver) ObserveRetry(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recordingObserver) ObserveRetryFailure(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func withObserver(t *testing.T) *recordingObserver {
	t.Helper()
	rec := &recordingObserver{}
	SetObserver(rec)
	t.Cleanup(func() { SetObserver(nil) })
	return rec
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 50*time.Millisecond || cfg.MaxBackoff != 500*time.Millisecond {
		t.Errorf("backoff = %v..%v", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if cfg.Volumes != nil {
		t.Error("Volumes should be nil by default")
	}
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"ESTALE", syscall.ESTALE, true},
		{"wrapped ESTALE", &os.PathError{Op: "open", Path: "/x", Err: syscall.ESTALE}, true},
		{"ENOENT", syscall.ENOENT, false},
		{"not exist", os.ErrNotExist, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStale(tt.err); got != tt.want {
				t.Errorf("isStale(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestVolumesLabel(t *testing.T) {
	v := NewVolumes(map[string]string{
		"output":   "/srv/uniclon/output",
		"previews": "/srv/uniclon/output/previews",
		"checks":   "/srv/uniclon/checks",
	})
	tests := []struct {
		path string
		want string
	}{
		{"/srv/uniclon/output/a.mp4", "output"},
		{"/srv/uniclon/output", "output"},
		{"/srv/uniclon/output/previews/a.jpg", "previews"},
		{"/srv/uniclon/checks/report.csv", "checks"},
		{"/srv/uniclon/outputs/a.mp4", "unknown"},
		{"/tmp/a.mp4", "unknown"},
	}
	for _, tt := range tests {
		if got := v.Label(tt.path); got != tt.want {
			t.Errorf("Label(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	var nilVolumes *Volumes
	if got := nilVolumes.Label("/srv"); got != "unknown" {
		t.Errorf("nil Volumes Label = %q", got)
	}
}

func TestRetryConfigVolume(t *testing.T) {
	dir := t.TempDir()
	SetDefaultVolumes(NewVolumes(map[string]string{"output": dir}))
	t.Cleanup(func() { SetDefaultVolumes(nil) })

	cfg := DefaultRetryConfig()
	if got := cfg.volume(filepath.Join(dir, "a.mp4")); got != "output" {
		t.Errorf("default volume = %q, want output", got)
	}
	cfg.Volumes = NewVolumes(map[string]string{"checks": dir})
	if got := cfg.volume(filepath.Join(dir, "a.mp4")); got != "checks" {
		t.Errorf("override volume = %q, want checks", got)
	}
}

func TestWithRetryStale(t *testing.T) {
	rec := withObserver(t)
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	calls := 0
	got, err := withRetry("readdir", "/x", cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ESTALE
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("withRetry = %d, %v", got, err)
	}
	if calls != 3 || rec.retries != 2 || rec.failures != 0 {
		t.Errorf("calls=%d retries=%d failures=%d", calls, rec.retries, rec.failures)
	}

	calls = 0
	_, err = withRetry("stat", "/x", cfg, func() (int, error) {
		calls++
		return 0, syscall.ESTALE
	})
	if err == nil || calls != 4 || rec.failures != 1 {
		t.Errorf("exhausted: err=%v calls=%d failures=%d", err, calls, rec.failures)
	}
}

func TestWithRetryNonStaleFailsFast(t *testing.T) {
	calls := 0
	_, err := withRetry("stat", "/x", DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, os.ErrPermission
	})
	if err != os.ErrPermission || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestStatWithRetry(t *testing.T) {
	rec := withObserver(t)
	path := filepath.Join(t.TempDir(), "a.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := StatWithRetry(path, DefaultRetryConfig())
	if err != nil || info.Size() != 1 {
		t.Fatalf("StatWithRetry = %v, %v", info, err)
	}
	if _, err := StatWithRetry(path+".missing", DefaultRetryConfig()); !os.IsNotExist(err) {
		t.Errorf("missing file err = %v", err)
	}
	if len(rec.ops) != 2 {
		t.Errorf("observed ops = %v", rec.ops)
	}
}

func TestListOutputsAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mp4", "b.MP4", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.mp4"), 0o755); err != nil {
		t.Fatal(err)
	}

	before, err := ListOutputs(dir, ".mp4", DefaultRetryConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 2 {
		t.Errorf("before = %v, want a.mp4 and b.MP4", before)
	}

	if err := os.WriteFile(filepath.Join(dir, "e.mp4"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	after, _ := ListOutputs(dir, ".mp4", DefaultRetryConfig())
	want := []string{filepath.Join(dir, "e.mp4")}
	if got := NewFiles(before, after); !reflect.DeepEqual(got, want) {
		t.Errorf("NewFiles = %v, want %v", got, want)
	}

	missing, err := ListOutputs(filepath.Join(dir, "none"), ".mp4", DefaultRetryConfig())
	if err != nil || len(missing) != 0 {
		t.Errorf("missing dir = %v, %v", missing, err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "report.json")

	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":2}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != `{"a":2}` {
		t.Errorf("content = %s, want {\"a\":2}", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the target file", len(entries))
	}
}
