package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"uniclon/internal/logging"
)

// Volumes maps paths to volume labels by longest matching prefix.
type Volumes struct {
	mounts []mount
}

type mount struct {
	prefix string // absolute, with trailing slash
	label  string
}

// NewVolumes builds a resolver from label -> directory.
func NewVolumes(dirs map[string]string) *Volumes {
	mounts := make([]mount, 0, len(dirs))
	for label, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			abs = dir
		}
		mounts = append(mounts, mount{prefix: strings.TrimSuffix(abs, "/") + "/", label: label})
	}
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].prefix) > len(mounts[j].prefix)
	})
	return &Volumes{mounts: mounts}
}

// Label returns the volume holding path, or "unknown".
func (v *Volumes) Label(path string) string {
	if v == nil {
		return "unknown"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "unknown"
	}
	for _, m := range v.mounts {
		if strings.HasPrefix(abs+"/", m.prefix) {
			return m.label
		}
	}
	return "unknown"
}

var defaultVolumes *Volumes

// SetDefaultVolumes installs the package-level resolver.
func SetDefaultVolumes(v *Volumes) {
	defaultVolumes = v
}

// RetryConfig configures stale-handle retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Volumes overrides the package-level resolver when set.
	Volumes *Volumes
}

// DefaultRetryConfig returns the retry policy used for render directories.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func (c RetryConfig) volume(path string) string {
	if c.Volumes != nil {
		return c.Volumes.Label(path)
	}
	return defaultVolumes.Label(path)
}

func isStale(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ESTALE
}

// withRetry runs fn until it succeeds, fails with a non-stale error, or the
// retry budget runs out.
func withRetry[T any](op, path string, cfg RetryConfig, fn func() (T, error)) (T, error) {
	start := time.Now()
	volume := cfg.volume(path)
	backoff := cfg.InitialBackoff

	defer func() {
		if observer != nil {
			observer.ObserveOperation(volume, op, time.Since(start).Seconds())
		}
	}()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		out, err := fn()
		if err == nil {
			if attempt > 0 {
				logging.Info("%s succeeded on retry %d for %s", op, attempt, path)
			}
			return out, nil
		}
		if !isStale(err) {
			return zero, err
		}
		lastErr = err
		if attempt < cfg.MaxRetries {
			if observer != nil {
				observer.ObserveRetry(op, volume)
			}
			logging.Debug("%s hit a stale handle on %s, retrying in %v (attempt %d/%d)",
				op, path, backoff, attempt+1, cfg.MaxRetries)
			time.Sleep(backoff)
			backoff = min(backoff*2, cfg.MaxBackoff)
		}
	}

	logging.Warn("%s failed after %d retries for %s: %v", op, cfg.MaxRetries, path, lastErr)
	if observer != nil {
		observer.ObserveRetryFailure(op, volume)
	}
	return zero, lastErr
}

// StatWithRetry is os.Stat with stale-handle retries.
func StatWithRetry(path string, cfg RetryConfig) (os.FileInfo, error) {
	return withRetry("stat", path, cfg, func() (os.FileInfo, error) {
		return os.Stat(path)
	})
}

// ReadDirWithRetry is os.ReadDir with stale-handle retries.
func ReadDirWithRetry(dir string, cfg RetryConfig) ([]os.DirEntry, error) {
	return withRetry("readdir", dir, cfg, func() ([]os.DirEntry, error) {
		return os.ReadDir(dir)
	})
}

// ListOutputs returns the absolute paths of regular files in dir with the
// given extension (case-insensitive). A missing directory is empty.
func ListOutputs(dir, ext string, cfg RetryConfig) (map[string]struct{}, error) {
	entries, err := ReadDirWithRetry(dir, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out[abs] = struct{}{}
	}
	return out, nil
}

// NewFiles returns the paths present in after but not in before, sorted.
func NewFiles(before, after map[string]struct{}) []string {
	var added []string
	for p := range after {
		if _, ok := before[p]; !ok {
			added = append(added, p)
		}
	}
	sort.Strings(added)
	return added
}
