package batch

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"uniclon/internal/logging"
)

// Cleaner tracks the files delivered to each user and removes stale ones.
type Cleaner interface {
	Track(userID string, files []string)
	Cleanup(userID string, maxMtime time.Time) (removed, skipped int)
}

// OutputTracker is the in-memory Cleaner. Files that cannot be removed stay
// tracked so a later cleanup retries them.
type OutputTracker struct {
	mu     sync.Mutex
	byUser map[string]map[string]struct{}
}

// NewOutputTracker returns an empty tracker.
func NewOutputTracker() *OutputTracker {
	return &OutputTracker{byUser: make(map[string]map[string]struct{})}
}

// Track records files as belonging to userID.
func (o *OutputTracker) Track(userID string, files []string) {
	if len(files) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	set, ok := o.byUser[userID]
	if !ok {
		set = make(map[string]struct{}, len(files))
		o.byUser[userID] = set
	}
	for _, f := range files {
		set[f] = struct{}{}
	}
}

// Files lists the tracked files of userID.
func (o *OutputTracker) Files(userID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, 0, len(o.byUser[userID]))
	for f := range o.byUser[userID] {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Cleanup removes userID's files modified at or before maxMtime. A zero
// maxMtime removes everything. Files already gone count as removed.
func (o *OutputTracker) Cleanup(userID string, maxMtime time.Time) (removed, skipped int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	set := o.byUser[userID]
	for path := range set {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			delete(set, path)
			continue
		}
		if err != nil {
			logging.Warn("Failed to stat %s during cleanup: %v", path, err)
			continue
		}
		if !maxMtime.IsZero() && info.ModTime().After(maxMtime) {
			skipped++
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("Failed to remove %s during cleanup: %v", path, err)
			continue
		}
		delete(set, path)
		removed++
	}
	if len(set) == 0 {
		delete(o.byUser, userID)
	}
	return removed, skipped
}
