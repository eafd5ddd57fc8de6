package adaptive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"uniclon/internal/filesystem"
	"uniclon/internal/logging"
	"uniclon/internal/metrics"
)

// DefaultCapacity is the number of entries the history keeps.
const DefaultCapacity = 20

// Entry is one completed batch.
type Entry struct {
	Timestamp      string  `json:"timestamp"`
	UniqScore      float64 `json:"uniq_score"`
	AvgSSIM        float64 `json:"avg_ssim"`
	AvgPHash       float64 `json:"avg_phash"`
	AvgBitrateDiff float64 `json:"avg_bitrate_diff"`
}

type historyFile struct {
	History []Entry `json:"history"`
}

// Store is the bounded score history, persisted after every append.
type Store struct {
	mu       sync.Mutex
	path     string
	capacity int
	entries  []Entry
}

// OpenStore loads the history at path. A missing or corrupt file starts an
// empty history.
func OpenStore(path string) *Store {
	s := &Store{path: path, capacity: DefaultCapacity}
	s.entries = load(path, s.capacity)
	metrics.AdaptiveHistorySize.Set(float64(len(s.entries)))
	logging.Debug("Adaptive history loaded: %d entries from %s", len(s.entries), path)
	return s
}

func load(path string, capacity int) []Entry {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		logging.Warn("Adaptive history %s unreadable, starting empty: %v", path, err)
		return nil
	}
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		logging.Warn("Adaptive history %s is corrupt, starting empty: %v", path, err)
		return nil
	}
	if len(f.History) > capacity {
		f.History = f.History[len(f.History)-capacity:]
	}
	return f.History
}

// Append adds e, evicting the oldest entries beyond capacity, and rewrites
// the file. The in-memory history is updated even if the write fails.
func (s *Store) Append(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	if len(s.entries) > s.capacity {
		s.entries = slices.Clone(s.entries[len(s.entries)-s.capacity:])
	}
	metrics.AdaptiveHistorySize.Set(float64(len(s.entries)))

	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(historyFile{History: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode adaptive history: %w", err)
	}
	if err := filesystem.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("save adaptive history: %w", err)
	}
	return nil
}

// Entries returns a copy of the history, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Recent returns up to n of the newest scores, oldest first.
func (s *Store) Recent(n int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := max(0, len(s.entries)-n)
	out := make([]float64, 0, len(s.entries)-start)
	for _, e := range s.entries[start:] {
		out = append(out, e.UniqScore)
	}
	return out
}
