package hostload

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"uniclon/internal/logging"

	"github.com/prometheus/procfs"
)

// DefaultMinInterval is the shortest window a /proc/stat delta is taken over.
const DefaultMinInterval = 500 * time.Millisecond

// Sampler computes CPU utilization from successive /proc/stat readings.
// Readings closer together than MinInterval, or with no jiffies elapsed,
// repeat the previous value and keep the old baseline.
type Sampler struct {
	MinInterval time.Duration

	fs     procfs.FS
	numCPU int
	now    func() time.Time

	mu       sync.Mutex
	prev     procfs.CPUStat
	prevAt   time.Time
	havePrev bool
	last     float64
}

// NewSampler reads the default /proc mount.
func NewSampler() (*Sampler, error) {
	return NewSamplerAt(procfs.DefaultMountPoint)
}

// NewSamplerAt reads a proc filesystem mounted at mountPoint.
func NewSamplerAt(mountPoint string) (*Sampler, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	return &Sampler{
		MinInterval: DefaultMinInterval,
		fs:          fs,
		numCPU:      runtime.NumCPU(),
		now:         time.Now,
	}, nil
}

// Percent returns CPU utilization in [0, 100].
func (s *Sampler) Percent() (float64, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return s.loadAverage()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := stat.CPUTotal
	now := s.now()
	if !s.havePrev {
		s.prev, s.prevAt, s.havePrev = cur, now, true
		pct, err := s.loadAverage()
		if err == nil {
			s.last = pct
		}
		return pct, err
	}
	if now.Sub(s.prevAt) < s.MinInterval {
		return s.last, nil
	}

	busy := busyTime(cur) - busyTime(s.prev)
	total := busy + (idleTime(cur) - idleTime(s.prev))
	if total <= 0 {
		return s.last, nil
	}
	s.prev, s.prevAt = cur, now
	s.last = clampPercent(busy / total * 100)
	return s.last, nil
}

func (s *Sampler) loadAverage() (float64, error) {
	load, err := s.fs.LoadAvg()
	if err != nil {
		return 0, fmt.Errorf("read load average: %w", err)
	}
	cpus := max(s.numCPU, 1)
	pct := clampPercent(load.Load1 / float64(cpus) * 100)
	logging.Debug("CPU sample from loadavg: load1=%.2f cpus=%d -> %.1f%%", load.Load1, cpus, pct)
	return pct, nil
}

func busyTime(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
}

func idleTime(c procfs.CPUStat) float64 {
	return c.Idle + c.Iowait
}

func clampPercent(v float64) float64 {
	return min(max(v, 0), 100)
}

// Static always reports the same utilization.
type Static float64

// Percent returns the fixed value.
func (s Static) Percent() (float64, error) {
	return float64(s), nil
}
