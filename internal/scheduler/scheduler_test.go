package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const grantTimeout = 2 * time.Second

func waitGrant(t *testing.T, s *Scheduler, tk *Ticket) *Grant {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), grantTimeout)
	defer cancel()
	g, err := s.Wait(ctx, tk)
	if err != nil {
		t.Fatalf("Wait(ticket %d) error = %v", tk.ID, err)
	}
	return g
}

func mustEnqueue(t *testing.T, s *Scheduler, req RenderRequest) *Ticket {
	t.Helper()
	tk, err := s.Enqueue(req)
	if err != nil {
		t.Fatalf("Enqueue(%+v) error = %v", req, err)
	}
	return tk
}

// notGranted asserts that tk stays queued for d.
func notGranted(t *testing.T, tk *Ticket, d time.Duration) {
	t.Helper()
	select {
	case <-tk.ready:
		t.Fatalf("ticket %d was granted while it should be held", tk.ID)
	case <-time.After(d):
	}
}

func TestPriorityOrder(t *testing.T) {
	tests := []struct {
		name       string
		priorities []int
		want       []int
	}{
		{name: "lower priority first", priorities: []int{3, 1, 2}, want: []int{1, 2, 3}},
		{name: "equal priority is FIFO", priorities: []int{2, 2, 2}, want: []int{2, 2, 2}},
		{name: "mixed", priorities: []int{5, 0, 5, -1}, want: []int{-1, 0, 5, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Slots: 1})
			defer s.Close()

			blocker := mustEnqueue(t, s, RenderRequest{SourceID: "blocker", Copies: 1, Priority: -100})
			held := waitGrant(t, s, blocker)

			tickets := make([]*Ticket, len(tt.priorities))
			for i, p := range tt.priorities {
				tickets[i] = mustEnqueue(t, s, RenderRequest{SourceID: "clip", Copies: 1, Priority: p})
			}

			var mu sync.Mutex
			var order []int64
			var wg sync.WaitGroup
			for _, tk := range tickets {
				wg.Add(1)
				go func(tk *Ticket) {
					defer wg.Done()
					g, err := s.Wait(context.Background(), tk)
					if err != nil {
						t.Errorf("Wait error = %v", err)
						return
					}
					mu.Lock()
					order = append(order, tk.ID)
					mu.Unlock()
					g.Release()
				}(tk)
			}

			held.Release()
			wg.Wait()

			byID := make(map[int64]int, len(tickets))
			for _, tk := range tickets {
				byID[tk.ID] = tk.Request.Priority
			}
			if len(order) != len(tt.want) {
				t.Fatalf("granted %d tickets, want %d", len(order), len(tt.want))
			}
			for i, id := range order {
				if byID[id] != tt.want[i] {
					t.Errorf("grant %d had priority %d, want %d", i, byID[id], tt.want[i])
				}
			}
			if tt.priorities[0] == tt.priorities[1] {
				for i := 1; i < len(order); i++ {
					if order[i] < order[i-1] {
						t.Errorf("equal priorities granted out of enqueue order: %v", order)
					}
				}
			}
		})
	}
}

func TestSingleSlotNeverOverlaps(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	rng := rand.New(rand.NewPCG(7, 11))
	holds := make([]time.Duration, 40)
	for i := range holds {
		holds[i] = time.Duration(rng.IntN(5001)) * time.Microsecond
	}

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := range holds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g, err := s.Acquire(ctx, "stress", 1, i%3)
			if err != nil {
				t.Errorf("Acquire error = %v", err)
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(holds[i])
			current.Add(-1)
			g.Release()
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent renders = %d, want 1", got)
	}
}

func TestMultipleSlots(t *testing.T) {
	s := New(Config{Slots: 2})
	defer s.Close()

	a := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{UserID: "u1", SourceID: "a", Copies: 1}))
	b := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{UserID: "u2", SourceID: "b", Copies: 1}))

	third := mustEnqueue(t, s, RenderRequest{UserID: "u3", SourceID: "c", Copies: 1})
	notGranted(t, third, 50*time.Millisecond)

	a.Release()
	waitGrant(t, s, third).Release()
	b.Release()
}

func TestSameUserIsSerialized(t *testing.T) {
	s := New(Config{Slots: 2})
	defer s.Close()

	first := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{UserID: "u1", SourceID: "a", Copies: 1}))
	second := mustEnqueue(t, s, RenderRequest{UserID: "u1", SourceID: "b", Copies: 1})
	notGranted(t, second, 50*time.Millisecond)

	first.Release()
	waitGrant(t, s, second).Release()
}

func TestEcoTicketsRunAlone(t *testing.T) {
	s := New(Config{Slots: 2, EcoCopyThreshold: 4})
	defer s.Close()

	small := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{UserID: "u1", SourceID: "small", Copies: 2}))

	eco := mustEnqueue(t, s, RenderRequest{UserID: "u2", SourceID: "big", Copies: 5})
	if !eco.Eco {
		t.Fatal("ticket with 5 copies should be eco above threshold 4")
	}
	notGranted(t, eco, 50*time.Millisecond)

	small.Release()
	ecoGrant := waitGrant(t, s, eco)
	if !ecoGrant.Eco {
		t.Error("grant should carry the eco flag")
	}

	after := mustEnqueue(t, s, RenderRequest{UserID: "u3", SourceID: "after", Copies: 1})
	notGranted(t, after, 50*time.Millisecond)

	ecoGrant.Release()
	waitGrant(t, s, after).Release()
}

func TestCancelQueuedTicket(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	held := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{SourceID: "held", Copies: 1}))
	victim := mustEnqueue(t, s, RenderRequest{SourceID: "victim", Copies: 1})
	next := mustEnqueue(t, s, RenderRequest{SourceID: "next", Copies: 1})

	if !s.Cancel(victim.ID) {
		t.Fatal("Cancel(victim) = false, want true")
	}
	if s.Cancel(9999) {
		t.Error("Cancel(unknown) = true, want false")
	}

	_, err := s.Wait(context.Background(), victim)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait(victim) error = %v, want ErrCancelled", err)
	}

	held.Release()
	waitGrant(t, s, next).Release()
}

func TestWaitContextCancelledWhileQueued(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	held := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{SourceID: "held", Copies: 1}))
	victim := mustEnqueue(t, s, RenderRequest{SourceID: "victim", Copies: 1})
	next := mustEnqueue(t, s, RenderRequest{SourceID: "next", Copies: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx, victim); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}

	for _, sum := range s.Status("") {
		if sum.ID == victim.ID {
			t.Errorf("withdrawn ticket %d still listed in status", victim.ID)
		}
	}

	held.Release()
	waitGrant(t, s, next).Release()
}

func TestCancelActiveTicket(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	active := mustEnqueue(t, s, RenderRequest{SourceID: "active", Copies: 1})
	g := waitGrant(t, s, active)
	next := mustEnqueue(t, s, RenderRequest{SourceID: "next", Copies: 1})

	if !s.Cancel(active.ID) {
		t.Fatal("Cancel(active) = false, want true")
	}
	select {
	case <-g.Context().Done():
	case <-time.After(grantTimeout):
		t.Fatal("grant context was not cancelled")
	}

	// The slot stays held until the render releases it.
	notGranted(t, next, 30*time.Millisecond)
	g.Release()
	g.Release()
	waitGrant(t, s, next).Release()
}

func TestCallerContextReleasesGrant(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g, err := s.Wait(ctx, mustEnqueue(t, s, RenderRequest{SourceID: "abandoned", Copies: 1}))
	if err != nil {
		t.Fatalf("Wait error = %v", err)
	}
	next := mustEnqueue(t, s, RenderRequest{SourceID: "next", Copies: 1})

	cancel()
	select {
	case <-g.Released():
	case <-time.After(grantTimeout):
		t.Fatal("grant was not released after caller context ended")
	}
	waitGrant(t, s, next).Release()
}

func TestRunReleasesOnPanic(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		tk := mustEnqueue(t, s, RenderRequest{SourceID: "boom", Copies: 1})
		_ = s.Run(context.Background(), tk, func(context.Context, *Grant) error {
			panic("render exploded")
		})
	}()

	waitGrant(t, s, mustEnqueue(t, s, RenderRequest{SourceID: "next", Copies: 1})).Release()
}

func TestRunPassesError(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	want := errors.New("render failed")
	tk := mustEnqueue(t, s, RenderRequest{SourceID: "fail", Copies: 1})
	err := s.Run(context.Background(), tk, func(ctx context.Context, g *Grant) error {
		if ctx.Err() != nil {
			t.Error("run context should be live")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Run error = %v, want %v", err, want)
	}
}

type fakeSampler struct {
	load atomic.Int64
}

func (f *fakeSampler) Percent() (float64, error) {
	return float64(f.load.Load()), nil
}

func TestCPUGateHoldsQueue(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.load.Store(97)

	s := New(Config{Slots: 1, CPUThreshold: 85, PollInterval: 10 * time.Millisecond, Sampler: sampler})
	defer s.Close()

	tk := mustEnqueue(t, s, RenderRequest{SourceID: "hot", Copies: 1})
	notGranted(t, tk, 60*time.Millisecond)

	sampler.load.Store(20)
	waitGrant(t, s, tk).Release()
}

// scriptedSampler returns loads in order and repeats the last one.
type scriptedSampler struct {
	mu    sync.Mutex
	loads []float64
	calls int
}

func (f *scriptedSampler) Percent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.loads)-1)
	f.calls++
	return f.loads[i], nil
}

func (f *scriptedSampler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCPUGateSamplesOnlyOnTicks(t *testing.T) {
	// The second reading would admit the ticket if control-loop ops sampled.
	sampler := &scriptedSampler{loads: []float64{100, 0}}
	s := New(Config{Slots: 1, CPUThreshold: 85, PollInterval: time.Hour, Sampler: sampler})
	defer s.Close()

	tk := mustEnqueue(t, s, RenderRequest{SourceID: "busy", UserID: "u1", Copies: 1})
	for i := 0; i < 5; i++ {
		s.Status("u1")
		mustEnqueue(t, s, RenderRequest{SourceID: "later", Copies: 1, Priority: 9})
	}
	notGranted(t, tk, 30*time.Millisecond)

	if got := sampler.count(); got != 1 {
		t.Errorf("CPU sampled %d times while waiting for a tick, want 1", got)
	}
}

type fakeModes struct{}

func (fakeModes) CurrentMode() (string, map[string]string) {
	return "boost", map[string]string{"ADAPTIVE_MODE": "boost"}
}

func TestGrantCarriesMode(t *testing.T) {
	s := New(Config{Slots: 1, Modes: fakeModes{}})
	defer s.Close()

	g := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{SourceID: "clip", Copies: 1}))
	defer g.Release()

	if g.Mode != "boost" {
		t.Errorf("Mode = %q, want boost", g.Mode)
	}
	if g.ModeEnv["ADAPTIVE_MODE"] != "boost" {
		t.Errorf("ModeEnv = %v, want ADAPTIVE_MODE=boost", g.ModeEnv)
	}
}

func TestStatus(t *testing.T) {
	s := New(Config{Slots: 1})
	defer s.Close()

	held := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{UserID: "u1", SourceID: "a", Copies: 1}))
	defer held.Release()
	mustEnqueue(t, s, RenderRequest{UserID: "u2", SourceID: "b", Copies: 1, Priority: 5})
	mustEnqueue(t, s, RenderRequest{UserID: "u1", SourceID: "c", Copies: 1, Priority: 1})

	all := s.Status("")
	if len(all) != 3 {
		t.Fatalf("Status(\"\") returned %d tickets, want 3", len(all))
	}
	if all[0].State != StateActive || all[0].StartedAt == nil {
		t.Errorf("first ticket = %+v, want active with start time", all[0])
	}
	if all[1].Position != 2 || all[2].Position != 1 {
		t.Errorf("positions = %d,%d, want 2,1", all[1].Position, all[2].Position)
	}

	mine := s.Status("u1")
	if len(mine) != 2 {
		t.Errorf("Status(u1) returned %d tickets, want 2", len(mine))
	}
}

func TestEnqueueRejectsEmptyRequest(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	if _, err := s.Enqueue(RenderRequest{SourceID: "none"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Enqueue error = %v, want ErrInvalidRequest", err)
	}
}

func TestClose(t *testing.T) {
	s := New(Config{Slots: 1})

	held := waitGrant(t, s, mustEnqueue(t, s, RenderRequest{SourceID: "held", Copies: 1}))
	queued := mustEnqueue(t, s, RenderRequest{SourceID: "queued", Copies: 1})

	s.Close()
	s.Close()

	if _, err := s.Wait(context.Background(), queued); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait after Close error = %v, want ErrClosed", err)
	}
	select {
	case <-held.Context().Done():
	default:
		t.Error("active grant context should be cancelled on Close")
	}
	held.Release()

	if _, err := s.Enqueue(RenderRequest{SourceID: "late", Copies: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close error = %v, want ErrClosed", err)
	}
}
