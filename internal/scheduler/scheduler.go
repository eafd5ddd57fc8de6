package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"uniclon/internal/logging"
	"uniclon/internal/metrics"
)

var (
	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler: closed")
	// ErrUnknownTicket is returned for ticket IDs the scheduler does not hold.
	ErrUnknownTicket = errors.New("scheduler: unknown ticket")
	// ErrCancelled is returned to a waiter whose ticket was cancelled.
	ErrCancelled = errors.New("scheduler: ticket cancelled")
	// ErrInvalidRequest is returned for requests with no copies.
	ErrInvalidRequest = errors.New("scheduler: request needs at least one copy")
)

// CPUSampler reports host CPU utilization in percent.
type CPUSampler interface {
	Percent() (float64, error)
}

// ModeSource supplies the generation mode handed to a ticket when its slot is
// granted.
type ModeSource interface {
	CurrentMode() (mode string, env map[string]string)
}

// Config controls slot count and admission gating.
type Config struct {
	Slots            int
	EcoMode          bool
	EcoCopyThreshold int
	CPUThreshold     float64
	PollInterval     time.Duration
	Sampler          CPUSampler
	Modes            ModeSource
}

// DefaultConfig returns one slot, an 85% CPU gate polled every 5s, and eco
// serialization above 4 copies.
func DefaultConfig() Config {
	return Config{
		Slots:            1,
		EcoCopyThreshold: 4,
		CPUThreshold:     85,
		PollInterval:     5 * time.Second,
	}
}

// RenderRequest is what a caller asks the scheduler for.
type RenderRequest struct {
	UserID      string
	SourceID    string
	Copies      int
	Priority    int
	SubmittedAt time.Time
}

// TicketState is the lifecycle position of a ticket.
type TicketState string

const (
	StateQueued    TicketState = "queued"
	StateActive    TicketState = "active"
	StateCancelled TicketState = "cancelled"
	StateReleased  TicketState = "released"
)

// Ticket is the handle for an enqueued request. ID, Request and QueuedAt are
// fixed at enqueue; everything else belongs to the control loop.
type Ticket struct {
	ID       int64
	Request  RenderRequest
	QueuedAt time.Time
	Eco      bool

	entry     QueueEntry
	index     int
	state     TicketState
	startedAt time.Time
	grant     *Grant
	err       error
	ready     chan struct{}
}

// TicketSummary is a snapshot of a ticket for status displays.
type TicketSummary struct {
	ID        int64       `json:"id"`
	UserID    string      `json:"userId,omitempty"`
	SourceID  string      `json:"sourceId"`
	Copies    int         `json:"copies"`
	Priority  int         `json:"priority"`
	Eco       bool        `json:"eco"`
	State     TicketState `json:"state"`
	Position  int         `json:"position"`
	QueuedAt  time.Time   `json:"queuedAt"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	Mode      string      `json:"mode,omitempty"`
}

// Scheduler is the host-wide admission queue.
type Scheduler struct {
	cfg Config

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the control loop.
	queue   ticketQueue
	tickets map[int64]*Ticket
	active  map[int64]*Ticket
	nextID  int64
	nextSeq uint64
	ticker  *time.Ticker
}

// New starts a scheduler. Zero config fields take DefaultConfig values.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Slots <= 0 {
		cfg.Slots = def.Slots
	}
	if cfg.EcoMode {
		cfg.Slots = 1
	}
	if cfg.EcoCopyThreshold <= 0 {
		cfg.EcoCopyThreshold = def.EcoCopyThreshold
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	s := &Scheduler{
		cfg:     cfg,
		ops:     make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		tickets: make(map[int64]*Ticket),
		active:  make(map[int64]*Ticket),
	}
	go s.loop()
	logging.Info("Render scheduler started: slots=%d eco=%v ecoThreshold=%d cpuThreshold=%.0f%% poll=%v",
		cfg.Slots, cfg.EcoMode, cfg.EcoCopyThreshold, cfg.CPUThreshold, cfg.PollInterval)
	return s
}

// Close stops the control loop. Queued waiters get ErrClosed and active
// grants have their contexts cancelled.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		var tick <-chan time.Time
		if s.ticker != nil {
			tick = s.ticker.C
		}
		select {
		case fn := <-s.ops:
			fn()
			s.dispatch(false)
		case <-tick:
			s.dispatch(true)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

// call runs fn on the control loop and waits for it to finish.
func (s *Scheduler) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// Enqueue registers a request and returns its ticket without waiting.
func (s *Scheduler) Enqueue(req RenderRequest) (*Ticket, error) {
	if req.Copies < 1 {
		return nil, fmt.Errorf("%w: copies=%d", ErrInvalidRequest, req.Copies)
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	var t *Ticket
	err := s.call(func() {
		s.nextID++
		s.nextSeq++
		t = &Ticket{
			ID:       s.nextID,
			Request:  req,
			QueuedAt: time.Now(),
			Eco:      s.cfg.EcoMode || req.Copies > s.cfg.EcoCopyThreshold,
			entry:    QueueEntry{Priority: req.Priority, Seq: s.nextSeq, TicketID: s.nextID},
			state:    StateQueued,
			ready:    make(chan struct{}),
		}
		heap.Push(&s.queue, t)
		s.tickets[t.ID] = t
		logging.Info("Added to render queue: %s (ticket=%d priority=%d copies=%d eco=%v)",
			req.SourceID, t.ID, req.Priority, req.Copies, t.Eco)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Wait blocks until t is granted a slot. If ctx ends first the ticket is
// withdrawn, or released if the grant raced with cancellation. A returned
// grant is released automatically when ctx ends.
func (s *Scheduler) Wait(ctx context.Context, t *Ticket) (*Grant, error) {
	select {
	case <-t.ready:
		if t.err != nil {
			return nil, t.err
		}
		s.watch(ctx, t.grant)
		return t.grant, nil
	case <-ctx.Done():
	}

	var raced *Grant
	_ = s.call(func() {
		switch t.state {
		case StateQueued:
			s.withdraw(t, ctx.Err())
			metrics.SchedulerTicketsTotal.WithLabelValues("cancelled_queued").Inc()
			logging.Info("Skipped render: %s (ticket=%d cancelled while queued)", t.Request.SourceID, t.ID)
		case StateActive:
			raced = t.grant
		}
	})
	if raced != nil {
		raced.release("cancelled_active")
	}
	return nil, ctx.Err()
}

// Acquire enqueues a request and waits for its slot.
func (s *Scheduler) Acquire(ctx context.Context, label string, copies, priority int) (*Grant, error) {
	t, err := s.Enqueue(RenderRequest{SourceID: label, Copies: copies, Priority: priority})
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, t)
}

// Run waits for t's slot, calls fn with a context that ends when either ctx
// or the grant ends, and always releases the slot, including when fn panics.
func (s *Scheduler) Run(ctx context.Context, t *Ticket, fn func(ctx context.Context, g *Grant) error) error {
	g, err := s.Wait(ctx, t)
	if err != nil {
		return err
	}
	defer g.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.Context(), cancel)
	defer stop()

	return fn(runCtx, g)
}

// Cancel withdraws a queued ticket, or cancels the context of an active one.
// It reports whether the ticket was known.
func (s *Scheduler) Cancel(ticketID int64) bool {
	found := false
	_ = s.call(func() {
		t, ok := s.tickets[ticketID]
		if !ok {
			return
		}
		found = true
		switch t.state {
		case StateQueued:
			s.withdraw(t, ErrCancelled)
			metrics.SchedulerTicketsTotal.WithLabelValues("cancelled_queued").Inc()
			logging.Info("Cancelled queued render: %s (ticket=%d)", t.Request.SourceID, t.ID)
		case StateActive:
			t.grant.cancel()
			logging.Info("Cancelling active render: %s (ticket=%d)", t.Request.SourceID, t.ID)
		}
	})
	return found
}

// Status lists the queued and active tickets of userID, or of every user
// when userID is empty, ordered by ticket ID.
func (s *Scheduler) Status(userID string) []TicketSummary {
	var out []TicketSummary
	_ = s.call(func() {
		positions := s.positions()
		for _, t := range s.tickets {
			if userID != "" && t.Request.UserID != userID {
				continue
			}
			sum := TicketSummary{
				ID:       t.ID,
				UserID:   t.Request.UserID,
				SourceID: t.Request.SourceID,
				Copies:   t.Request.Copies,
				Priority: t.Request.Priority,
				Eco:      t.Eco,
				State:    t.state,
				Position: positions[t.ID],
				QueuedAt: t.QueuedAt,
			}
			if t.state == StateActive {
				started := t.startedAt
				sum.StartedAt = &started
				sum.Mode = t.grant.Mode
			}
			out = append(out, sum)
		}
	})
	slices.SortFunc(out, func(a, b TicketSummary) int { return int(a.ID - b.ID) })
	return out
}

// positions maps queued ticket IDs to their 1-based place in line.
func (s *Scheduler) positions() map[int64]int {
	ordered := slices.Clone(s.queue)
	slices.SortFunc(ordered, func(a, b *Ticket) int {
		if a.entry.less(b.entry) {
			return -1
		}
		return 1
	})
	pos := make(map[int64]int, len(ordered))
	for i, t := range ordered {
		pos[t.ID] = i + 1
	}
	return pos
}

// withdraw removes a queued ticket and wakes its waiter with err.
func (s *Scheduler) withdraw(t *Ticket, err error) {
	if t.index >= 0 && t.index < len(s.queue) && s.queue[t.index] == t {
		heap.Remove(&s.queue, t.index)
	}
	t.state = StateCancelled
	t.err = err
	delete(s.tickets, t.ID)
	close(t.ready)
}

// dispatch grants slots to the head of the queue while capacity and CPU load
// allow. Once the queue is waiting on CPU, only ticks take a new sample.
func (s *Scheduler) dispatch(tick bool) {
	defer s.updateGauges()
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.state != StateQueued {
			heap.Pop(&s.queue)
			continue
		}
		if !s.hasCapacity(head) {
			s.stopCPUWait()
			return
		}
		if s.ticker != nil && !tick {
			return
		}
		if !s.cpuAcceptable() {
			s.startCPUWait()
			return
		}
		heap.Pop(&s.queue)
		s.grant(head)
	}
	s.stopCPUWait()
}

func (s *Scheduler) hasCapacity(t *Ticket) bool {
	if len(s.active) >= s.cfg.Slots {
		return false
	}
	if len(s.active) == 0 {
		return true
	}
	if t.Eco {
		return false
	}
	for _, a := range s.active {
		if a.Eco {
			return false
		}
		if t.Request.UserID != "" && a.Request.UserID == t.Request.UserID {
			return false
		}
	}
	return true
}

func (s *Scheduler) cpuAcceptable() bool {
	if s.cfg.Sampler == nil {
		return true
	}
	load, err := s.cfg.Sampler.Percent()
	if err != nil {
		logging.Warn("CPU sample failed, admitting without load check: %v", err)
		return true
	}
	metrics.SchedulerCPULoad.Set(load)
	if load > s.cfg.CPUThreshold {
		metrics.SchedulerCPUDeferrals.Inc()
		logging.Info("Waiting: CPU overloaded (%.0f%% > %.0f%%)", load, s.cfg.CPUThreshold)
		return false
	}
	return true
}

func (s *Scheduler) startCPUWait() {
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.cfg.PollInterval)
	}
}

func (s *Scheduler) stopCPUWait() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Scheduler) grant(t *Ticket) {
	now := time.Now()
	t.state = StateActive
	t.startedAt = now

	var mode string
	var env map[string]string
	if s.cfg.Modes != nil {
		mode, env = s.cfg.Modes.CurrentMode()
		env = maps.Clone(env)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.grant = &Grant{
		TicketID:  t.ID,
		Mode:      mode,
		ModeEnv:   env,
		StartedAt: now,
		Eco:       t.Eco,
		s:         s,
		t:         t,
		ctx:       ctx,
		cancel:    cancel,
		released:  make(chan struct{}),
	}
	s.active[t.ID] = t

	metrics.SchedulerWaitSeconds.Observe(now.Sub(t.QueuedAt).Seconds())
	logging.Info("Start render: %s (ticket=%d priority=%d mode=%s waited=%v)",
		t.Request.SourceID, t.ID, t.Request.Priority, mode, now.Sub(t.QueuedAt).Round(time.Millisecond))
	close(t.ready)
}

// finish retires an active ticket.
func (s *Scheduler) finish(t *Ticket, outcome string) {
	if _, ok := s.active[t.ID]; !ok {
		return
	}
	delete(s.active, t.ID)
	delete(s.tickets, t.ID)
	t.state = StateReleased
	metrics.SchedulerTicketsTotal.WithLabelValues(outcome).Inc()
	logging.Info("Released render slot: %s (ticket=%d outcome=%s held=%v)",
		t.Request.SourceID, t.ID, outcome, time.Since(t.startedAt).Round(time.Millisecond))
}

// watch releases g when ctx ends before the caller releases it.
func (s *Scheduler) watch(ctx context.Context, g *Grant) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			logging.Info("Render caller went away, releasing ticket %d", g.TicketID)
			g.release("cancelled_active")
		case <-g.released:
		}
	}()
}

func (s *Scheduler) shutdown() {
	s.stopCPUWait()
	for _, t := range s.queue {
		t.state = StateCancelled
		t.err = ErrClosed
		close(t.ready)
		metrics.SchedulerTicketsTotal.WithLabelValues("closed").Inc()
	}
	s.queue = nil
	for _, t := range s.active {
		t.grant.cancel()
	}
	s.updateGauges()
	logging.Info("Render scheduler stopped")
}

func (s *Scheduler) updateGauges() {
	metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
	metrics.SchedulerActiveSlots.Set(float64(len(s.active)))
}
