package scheduler

import (
	"context"
	"sync"
	"time"
)

// Grant is a held render slot. Mode and ModeEnv are computed when the slot is
// granted and belong to the caller from then on.
type Grant struct {
	TicketID  int64
	Mode      string
	ModeEnv   map[string]string
	StartedAt time.Time
	Eco       bool

	s        *Scheduler
	t        *Ticket
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	released chan struct{}
}

// Context ends when the ticket is cancelled, the grant is released, or the
// scheduler closes.
func (g *Grant) Context() context.Context {
	return g.ctx
}

// Release frees the slot. Calls after the first do nothing.
func (g *Grant) Release() {
	g.release("released")
}

// Released is closed once the slot has been released.
func (g *Grant) Released() <-chan struct{} {
	return g.released
}

func (g *Grant) release(outcome string) {
	g.once.Do(func() {
		g.cancel()
		close(g.released)
		// A closed scheduler has already dropped its active set.
		_ = g.s.call(func() { g.s.finish(g.t, outcome) })
	})
}
