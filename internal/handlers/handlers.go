package handlers

import (
	"context"
	"time"

	"uniclon/internal/batch"
	"uniclon/internal/database"
	"uniclon/internal/scheduler"
	"uniclon/internal/startup"
)

// Renderer accepts render batches for background processing.
type Renderer interface {
	Submit(req batch.Request) (*scheduler.Ticket, error)
}

// Queue exposes the admission scheduler's live state.
type Queue interface {
	Status(userID string) []scheduler.TicketSummary
	Cancel(ticketID int64) bool
}

// Ledger reads the run ledger.
type Ledger interface {
	Ping(ctx context.Context) error
	GetTicket(ctx context.Context, id int64) (*database.Ticket, error)
	TicketCopies(ctx context.Context, ticketID int64) ([]database.Copy, error)
	UserTickets(ctx context.Context, userID string, limit int) ([]database.Ticket, error)
	RecentReports(ctx context.Context, limit int) ([]database.Report, error)
	GetLastBatch(ctx context.Context) (time.Time, error)
}

type Handlers struct {
	renderer        Renderer
	queue           Queue
	ledger          Ledger
	modes           scheduler.ModeSource
	defaultPriority int
	defaultProfile  string
	startTime       time.Time
}

func New(renderer Renderer, queue Queue, ledger Ledger, modes scheduler.ModeSource, config *startup.Config) *Handlers {
	return &Handlers{
		renderer:        renderer,
		queue:           queue,
		ledger:          ledger,
		modes:           modes,
		defaultPriority: config.DefaultPriority,
		defaultProfile:  config.Profile,
		startTime:       time.Now(),
	}
}
