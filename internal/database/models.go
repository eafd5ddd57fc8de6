package database

import "time"

type TicketState string

const (
	TicketQueued    TicketState = "queued"
	TicketRunning   TicketState = "running"
	TicketDone      TicketState = "done"
	TicketFailed    TicketState = "failed"
	TicketCancelled TicketState = "cancelled"
)

type CopyStatus string

const (
	CopyOK      CopyStatus = "ok"
	CopyFailed  CopyStatus = "failed"
	CopyTimeout CopyStatus = "timeout"
)

type Ticket struct {
	ID         int64       `json:"id"`
	TicketNo   int64       `json:"ticketNo"`
	UserID     string      `json:"userId,omitempty"`
	Source     string      `json:"source"`
	Copies     int         `json:"copies"`
	Priority   int         `json:"priority"`
	State      TicketState `json:"state"`
	Mode       string      `json:"mode,omitempty"`
	Error      string      `json:"error,omitempty"`
	QueuedAt   time.Time   `json:"queuedAt"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

type Copy struct {
	ID            int64         `json:"id"`
	TicketID      int64         `json:"ticketId"`
	Index         int           `json:"index"`
	Name          string        `json:"name,omitempty"`
	Seed          string        `json:"seed"`
	Status        CopyStatus    `json:"status"`
	ExitCode      int           `json:"exitCode"`
	Attempts      int           `json:"attempts"`
	BackoffDepth  int           `json:"backoffDepth"`
	AudioOverride string        `json:"audioOverride,omitempty"`
	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"createdAt"`
}

type Report struct {
	ID             int64     `json:"id"`
	TicketID       *int64    `json:"ticketId,omitempty"`
	Source         string    `json:"source"`
	CopiesTotal    int       `json:"copiesTotal"`
	CopiesSuccess  int       `json:"copiesSuccess"`
	AvgPHash       float64   `json:"avgPhash"`
	AvgSSIM        float64   `json:"avgSsim"`
	AvgBitrateDiff float64   `json:"avgBitrateDiff"`
	UniqScore      int       `json:"uniqScore"`
	Diversified    bool      `json:"diversified"`
	TrustScore     *float64  `json:"trustScore,omitempty"`
	TrustLabel     string    `json:"trustLabel,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
