package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uniclon/internal/database"
	"uniclon/internal/logging"
	"uniclon/internal/metrics"
	"uniclon/internal/render"
	"uniclon/internal/scheduler"
	"uniclon/internal/uniqueness"
	"uniclon/internal/variant"
)

// DefaultCopyTimeout bounds one copy, retries included.
const DefaultCopyTimeout = 300 * time.Second

var (
	ErrInvalidRequest = errors.New("batch: invalid request")
	ErrNoCopies       = errors.New("batch: no copies rendered")
)

// Invoker runs the external transcode script. *render.Runner implements it.
type Invoker interface {
	Run(ctx context.Context, inv render.Invocation) (*render.Outcome, error)
}

// Tuner receives each batch report and decides the next batch's mode.
type Tuner interface {
	RecordAndTune(r uniqueness.Report) (map[string]string, variant.Intensity)
}

// Ledger persists batch history. *database.Database implements it.
type Ledger interface {
	RecordTicket(ctx context.Context, t database.Ticket) (int64, error)
	StartTicket(ctx context.Context, id int64, mode string, at time.Time) error
	FinishTicket(ctx context.Context, id int64, state database.TicketState, errMsg string) error
	RecordCopy(ctx context.Context, c database.Copy) error
	SeedUsed(ctx context.Context, seed string, excludeTicket int64) (bool, error)
	RecordReport(ctx context.Context, r database.Report) (int64, error)
	SetLastBatch(ctx context.Context, t time.Time) error
}

// Config holds the batch settings.
type Config struct {
	Salt           string
	DefaultProfile string
	CopyTimeout    time.Duration
	// RetryDelay is the pause between recovery attempts.
	RetryDelay time.Duration
	// ReportPath receives the JSON uniqueness report of the latest batch.
	ReportPath string
	// StaleOutputAge removes a user's earlier outputs older than this before
	// a new batch starts. Zero keeps them.
	StaleOutputAge time.Duration
	MaxCopies      int
}

// Deps are the collaborators of a Service. Only Scheduler and Runner are
// required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Runner    Invoker
	Ledger    Ledger
	Auditor   Auditor
	Tuner     Tuner
	Cleaner   Cleaner
}

// Request is one render request from a user.
type Request struct {
	UserID   string `json:"userId"`
	Source   string `json:"source"`
	Copies   int    `json:"copies"`
	Priority int    `json:"priority"`
	Profile  string `json:"profile,omitempty"`
}

// State is how a batch ended.
type State string

const (
	StateSuccess   State = "success"
	StatePartial   State = "partial"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Result describes a finished batch.
type Result struct {
	TicketID int64              `json:"ticketId"`
	LedgerID int64              `json:"ledgerId,omitempty"`
	State    State              `json:"state"`
	Mode     string             `json:"mode"`
	NextMode string             `json:"nextMode,omitempty"`
	Copies   []CopyResult       `json:"copies"`
	Files    []string           `json:"files"`
	Report   *uniqueness.Report `json:"report,omitempty"`
	Audit    *uniqueness.Audit  `json:"audit,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Succeeded counts the copies that rendered.
func (r *Result) Succeeded() int {
	n := 0
	for _, c := range r.Copies {
		if c.Status == database.CopyOK {
			n++
		}
	}
	return n
}

// Service runs render batches.
type Service struct {
	cfg     Config
	sched   *scheduler.Scheduler
	runner  Invoker
	ledger  Ledger
	auditor Auditor
	tuner   Tuner
	cleaner Cleaner
	sleep   func(time.Duration)

	// ctx bounds batches started with Submit.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Service. Zero config fields take defaults.
func New(cfg Config, deps Deps) *Service {
	if cfg.Salt == "" {
		cfg.Salt = "uniclon_v1.7"
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = variant.DefaultProfile
	}
	if cfg.CopyTimeout <= 0 {
		cfg.CopyTimeout = DefaultCopyTimeout
	}
	if cfg.MaxCopies <= 0 {
		cfg.MaxCopies = 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		sched:   deps.Scheduler,
		runner:  deps.Runner,
		ledger:  deps.Ledger,
		auditor: deps.Auditor,
		tuner:   deps.Tuner,
		cleaner: deps.Cleaner,
		sleep:   time.Sleep,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Validate checks a request before it is queued.
func (s *Service) Validate(req Request) error {
	if strings.TrimSpace(req.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if req.Copies < 1 || req.Copies > s.cfg.MaxCopies {
		return fmt.Errorf("%w: copies must be between 1 and %d", ErrInvalidRequest, s.cfg.MaxCopies)
	}
	if req.Profile != "" {
		if _, ok := variant.Profile(req.Profile); !ok && !strings.EqualFold(req.Profile, "default") {
			return fmt.Errorf("%w: unknown profile %q", ErrInvalidRequest, req.Profile)
		}
	}
	return nil
}

// Submit queues req and renders it in the background. The returned ticket
// can be inspected or cancelled through the scheduler.
func (s *Service) Submit(req Request) (*scheduler.Ticket, error) {
	t, ledgerID, err := s.enqueue(s.ctx, req)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.process(s.ctx, t, ledgerID, req)
		if err != nil {
			logging.Warn("Render %s (ticket=%d) ended: %v", filepath.Base(req.Source), t.ID, err)
			return
		}
		logging.Info("Render %s (ticket=%d) %s: %d/%d copies", filepath.Base(req.Source), t.ID, res.State, res.Succeeded(), req.Copies)
	}()
	return t, nil
}

// Render queues req and waits for the batch to finish.
func (s *Service) Render(ctx context.Context, req Request) (*Result, error) {
	t, ledgerID, err := s.enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.process(ctx, t, ledgerID, req)
}

// Shutdown stops background batches and waits for them until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) enqueue(ctx context.Context, req Request) (*scheduler.Ticket, int64, error) {
	if err := s.Validate(req); err != nil {
		return nil, 0, err
	}
	t, err := s.sched.Enqueue(scheduler.RenderRequest{
		UserID:   req.UserID,
		SourceID: filepath.Base(req.Source),
		Copies:   req.Copies,
		Priority: req.Priority,
	})
	if err != nil {
		return nil, 0, err
	}

	var ledgerID int64
	if s.ledger != nil {
		ledgerID, err = s.ledger.RecordTicket(ctx, database.Ticket{
			TicketNo: t.ID,
			UserID:   req.UserID,
			Source:   filepath.Base(req.Source),
			Copies:   req.Copies,
			Priority: req.Priority,
			QueuedAt: t.QueuedAt,
		})
		if err != nil {
			logging.Warn("Ledger: ticket %d not recorded: %v", t.ID, err)
			ledgerID = 0
		}
	}
	return t, ledgerID, nil
}

func (s *Service) process(ctx context.Context, t *scheduler.Ticket, ledgerID int64, req Request) (*Result, error) {
	start := time.Now()
	var res *Result
	err := s.sched.Run(ctx, t, func(ctx context.Context, g *scheduler.Grant) error {
		var err error
		res, err = s.execute(ctx, g, ledgerID, req)
		return err
	})
	if res == nil {
		// Never granted: cancelled while queued or the scheduler closed.
		s.finishLedger(ctx, ledgerID, database.TicketCancelled, errString(err))
		metrics.RenderBatchesTotal.WithLabelValues(string(StateCancelled)).Inc()
		return &Result{TicketID: t.ID, LedgerID: ledgerID, State: StateCancelled}, err
	}
	res.Duration = time.Since(start)
	return res, err
}

func (s *Service) execute(ctx context.Context, g *scheduler.Grant, ledgerID int64, req Request) (*Result, error) {
	res := &Result{TicketID: g.TicketID, LedgerID: ledgerID, Mode: g.Mode}
	name := filepath.Base(req.Source)

	profileName := req.Profile
	if profileName == "" || strings.EqualFold(profileName, "default") {
		profileName = s.cfg.DefaultProfile
	}
	profile, ok := variant.Profile(profileName)
	if !ok {
		logging.Warn("Unknown profile %q, using %s", profileName, profile.Name)
	}

	if s.ledger != nil && ledgerID > 0 {
		if err := s.ledger.StartTicket(context.WithoutCancel(ctx), ledgerID, g.Mode, g.StartedAt); err != nil {
			logging.Warn("Ledger: ticket %d start not recorded: %v", ledgerID, err)
		}
	}
	if s.cleaner != nil && s.cfg.StaleOutputAge > 0 && req.UserID != "" {
		if removed, _ := s.cleaner.Cleanup(req.UserID, time.Now().Add(-s.cfg.StaleOutputAge)); removed > 0 {
			logging.Info("Removed %d stale outputs for user %s", removed, req.UserID)
		}
	}

	logging.Info("Render started: %s (ticket=%d copies=%d mode=%s profile=%s)", name, g.TicketID, req.Copies, g.Mode, profile.Name)
	mode := variant.Intensity(g.Mode)

	var fatal error
	for i := 1; i <= req.Copies; i++ {
		if ctx.Err() != nil {
			break
		}
		cr, err := s.renderCopy(ctx, req, i, profile, mode, g.ModeEnv, ledgerID)
		res.Copies = append(res.Copies, cr)
		res.Files = append(res.Files, cr.Files...)
		if errors.Is(err, render.ErrToolMissing) {
			fatal = err
			break
		}
	}

	succeeded := res.Succeeded()
	switch {
	case ctx.Err() != nil && succeeded < req.Copies:
		res.State = StateCancelled
		fatal = fmt.Errorf("render %s: %w", name, ctx.Err())
	case succeeded == 0:
		res.State = StateFailed
		if fatal == nil {
			fatal = fmt.Errorf("%w: %s", ErrNoCopies, name)
		}
	case succeeded < req.Copies:
		res.State = StatePartial
		res.Warnings = append(res.Warnings, fmt.Sprintf("only %d of %d copies rendered", succeeded, req.Copies))
	default:
		res.State = StateSuccess
	}
	metrics.RenderBatchesTotal.WithLabelValues(string(res.State)).Inc()

	if s.cleaner != nil && req.UserID != "" {
		s.cleaner.Track(req.UserID, res.Files)
	}

	switch res.State {
	case StateCancelled:
		s.finishLedger(ctx, ledgerID, database.TicketCancelled, errString(fatal))
		return res, fatal
	case StateFailed:
		logging.Error("Render failed: %s, no copies produced", name)
		s.finishLedger(ctx, ledgerID, database.TicketFailed, errString(fatal))
		return res, fatal
	}

	s.score(ctx, req, res, profile.Name)
	s.finishLedger(ctx, ledgerID, database.TicketDone, "")
	if s.ledger != nil {
		if err := s.ledger.SetLastBatch(context.WithoutCancel(ctx), time.Now()); err != nil {
			logging.Warn("Ledger: last batch time not saved: %v", err)
		}
	}
	return res, nil
}

// score audits the produced copies and feeds the report to the tuner. A
// missing quality report leaves the adaptive history untouched.
func (s *Service) score(ctx context.Context, req Request, res *Result, profile string) {
	if s.auditor == nil {
		return
	}
	name := filepath.Base(req.Source)

	copies, manifest, err := s.auditor.Metrics(ctx, req.Source, res.Files)
	if err == nil {
		var report uniqueness.Report
		report, err = uniqueness.BuildReport(copies, req.Copies)
		if err == nil {
			res.Report = &report
		}
	}
	if err != nil {
		if errors.Is(err, uniqueness.ErrNoReport) {
			metrics.UniquenessReportsMissing.Inc()
		}
		logging.Warn("No uniqueness report for %s: %v", name, err)
		res.Warnings = append(res.Warnings, "quality metrics unavailable")
		return
	}
	report := *res.Report

	audit := uniqueness.AuditBatch(copies, manifest)
	if audit.Profile == "" {
		audit.Profile = profile
		audit.TrustLabel, audit.TrustLevel = uniqueness.TrustLabel(audit.TrustScore, profile)
	}
	res.Audit = &audit
	res.Warnings = append(res.Warnings, audit.Warnings...)

	metrics.UniquenessLastScore.Set(float64(report.UniqScore))
	metrics.UniquenessTrustScore.Set(audit.TrustScore)
	logging.Info("Uniqueness for %s: %s, trust %.1f (%s)", name, report.Summary(), audit.TrustScore, audit.TrustLabel)
	if !report.Diversified {
		metrics.UniquenessLowScoreTotal.Inc()
		res.Warnings = append(res.Warnings, fmt.Sprintf("low uniqueness score %d (%s)", report.UniqScore, report.Level()))
	}

	if s.tuner != nil {
		_, next := s.tuner.RecordAndTune(report)
		res.NextMode = string(next)
	}
	if s.cfg.ReportPath != "" {
		if err := uniqueness.WriteReport(s.cfg.ReportPath, report); err != nil {
			logging.Warn("Report not written to %s: %v", s.cfg.ReportPath, err)
		}
	}

	if s.ledger != nil {
		row := database.Report{
			Source:         name,
			CopiesTotal:    report.CopiesTotal,
			CopiesSuccess:  report.CopiesSuccess,
			AvgPHash:       report.AvgPHash,
			AvgSSIM:        report.AvgSSIM,
			AvgBitrateDiff: report.AvgBitrateDiff,
			UniqScore:      report.UniqScore,
			Diversified:    report.Diversified,
			TrustScore:     &audit.TrustScore,
			TrustLabel:     audit.TrustLabel,
			Mode:           res.Mode,
			CreatedAt:      report.GeneratedAt,
		}
		if res.LedgerID > 0 {
			row.TicketID = &res.LedgerID
		}
		if _, err := s.ledger.RecordReport(context.WithoutCancel(ctx), row); err != nil {
			logging.Warn("Ledger: report for %s not recorded: %v", name, err)
		}
	}
}

func (s *Service) finishLedger(ctx context.Context, id int64, state database.TicketState, msg string) {
	if s.ledger == nil || id <= 0 {
		return
	}
	if err := s.ledger.FinishTicket(context.WithoutCancel(ctx), id, state, msg); err != nil {
		logging.Warn("Ledger: ticket %d not finished: %v", id, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
