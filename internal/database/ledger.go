package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"uniclon/internal/metrics"
)

// RecordTicket inserts a queued ticket and returns its ledger ID.
func (d *Database) RecordTicket(ctx context.Context, t Ticket) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("record_ticket", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if t.QueuedAt.IsZero() {
		t.QueuedAt = time.Now()
	}
	if t.State == "" {
		t.State = TicketQueued
	}

	var res sql.Result
	res, err = d.db.ExecContext(ctx, `
		INSERT INTO tickets (ticket_no, user_id, source, copies, priority, state, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.TicketNo, t.UserID, t.Source, t.Copies, t.Priority, string(t.State), t.QueuedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert ticket: %w", err)
	}
	return res.LastInsertId()
}

// StartTicket marks a ticket running in mode.
func (d *Database) StartTicket(ctx context.Context, id int64, mode string, at time.Time) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("start_ticket", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		UPDATE tickets SET state = ?, mode = ?, started_at = ? WHERE id = ?
	`, string(TicketRunning), mode, at.Unix(), id)
	return err
}

// FinishTicket records the final state of a ticket. errMsg may be empty.
func (d *Database) FinishTicket(ctx context.Context, id int64, state TicketState, errMsg string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("finish_ticket", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var res sql.Result
	res, err = d.db.ExecContext(ctx, `
		UPDATE tickets SET state = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(state), errMsg, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("ticket %d: %w", id, sql.ErrNoRows)
	}
	return err
}

// GetTicket loads one ticket by ledger ID.
func (d *Database) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := d.db.QueryRowContext(ctx, `
		SELECT id, ticket_no, user_id, source, copies, priority, state, mode, error, queued_at, started_at, finished_at
		FROM tickets WHERE id = ?
	`, id)
	return scanTicket(row)
}

// UserTickets returns a user's most recent tickets, newest first.
func (d *Database) UserTickets(ctx context.Context, userID string, limit int) ([]Ticket, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("user_tickets", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	rows, err = d.db.QueryContext(ctx, `
		SELECT id, ticket_no, user_id, source, copies, priority, state, mode, error, queued_at, started_at, finished_at
		FROM tickets WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t *Ticket
		t, err = scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	err = rows.Err()
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var state string
	var queued int64
	var started, finished sql.NullInt64
	err := row.Scan(&t.ID, &t.TicketNo, &t.UserID, &t.Source, &t.Copies, &t.Priority,
		&state, &t.Mode, &t.Error, &queued, &started, &finished)
	if err != nil {
		return nil, err
	}
	t.State = TicketState(state)
	t.QueuedAt = time.Unix(queued, 0)
	t.StartedAt = unixPtr(started)
	t.FinishedAt = unixPtr(finished)
	return &t, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// RecordCopy stores the outcome of one copy. Recording the same copy index
// twice for a ticket replaces the earlier row.
func (d *Database) RecordCopy(ctx context.Context, c Copy) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("record_copy", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO copies (ticket_id, copy_index, name, seed, status, exit_code, attempts, backoff_depth, audio_override, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id, copy_index) DO UPDATE SET
			name = excluded.name,
			seed = excluded.seed,
			status = excluded.status,
			exit_code = excluded.exit_code,
			attempts = excluded.attempts,
			backoff_depth = excluded.backoff_depth,
			audio_override = excluded.audio_override,
			duration_ms = excluded.duration_ms
	`, c.TicketID, c.Index, c.Name, c.Seed, string(c.Status), c.ExitCode, c.Attempts,
		c.BackoffDepth, c.AudioOverride, c.Duration.Milliseconds())
	return err
}

// TicketCopies lists a ticket's copies in index order.
func (d *Database) TicketCopies(ctx context.Context, ticketID int64) ([]Copy, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, ticket_id, copy_index, name, seed, status, exit_code, attempts, backoff_depth, audio_override, duration_ms, created_at
		FROM copies WHERE ticket_id = ? ORDER BY copy_index
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Copy
	for rows.Next() {
		var c Copy
		var status string
		var durationMs, created int64
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Index, &c.Name, &c.Seed, &status, &c.ExitCode,
			&c.Attempts, &c.BackoffDepth, &c.AudioOverride, &durationMs, &created); err != nil {
			return nil, err
		}
		c.Status = CopyStatus(status)
		c.Duration = time.Duration(durationMs) * time.Millisecond
		c.CreatedAt = time.Unix(created, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SeedUsed reports whether seed was already rendered successfully by a
// ticket other than excludeTicket.
func (d *Database) SeedUsed(ctx context.Context, seed string, excludeTicket int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var used bool
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0 FROM copies WHERE seed = ? AND status = ? AND ticket_id != ?
	`, seed, string(CopyOK), excludeTicket).Scan(&used)
	return used, err
}

// RecordReport stores a batch report and returns its ID.
func (d *Database) RecordReport(ctx context.Context, r Report) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("record_report", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	var res sql.Result
	res, err = d.db.ExecContext(ctx, `
		INSERT INTO reports (ticket_id, source, copies_total, copies_success, avg_phash, avg_ssim,
			avg_bitrate_diff, uniq_score, diversified, trust_score, trust_label, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TicketID, r.Source, r.CopiesTotal, r.CopiesSuccess, r.AvgPHash, r.AvgSSIM,
		r.AvgBitrateDiff, r.UniqScore, r.Diversified, r.TrustScore, r.TrustLabel, r.Mode, r.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	return res.LastInsertId()
}

// RecentReports returns up to limit reports, newest first.
func (d *Database) RecentReports(ctx context.Context, limit int) ([]Report, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("recent_reports", start, err) }()

	if limit <= 0 {
		limit = 20
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	rows, err = d.db.QueryContext(ctx, `
		SELECT id, ticket_id, source, copies_total, copies_success, avg_phash, avg_ssim,
			avg_bitrate_diff, uniq_score, diversified, trust_score, trust_label, mode, created_at
		FROM reports ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		var ticketID sql.NullInt64
		var trust sql.NullFloat64
		var created int64
		err = rows.Scan(&r.ID, &ticketID, &r.Source, &r.CopiesTotal, &r.CopiesSuccess, &r.AvgPHash,
			&r.AvgSSIM, &r.AvgBitrateDiff, &r.UniqScore, &r.Diversified, &trust, &r.TrustLabel, &r.Mode, &created)
		if err != nil {
			return nil, err
		}
		if ticketID.Valid {
			r.TicketID = &ticketID.Int64
		}
		if trust.Valid {
			r.TrustScore = &trust.Float64
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	err = rows.Err()
	return out, err
}

// GetStats summarizes the ledger for the metrics collector.
func (d *Database) GetStats() (metrics.Stats, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_stats", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	stats := metrics.Stats{
		TicketsByState: map[string]int{},
		CopiesByStatus: map[string]int{},
	}
	if err = d.countBy(ctx, "SELECT state, COUNT(*) FROM tickets GROUP BY state", stats.TicketsByState); err != nil {
		return stats, err
	}
	if err = d.countBy(ctx, "SELECT status, COUNT(*) FROM copies GROUP BY status", stats.CopiesByStatus); err != nil {
		return stats, err
	}

	var avg sql.NullFloat64
	err = d.db.QueryRowContext(ctx, "SELECT AVG(uniq_score) FROM reports").Scan(&avg)
	if err != nil {
		return stats, err
	}
	stats.AverageScore = avg.Float64
	return stats, nil
}

func (d *Database) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
