package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"uniclon/internal/batch"
	"uniclon/internal/database"
	"uniclon/internal/logging"
	"uniclon/internal/scheduler"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// RenderRequest is the body of POST /api/renders.
type RenderRequest struct {
	UserID   string `json:"userId"`
	Source   string `json:"source"`
	Copies   int    `json:"copies"`
	Priority *int   `json:"priority,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// RenderAccepted is returned when a batch has been queued.
type RenderAccepted struct {
	TicketID int64     `json:"ticketId"`
	Eco      bool      `json:"eco"`
	Position int       `json:"position"`
	QueuedAt time.Time `json:"queuedAt"`
}

// UserTicketsResponse combines live queue state with ledger history.
type UserTicketsResponse struct {
	Live    []scheduler.TicketSummary `json:"live"`
	History []database.Ticket         `json:"history"`
}

// TicketDetail is a ledger ticket with its copies.
type TicketDetail struct {
	database.Ticket
	Results []database.Copy `json:"results"`
}

// SubmitRender queues a render batch and returns its ticket.
func (h *Handlers) SubmitRender(w http.ResponseWriter, r *http.Request) {
	var body RenderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req := batch.Request{
		UserID:   strings.TrimSpace(body.UserID),
		Source:   body.Source,
		Copies:   body.Copies,
		Priority: h.defaultPriority,
		Profile:  body.Profile,
	}
	if body.Priority != nil {
		req.Priority = *body.Priority
	}
	if req.Profile == "" {
		req.Profile = h.defaultProfile
	}

	t, err := h.renderer.Submit(req)
	switch {
	case errors.Is(err, batch.ErrInvalidRequest), errors.Is(err, scheduler.ErrInvalidRequest):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, scheduler.ErrClosed):
		writeJSONError(w, "Render queue is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		logging.Error("Failed to submit render for %s: %v", req.Source, err)
		writeJSONError(w, "Failed to submit render", http.StatusInternalServerError)
		return
	}

	resp := RenderAccepted{TicketID: t.ID, Eco: t.Eco, QueuedAt: t.QueuedAt}
	for _, s := range h.queue.Status(req.UserID) {
		if s.ID == t.ID {
			resp.Position = s.Position
			break
		}
	}
	w.Header().Set("Location", "/api/tickets/"+strconv.FormatInt(t.ID, 10))
	writeJSONStatus(w, http.StatusAccepted, resp)
}

// CancelTicket cancels a queued or active ticket by its queue ID.
func (h *Handlers) CancelTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "Invalid ticket ID", http.StatusBadRequest)
		return
	}
	if !h.queue.Cancel(id) {
		writeJSONError(w, "Ticket not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQueue lists every live ticket.
func (h *Handlers) GetQueue(w http.ResponseWriter, _ *http.Request) {
	live := h.queue.Status("")
	if live == nil {
		live = []scheduler.TicketSummary{}
	}
	writeJSONStatus(w, http.StatusOK, live)
}

// GetUserTickets returns a user's live tickets and ledger history.
func (h *Handlers) GetUserTickets(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(mux.Vars(r)["id"])
	if userID == "" {
		writeJSONError(w, "User ID is required", http.StatusBadRequest)
		return
	}

	history, err := h.ledger.UserTickets(r.Context(), userID, queryLimit(r, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		logging.Error("Failed to load tickets for user %s: %v", userID, err)
		writeJSONError(w, "Failed to load tickets", http.StatusInternalServerError)
		return
	}

	resp := UserTicketsResponse{Live: h.queue.Status(userID), History: history}
	if resp.Live == nil {
		resp.Live = []scheduler.TicketSummary{}
	}
	if resp.History == nil {
		resp.History = []database.Ticket{}
	}
	writeJSONStatus(w, http.StatusOK, resp)
}

// GetTicket returns a ledger ticket and its per-copy results.
func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "Invalid ticket ID", http.StatusBadRequest)
		return
	}
	t, err := h.ledger.GetTicket(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSONError(w, "Ticket not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Error("Failed to load ticket %d: %v", id, err)
		writeJSONError(w, "Failed to load ticket", http.StatusInternalServerError)
		return
	}
	copies, err := h.ledger.TicketCopies(r.Context(), id)
	if err != nil {
		logging.Error("Failed to load copies of ticket %d: %v", id, err)
		writeJSONError(w, "Failed to load ticket", http.StatusInternalServerError)
		return
	}
	if copies == nil {
		copies = []database.Copy{}
	}
	writeJSONStatus(w, http.StatusOK, TicketDetail{Ticket: *t, Results: copies})
}

// GetReports returns the most recent uniqueness reports.
func (h *Handlers) GetReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.ledger.RecentReports(r.Context(), queryLimit(r, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		logging.Error("Failed to load reports: %v", err)
		writeJSONError(w, "Failed to load reports", http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []database.Report{}
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSONStatus(w, http.StatusOK, reports)
}
