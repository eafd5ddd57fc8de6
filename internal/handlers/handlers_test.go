package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"uniclon/internal/batch"
	"uniclon/internal/database"
	"uniclon/internal/scheduler"
	"uniclon/internal/startup"

	"github.com/gorilla/mux"
)

type fakeRenderer struct {
	mu   sync.Mutex
	reqs []batch.Request
	err  error
	next int64
}

func (f *fakeRenderer) Submit(req batch.Request) (*scheduler.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	f.next++
	return &scheduler.Ticket{ID: f.next, QueuedAt: time.Unix(1700000000, 0), Eco: req.Copies > 4}, nil
}

type fakeQueue struct {
	tickets   []scheduler.TicketSummary
	cancelled []int64
}

func (f *fakeQueue) Status(userID string) []scheduler.TicketSummary {
	var out []scheduler.TicketSummary
	for _, t := range f.tickets {
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeQueue) Cancel(id int64) bool {
	for _, t := range f.tickets {
		if t.ID == id {
			f.cancelled = append(f.cancelled, id)
			return true
		}
	}
	return false
}

type fakeLedger struct {
	pingErr   error
	tickets   map[int64]database.Ticket
	copies    map[int64][]database.Copy
	reports   []database.Report
	lastBatch time.Time
	limits    []int
}

func (f *fakeLedger) Ping(context.Context) error { return f.pingErr }

func (f *fakeLedger) GetTicket(_ context.Context, id int64) (*database.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &t, nil
}

func (f *fakeLedger) TicketCopies(_ context.Context, id int64) ([]database.Copy, error) {
	return f.copies[id], nil
}

func (f *fakeLedger) UserTickets(_ context.Context, userID string, limit int) ([]database.Ticket, error) {
	f.limits = append(f.limits, limit)
	var out []database.Ticket
	for _, t := range f.tickets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) RecentReports(_ context.Context, limit int) ([]database.Report, error) {
	f.limits = append(f.limits, limit)
	return f.reports, nil
}

func (f *fakeLedger) GetLastBatch(context.Context) (time.Time, error) { return f.lastBatch, nil }

type fixedMode string

func (m fixedMode) CurrentMode() (string, map[string]string) { return string(m), nil }

type testEnv struct {
	renderer *fakeRenderer
	queue    *fakeQueue
	ledger   *fakeLedger
	router   *mux.Router
}

func newTestEnv() *testEnv {
	env := &testEnv{
		renderer: &fakeRenderer{},
		queue:    &fakeQueue{},
		ledger:   &fakeLedger{tickets: map[int64]database.Ticket{}, copies: map[int64][]database.Copy{}},
	}
	h := New(env.renderer, env.queue, env.ledger, fixedMode("normal"), &startup.Config{
		DefaultPriority: 1,
		Profile:         "tiktok_hightrust",
	})

	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/renders", h.SubmitRender).Methods("POST")
	api.HandleFunc("/queue", h.GetQueue).Methods("GET")
	api.HandleFunc("/tickets/{id}", h.GetTicket).Methods("GET")
	api.HandleFunc("/tickets/{id}", h.CancelTicket).Methods("DELETE")
	api.HandleFunc("/users/{id}/tickets", h.GetUserTickets).Methods("GET")
	api.HandleFunc("/reports", h.GetReports).Methods("GET")
	env.router = r
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestSubmitRender(t *testing.T) {
	env := newTestEnv()
	env.queue.tickets = []scheduler.TicketSummary{{ID: 1, UserID: "u1", State: scheduler.StateQueued, Position: 2}}

	w := env.do("POST", "/api/renders", `{"userId":" u1 ","source":"/in/clip.mp4","copies":3}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/api/tickets/1" {
		t.Errorf("Location = %q", loc)
	}
	resp := decode[RenderAccepted](t, w)
	if resp.TicketID != 1 || resp.Position != 2 {
		t.Errorf("response = %+v", resp)
	}

	got := env.renderer.reqs[0]
	want := batch.Request{UserID: "u1", Source: "/in/clip.mp4", Copies: 3, Priority: 1, Profile: "tiktok_hightrust"}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestSubmitRenderExplicitPriority(t *testing.T) {
	env := newTestEnv()
	w := env.do("POST", "/api/renders", `{"userId":"u","source":"a.mp4","copies":1,"priority":0,"profile":"reels"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d", w.Code)
	}
	if r := env.renderer.reqs[0]; r.Priority != 0 || r.Profile != "reels" {
		t.Errorf("request = %+v", r)
	}
}

func TestSubmitRenderErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed", `{"copies":`, nil, http.StatusBadRequest},
		{"unknown field", `{"source":"a","copies":1,"speed":9}`, nil, http.StatusBadRequest},
		{"invalid", `{"source":"","copies":1}`, fmt.Errorf("%w: source is required", batch.ErrInvalidRequest), http.StatusBadRequest},
		{"closed", `{"source":"a","copies":1}`, scheduler.ErrClosed, http.StatusServiceUnavailable},
		{"other", `{"source":"a","copies":1}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.renderer.err = tt.err
			w := env.do("POST", "/api/renders", tt.body)
			if w.Code != tt.want {
				t.Errorf("code = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if body := decode[map[string]string](t, w); body["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestCancelTicket(t *testing.T) {
	env := newTestEnv()
	env.queue.tickets = []scheduler.TicketSummary{{ID: 7, UserID: "u"}}

	if w := env.do("DELETE", "/api/tickets/7", ""); w.Code != http.StatusNoContent {
		t.Errorf("known ticket: code = %d", w.Code)
	}
	if w := env.do("DELETE", "/api/tickets/8", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown ticket: code = %d", w.Code)
	}
	if w := env.do("DELETE", "/api/tickets/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: code = %d", w.Code)
	}
	if len(env.queue.cancelled) != 1 || env.queue.cancelled[0] != 7 {
		t.Errorf("cancelled = %v", env.queue.cancelled)
	}
}

func TestGetUserTickets(t *testing.T) {
	env := newTestEnv()
	env.queue.tickets = []scheduler.TicketSummary{
		{ID: 3, UserID: "alice", State: scheduler.StateActive},
		{ID: 4, UserID: "bob", State: scheduler.StateQueued},
	}
	env.ledger.tickets[1] = database.Ticket{ID: 1, TicketNo: 1, UserID: "alice", State: database.TicketDone}

	w := env.do("GET", "/api/users/alice/tickets?limit=500", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	resp := decode[UserTicketsResponse](t, w)
	if len(resp.Live) != 1 || resp.Live[0].ID != 3 {
		t.Errorf("live = %+v", resp.Live)
	}
	if len(resp.History) != 1 || resp.History[0].State != database.TicketDone {
		t.Errorf("history = %+v", resp.History)
	}
	if env.ledger.limits[0] != maxHistoryLimit {
		t.Errorf("limit = %d, want clamp to %d", env.ledger.limits[0], maxHistoryLimit)
	}

	w = env.do("GET", "/api/users/nobody/tickets", "")
	if body := w.Body.String(); !strings.Contains(body, `"live":[]`) || !strings.Contains(body, `"history":[]`) {
		t.Errorf("empty user body = %s", body)
	}
}

func TestGetTicket(t *testing.T) {
	env := newTestEnv()
	env.ledger.tickets[5] = database.Ticket{ID: 5, Source: "clip.mp4", State: database.TicketDone}
	env.ledger.copies[5] = []database.Copy{{TicketID: 5, Index: 1, Status: database.CopyOK}}

	w := env.do("GET", "/api/tickets/5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	detail := decode[TicketDetail](t, w)
	if detail.Source != "clip.mp4" || len(detail.Results) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	if w := env.do("GET", "/api/tickets/6", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing ticket: code = %d", w.Code)
	}
}

func TestGetReports(t *testing.T) {
	env := newTestEnv()
	w := env.do("GET", "/api/reports", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty: code = %d body = %s", w.Code, w.Body.String())
	}

	env.ledger.reports = []database.Report{{ID: 2, Source: "b.mp4", UniqScore: 80, Diversified: true}}
	w = env.do("GET", "/api/reports?limit=5", "")
	reports := decode[[]database.Report](t, w)
	if len(reports) != 1 || reports[0].UniqScore != 80 {
		t.Errorf("reports = %+v", reports)
	}
	if got := env.ledger.limits[len(env.ledger.limits)-1]; got != 5 {
		t.Errorf("limit = %d, want 5", got)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv()
	env.queue.tickets = []scheduler.TicketSummary{
		{ID: 1, State: scheduler.StateActive},
		{ID: 2, State: scheduler.StateQueued},
		{ID: 3, State: scheduler.StateQueued},
	}
	env.ledger.lastBatch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	w := env.do("GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != statusHealthy || resp.Active != 1 || resp.Queued != 2 || resp.Mode != "normal" {
		t.Errorf("health = %+v", resp)
	}
	if resp.LastBatch != "2026-05-01T12:00:00Z" {
		t.Errorf("lastBatch = %q", resp.LastBatch)
	}

	env.ledger.pingErr = errors.New("locked")
	w = env.do("GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded code = %d", w.Code)
	}
	if resp := decode[HealthResponse](t, w); resp.Status != statusDegraded {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestProbes(t *testing.T) {
	env := newTestEnv()

	if w := env.do("GET", "/livez", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "alive") {
		t.Errorf("livez: %d %s", w.Code, w.Body.String())
	}
	if w := env.do("HEAD", "/livez", ""); w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("HEAD livez: %d %q", w.Code, w.Body.String())
	}
	if w := env.do("GET", "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("readyz: %d", w.Code)
	}
	env.ledger.pingErr = errors.New("closed")
	if w := env.do("GET", "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with ledger down: %d", w.Code)
	}
}

func TestGetVersion(t *testing.T) {
	env := newTestEnv()
	w := env.do("GET", "/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	info := decode[startup.BuildInfo](t, w)
	if info.Version != startup.Version || info.GoVersion == "" {
		t.Errorf("info = %+v", info)
	}
	if w.Header().Get("Cache-Control") != "no-cache" {
		t.Error("missing Cache-Control")
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=-3", 20},
		{"limit=x", 20},
		{"limit=1000", 200},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/reports?"+tt.query, nil)
		if got := queryLimit(r, 20, 200); got != tt.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
