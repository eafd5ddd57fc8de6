package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"uniclon/internal/handlers"
	"uniclon/internal/scheduler"
	"uniclon/internal/startup"
)

func TestSetupRouterRoutes(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	defer sched.Close()

	h := handlers.New(nil, sched, nil, nil, &startup.Config{})
	router := setupRouter(h)

	routes, err := startup.GetRoutes(router)
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	have := make(map[string]bool, len(routes))
	for _, r := range routes {
		have[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"GET /livez",
		"GET /readyz",
		"GET /version",
		"POST /api/renders",
		"GET /api/queue",
		"GET /api/tickets/{id}",
		"DELETE /api/tickets/{id}",
		"GET /api/users/{id}/tickets",
		"GET /api/reports",
	} {
		if !have[want] {
			t.Errorf("route %q not registered", want)
		}
	}
}

func TestSetupRouterServesQueue(t *testing.T) {
	sched := scheduler.New(scheduler.DefaultConfig())
	defer sched.Close()

	router := setupRouter(handlers.New(nil, sched, nil, nil, &startup.Config{}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /api/queue = %d", w.Code)
	}
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty list", body)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", w.Code)
	}
}
