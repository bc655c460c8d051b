package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tontine/cmd/internal/tontine"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	b, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestRecorder_ExposesOperationsAndDrops(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	r.ObserveOperation("join_group", nil, 3*time.Millisecond)
	r.ObserveOperation("join_group", tontine.ErrGroupFull, time.Millisecond)
	r.ObserveOperation("start_group", errors.New("boom"), time.Millisecond)
	r.EventDropped(tontine.Event{Type: tontine.EventMemberJoined})
	r.OverdueMarked(2)
	r.OverdueMarked(0)

	body := scrape(t, reg)
	for _, want := range []string{
		`tontine_operations_total{op="join_group",result="ok"} 1`,
		`tontine_operations_total{op="join_group",result="invalid_state"} 1`,
		`tontine_operations_total{op="start_group",result="internal"} 1`,
		`tontine_operation_duration_seconds_count{op="join_group"} 2`,
		`tontine_events_dropped_total{type="member.joined"} 1`,
		`tontine_contributions_marked_late_total 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestNewRecorder_DuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := NewRecorder(reg); err != nil {
		t.Fatalf("first NewRecorder: %v", err)
	}
	if _, err := NewRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
