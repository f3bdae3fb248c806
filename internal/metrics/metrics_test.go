package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/callforward/internal/agi"
	dto "github.com/prometheus/client_model/go"
)

type fakeRules struct {
	n   int64
	err error
}

func (f fakeRules) Count(context.Context) (int64, error) { return f.n, f.err }

type fakeAGI struct{ st agi.Stats }

func (f fakeAGI) Stats() agi.Stats { return f.st }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := NewRegistry(c).Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCollector(t *testing.T) {
	stats := agi.Stats{
		Sessions:     map[agi.Outcome]uint64{agi.OutcomeHandled: 7, agi.OutcomeAuthFailed: 2},
		AuthFailures: 2,
		Active:       1,
		BlockedPeers: 3,
	}
	c := NewCollector(fakeRules{n: 4}, fakeAGI{st: stats}, time.Now().Add(-time.Minute), testLogger())
	fams := gather(t, c)

	if got := fams["callforward_rules"].GetMetric()[0].GetGauge().GetValue(); got != 4 {
		t.Errorf("callforward_rules = %v, want 4", got)
	}
	if got := fams["callforward_agi_auth_failures_total"].GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("auth failures = %v, want 2", got)
	}
	if got := fams["callforward_agi_blocked_peers"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("blocked peers = %v, want 3", got)
	}
	if got := fams["callforward_agi_sessions_active"].GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := fams["callforward_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(); got < 60 {
		t.Errorf("uptime = %v, want >= 60", got)
	}

	sessions := fams["callforward_agi_sessions_total"].GetMetric()
	if len(sessions) != len(agi.Outcomes) {
		t.Fatalf("got %d session series, want one per outcome", len(sessions))
	}
	for _, m := range sessions {
		outcome := agi.Outcome(m.GetLabel()[0].GetValue())
		if got := m.GetCounter().GetValue(); got != float64(stats.Sessions[outcome]) {
			t.Errorf("sessions{outcome=%s} = %v, want %d", outcome, got, stats.Sessions[outcome])
		}
	}
}

func TestCollectorSkipsFailedCount(t *testing.T) {
	c := NewCollector(fakeRules{err: errors.New("db closed")}, nil, time.Now(), testLogger())
	fams := gather(t, c)

	if _, ok := fams["callforward_rules"]; ok {
		t.Error("rules gauge should be omitted when the count fails")
	}
	if _, ok := fams["callforward_agi_sessions_total"]; ok {
		t.Error("agi metrics should be omitted without a provider")
	}
	if _, ok := fams["callforward_uptime_seconds"]; !ok {
		t.Error("uptime should always be reported")
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(fakeRules{n: 1}, nil, time.Now(), testLogger())
	rr := httptest.NewRecorder()
	Handler(NewRegistry(c)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"callforward_rules 1", "go_goroutines", "callforward_uptime_seconds"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
