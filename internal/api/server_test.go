package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hookwatch/internal/config"
	"github.com/t77yq/hookwatch/internal/metrics"
	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/monitor"
	"github.com/t77yq/hookwatch/internal/retry"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMonitor struct {
	configID string
	now      time.Time
	summary  monitor.Summary
	err      error
}

func (m *fakeMonitor) RunOnce(_ context.Context, now time.Time, configID string) (monitor.Summary, error) {
	m.now = now
	m.configID = configID
	return m.summary, m.err
}

type fakeRetries struct {
	summary retry.Summary
}

func (r *fakeRetries) ProcessDue(context.Context, time.Time) (retry.Summary, error) {
	return r.summary, nil
}

type fakeEvents struct {
	events []model.AlertEvent
}

func (e *fakeEvents) ListEvents(_ context.Context, configID string) ([]model.AlertEvent, error) {
	var out []model.AlertEvent
	for _, ev := range e.events {
		if ev.ConfigID == configID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, deps Dependencies) *httptest.Server {
	t.Helper()
	s := NewServer(config.ServerConfig{}, deps, zaptest.NewLogger(t))
	s.clock = func() time.Time { return fixedNow }
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestRunHealthCheck(t *testing.T) {
	mon := &fakeMonitor{summary: monitor.Summary{ConfigsChecked: 3, AlertsSent: 1, ConditionsRecorded: 2}}
	ts := newTestServer(t, Dependencies{Monitor: mon})

	resp, err := http.Post(ts.URL+"/api/v1/health-check/run?config_id=cfg-7", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body["configs_checked"])
	assert.Equal(t, 1, body["alerts_sent"])
	assert.Equal(t, 2, body["conditions_recorded"])

	assert.Equal(t, "cfg-7", mon.configID)
	assert.Equal(t, fixedNow, mon.now)
}

func TestRunHealthCheck_Failure(t *testing.T) {
	ts := newTestServer(t, Dependencies{Monitor: &fakeMonitor{err: errors.New("database is locked")}})

	resp, err := http.Post(ts.URL+"/api/v1/health-check/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRunRetries(t *testing.T) {
	ts := newTestServer(t, Dependencies{
		Monitor: &fakeMonitor{},
		Retries: &fakeRetries{summary: retry.Summary{Claimed: 2, Succeeded: 1, Deferred: 1}},
	})

	resp, err := http.Post(ts.URL+"/api/v1/retries/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got retry.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, retry.Summary{Claimed: 2, Succeeded: 1, Deferred: 1}, got)
}

func TestRunRetries_NotConfigured(t *testing.T) {
	ts := newTestServer(t, Dependencies{Monitor: &fakeMonitor{}})

	resp, err := http.Post(ts.URL+"/api/v1/retries/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestListEvents(t *testing.T) {
	events := &fakeEvents{events: []model.AlertEvent{
		{ID: "ev-1", ConfigID: "cfg-1", AlertType: model.AlertTypeSlowResponseTime, Details: model.SlowResponseTimeDetails{AvgResponseTime: 900}},
		{ID: "ev-2", ConfigID: "cfg-2", AlertType: model.AlertTypeSlowResponseTime, Details: model.SlowResponseTimeDetails{AvgResponseTime: 700}},
	}}
	ts := newTestServer(t, Dependencies{Monitor: &fakeMonitor{}, Events: events})

	resp, err := http.Get(ts.URL + "/api/v1/alert-configs/cfg-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count  int `json:"count"`
		Events []struct {
			ID      string          `json:"id"`
			Details json.RawMessage `json:"alert_details"`
		} `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "ev-1", body.Events[0].ID)
	assert.Contains(t, string(body.Events[0].Details), `"avg_response_time":900`)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.AlertDispatched(string(model.AlertTypeHighFailureRate))

	ts := newTestServer(t, Dependencies{Monitor: &fakeMonitor{}, Gatherer: reg})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `hookwatch_alert_conditions_dispatched_total{alert_type="high_failure_rate"} 1`)
}
