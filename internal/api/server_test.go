package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobservice/internal/backoff"
	"jobservice/internal/dispatch"
	"jobservice/internal/events"
	"jobservice/internal/scheduler"
	"jobservice/internal/store"
)

type jobView struct {
	ID               string `json:"id"`
	CorrelationID    string `json:"correlationId"`
	Status           string `json:"status"`
	Retries          int    `json:"retries"`
	ExecutionCounter int    `json:"executionCounter"`
	Schedule         struct {
		RepeatCount int `json:"repeatCount"`
	} `json:"schedule"`
}

type fixture struct {
	URL    string
	target string
	hits   *atomic.Int32
}

func newTestServer(t *testing.T) fixture {
	t.Helper()

	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	sched := scheduler.New(
		store.NewMemoryRepo(),
		dispatch.NewRouter(dispatch.NewHTTPSender(time.Second), nil),
		events.NewBus(),
		scheduler.Config{MaxRetries: 3, RetryBackoff: backoff.NewConstant(10 * time.Millisecond), Workers: 2},
	)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	srv := httptest.NewServer(NewServer(sched, Options{CORSAllowedOrigins: []string{"http://ui.test"}}))
	t.Cleanup(srv.Close)
	return fixture{URL: srv.URL, target: target.URL, hits: &hits}
}

func jobBody(id, url string, start time.Time, extra string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"correlationId": "proc-1",
		"recipient": {"type": "http", "url": %q, "payload": {"id": %q}},
		"schedule": {"startTime": %q, "delay": 0%s}
	}`, id, url, id, start.UTC().Format(time.RFC3339Nano), extra)
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeJob(t *testing.T, data []byte) jobView {
	t.Helper()
	var v jobView
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestCreateJob_DeliversAndExecutes(t *testing.T) {
	srv := newTestServer(t)

	resp, data := do(t, http.MethodPost, srv.URL+"/job", jobBody("J1", srv.target+"/y", time.Now().Add(100*time.Millisecond), ""))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	created := decodeJob(t, data)
	assert.Equal(t, "J1", created.ID)
	assert.Equal(t, "SCHEDULED", created.Status)

	require.Eventually(t, func() bool {
		_, data := do(t, http.MethodGet, srv.URL+"/job/J1", "")
		return decodeJob(t, data).Status == "EXECUTED"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestCreateJob_RepeatLimitTranslated(t *testing.T) {
	srv := newTestServer(t)

	resp, data := do(t, http.MethodPost, srv.URL+"/job",
		jobBody("R1", "http://x/y", time.Now().Add(time.Hour), `, "delay": 5, "delayUnit": "SECONDS", "repeatLimit": 3`))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, 2, decodeJob(t, data).Schedule.RepeatCount)
}

func TestCreateJob_NegativeRepeatLimitRejected(t *testing.T) {
	srv := newTestServer(t)

	resp, data := do(t, http.MethodPost, srv.URL+"/job",
		jobBody("N1", "http://x/y", time.Now().Add(time.Hour), `, "repeatLimit": -1`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "repeatLimit")

	resp, _ = do(t, http.MethodGet, srv.URL+"/job/N1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJob_BadBodies(t *testing.T) {
	srv := newTestServer(t)

	for name, body := range map[string]string{
		"malformed":       `{"id":`,
		"unknown variant": `{"recipient":{"type":"smtp"},"schedule":{"startTime":"2026-01-01T00:00:00Z"}}`,
		"no recipient":    `{"schedule":{"startTime":"2026-01-01T00:00:00Z"}}`,
		"no start":        `{"recipient":{"type":"http","url":"http://x/y"},"schedule":{"delay":0}}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPost, srv.URL+"/job", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetAndCancel_NotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/job/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/job/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)

	resp, data := do(t, http.MethodPost, srv.URL+"/job", jobBody("C1", srv.target+"/y", time.Now().Add(time.Hour), ""))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = do(t, http.MethodDelete, srv.URL+"/job/C1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELED", decodeJob(t, data).Status)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/job/C1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = do(t, http.MethodGet, srv.URL+"/job/C1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELED", decodeJob(t, data).Status)
	assert.Zero(t, srv.hits.Load())
}

func TestListJobsByCorrelationID(t *testing.T) {
	srv := newTestServer(t)
	later := time.Now().Add(time.Hour)

	for _, id := range []string{"A", "B"} {
		resp, data := do(t, http.MethodPost, srv.URL+"/job", jobBody(id, "http://x/y", later, ""))
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	}

	resp, data := do(t, http.MethodGet, srv.URL+"/jobs?correlationId=proc-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []jobView
	require.NoError(t, json.Unmarshal(data, &jobs))
	assert.Len(t, jobs, 2)

	_, data = do(t, http.MethodGet, srv.URL+"/jobs?correlationId=nobody", "")
	assert.JSONEq(t, `[]`, string(data))

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, data := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(data))

	resp, data = do(t, http.MethodPost, srv.URL+"/job", jobBody("M1", "http://x/y", time.Now().Add(time.Hour), ""))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	_, data = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Contains(t, string(data), "jobservice_timers_armed 1\n")
	assert.Contains(t, string(data), "jobservice_workers_total 2\n")
	assert.Contains(t, string(data), `jobservice_deliveries_total{result="failed"} 0`)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/job", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://ui.test", resp.Header.Get("Access-Control-Allow-Origin"))
}
