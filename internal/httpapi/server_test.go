package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communiday/eventcore-go/internal/progress"
	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Queue, *progress.Bridge) {
	t.Helper()
	mem := store.NewMemory()
	q := queue.New(mem, nil, nil)
	bridge := progress.NewBridge(q, mem, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = bridge.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	srv := httptest.NewServer(New(q, bridge, nil, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, q, bridge
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	status := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestEnqueueAndFetchJob(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/jobs", "application/json",
		strings.NewReader(`{"type":"flyer","payload":{"owner_id":"u1"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	jobID := created["job_id"]
	require.NotEmpty(t, jobID)

	var job queue.Job
	status := getJSON(t, srv.URL+"/jobs/"+jobID, &job)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, queue.TypeFlyer, job.Type)
	assert.Equal(t, queue.StatusPending, job.Status)
}

func TestEnqueueValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"payload":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	status := getJSON(t, srv.URL+"/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetProgress(t *testing.T) {
	srv, q, _ := newTestServer(t)
	ctx := context.Background()

	// Nothing recorded for unknown jobs.
	status := getJSON(t, srv.URL+"/jobs/unknown/progress", nil)
	assert.Equal(t, http.StatusNotFound, status)

	id, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{"owner_id": "u1"})
	require.NoError(t, err)

	p := 30
	st := queue.StatusProcessing
	require.NoError(t, q.UpdateStatus(ctx, id, queue.Update{Status: &st, Progress: &p}))

	require.Eventually(t, func() bool {
		var pc progress.Context
		if getJSON(t, srv.URL+"/jobs/"+id+"/progress", &pc) != http.StatusOK {
			return false
		}
		return pc.Progress == 30
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListOwnerJobs(t *testing.T) {
	srv, q, _ := newTestServer(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{"owner_id": "alice"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeCivicReport, map[string]any{"owner_id": "alice"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeFlyer, map[string]any{"owner_id": "bob"})
	require.NoError(t, err)

	var jobs []progress.JobWithProgress
	status := getJSON(t, srv.URL+"/jobs?owner_id=alice", &jobs)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, jobs, 2)

	status = getJSON(t, srv.URL+"/jobs", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStats(t *testing.T) {
	srv, q, _ := newTestServer(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.TypeFlyer, map[string]any{"owner_id": "alice"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TypeCleanup, map[string]any{})
	require.NoError(t, err)

	var stats struct {
		PendingJobs     int64 `json:"pending_jobs"`
		RealtimeClients int   `json:"realtime_clients"`
	}
	status := getJSON(t, srv.URL+"/stats", &stats)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, stats.PendingJobs)
	assert.Zero(t, stats.RealtimeClients)
}

func TestUploadBlob(t *testing.T) {
	srv, q, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/blobs", "application/octet-stream",
		strings.NewReader("fake image bytes"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["blob_key"])

	blob, err := q.GetBlob(context.Background(), body["blob_key"])
	require.NoError(t, err)
	assert.Equal(t, "fake image bytes", string(blob))
}

func TestUploadBlobEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/blobs", "application/octet-stream", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
