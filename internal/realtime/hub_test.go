package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communiday/eventcore-go/internal/queue"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func notification(jobID, ownerID string, progress int) queue.Notification {
	payload, _ := json.Marshal(map[string]string{"owner_id": ownerID})
	return queue.Notification{
		Event:     "updated",
		JobID:     jobID,
		Progress:  progress,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubBroadcasts(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	hub.PublishProgress(notification("job-1", "alice", 40))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got queue.Notification
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 40, got.Progress)
}

func TestHubOwnerFilter(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "?owner_id=alice")
	waitForClients(t, hub, 1)

	hub.PublishProgress(notification("other-job", "bob", 10))
	hub.PublishProgress(notification("alice-job", "alice", 20))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got queue.Notification
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "alice-job", got.JobID, "bob's event must not reach alice's socket")
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil, nil)

	// Register a client whose write loop never runs: its zero-capacity
	// queue is permanently full, which is how a stalled consumer looks to
	// the hub.
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))
	defer srv.Close()

	_ = dialHub(t, srv, "")
	serverConn := <-connCh

	stalled := &client{conn: serverConn, send: make(chan []byte)}
	hub.mu.Lock()
	hub.clients[stalled] = struct{}{}
	hub.mu.Unlock()

	hub.PublishProgress(notification("flood", "alice", 1))
	assert.Zero(t, hub.ClientCount(), "stalled client should be dropped")
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, hub, 0)

	// Publishing to an empty hub is a no-op.
	hub.PublishProgress(notification("job-x", "alice", 5))
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Shutdown(t.Context()))
	assert.Zero(t, hub.ClientCount())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
