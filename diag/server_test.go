package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vpntunnel"
	"vpntunnel/ppp"
	"vpntunnel/tunnel"
)

type fakeSession struct {
	state vpntunnel.SessionState
	stats tunnel.Stats
}

func (f *fakeSession) State() vpntunnel.SessionState { return f.state }
func (f *fakeSession) Stats() tunnel.Stats            { return f.stats }

func TestHandleStatusReportsSessionStateAndStats(t *testing.T) {
	fs := &fakeSession{
		state: vpntunnel.SessionRunning,
		stats: tunnel.Stats{
			Lifecycle:      tunnel.LifecycleRunning,
			LCPState:       ppp.Opened,
			IPCPState:      ppp.Opened,
			NegotiatedIPv4: "10.0.0.5",
		},
	}
	srv := New(":0", fs, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Running", resp.SessionState)
	require.Equal(t, "Opened", resp.Stats.LCPState)
	require.Equal(t, "10.0.0.5", resp.Stats.NegotiatedIPv4)
}

func TestHandleMetricsServesPrometheusText(t *testing.T) {
	fs := &fakeSession{state: vpntunnel.SessionRunning}
	srv := New(":0", fs, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vpntunnel_lcp_state")
}

func TestHandleTraceSnapshotReturnsAppendedEvents(t *testing.T) {
	fs := &fakeSession{}
	srv := New(":0", fs, nil)
	srv.Trace().Append("state", "LCP opened")

	req := httptest.NewRequest(http.MethodGet, "/api/trace", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	var events []Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, "LCP opened", events[0].Message)
}

func TestHandleStreamEmitsConnectedThenCatchupThenLiveEvents(t *testing.T) {
	fs := &fakeSession{}
	srv := New(":0", fs, nil)
	srv.Trace().Append("state", "catchup event")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/trace/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.router.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to flush the connected event, the catchup
	// snapshot, and one live event before tearing it down.
	time.Sleep(30 * time.Millisecond)
	srv.Trace().Append("drop", "live event")
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleStream did not exit after context cancellation")
	}

	body := rec.Body.String()
	require.Contains(t, body, "event: connected")
	require.Contains(t, body, "catchup event")
	require.Contains(t, body, "live event")
}
