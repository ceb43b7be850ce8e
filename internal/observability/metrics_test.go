package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/beamctl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("driftctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordUpstream("cmt", "GET", "/modems/:mac/ping", 200, 24*time.Millisecond, true)
	RecordUpstream("cmt", "PUT", "/cpe_management/cpe/:mac", 0, time.Second, false)
	RecordRemoteCommand("restart_agent", 30, 5, 40*time.Second)
	RecordStep(7, "checking beams after the agent restart", 3*time.Second)
	SetBucketCounts(map[string]int{"on_goal_after_cwmp_restart": 4})
	RecordRun("full", "ok")
}

func TestPushMetrics(t *testing.T) {
	testlog.Start(t)

	var pushed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/metrics/job/driftctl") {
			t.Errorf("unexpected push path %q", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "/run_id/run-1") {
			t.Errorf("missing grouping label in %q", r.URL.Path)
		}
		_, _ = io.Copy(io.Discard, r.Body)
		pushed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	RecordRun("fast", "ok")
	if err := PushMetrics(context.Background(), srv.URL, "driftctl", map[string]string{"run_id": "run-1"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if pushed.Load() != 1 {
		t.Fatalf("expected one push, got %d", pushed.Load())
	}
}
