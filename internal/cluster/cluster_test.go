package cluster

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/supervisor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCluster(t *testing.T, n int) *Cluster {
	t.Helper()
	spec := config.ProcessSpec{
		ID:        "e",
		Cmd:       []string{"/bin/sleep", "60"},
		Instances: n,
		Path:      "/api",
		Port:      9000,
		Listen:    "127.0.0.1:0",
	}
	c, err := New(spec, func(inst int, instSpec config.ProcessSpec, onState func(int, supervisor.State)) supervisor.Options {
		return supervisor.Options{
			Spec:        instSpec,
			BaseID:      spec.ID,
			Instance:    inst,
			ClusterSize: n,
			Port:        instSpec.Port,
			Plan:        &config.Plan{},
			Log:         discardLogger(),
			OnState:     onState,
		}
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestReplicaNamingAndPorts(t *testing.T) {
	c := testCluster(t, 3)
	sups := c.Supervisors()
	if len(sups) != 3 {
		t.Fatalf("got %d supervisors", len(sups))
	}
	for i, s := range sups {
		want := fmt.Sprintf("e-%d", i)
		if s.ID() != want {
			t.Fatalf("replica %d id = %q, want %q", i, s.ID(), want)
		}
	}
	for i, tgt := range c.targets {
		if want := fmt.Sprintf("http://127.0.0.1:%d", 9000+i); tgt.URL.String() != want {
			t.Fatalf("target %d = %q, want %q", i, tgt.URL, want)
		}
	}
}

func TestPickRunningSkipsNonRunning(t *testing.T) {
	c := testCluster(t, 3)
	if c.pickRunning() != nil {
		t.Fatal("no replica is running yet")
	}
	c.onState(0, supervisor.StateRunning)
	c.onState(1, supervisor.StateStopped)
	c.onState(2, supervisor.StateRunning)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		tgt := c.pickRunning()
		if tgt == nil {
			t.Fatal("expected a target")
		}
		counts[tgt.Name]++
	}
	if counts["e-1"] != 0 {
		t.Fatalf("dispatched to stopped replica: %v", counts)
	}
	if counts["e-0"] != 5 || counts["e-2"] != 5 {
		t.Fatalf("round robin skew: %v", counts)
	}
}

// backendTargets swaps the proxy targets for live test servers so dispatch
// can be observed end to end without real child processes.
func backendTargets(t *testing.T, c *Cluster) []*httptest.Server {
	t.Helper()
	servers := make([]*httptest.Server, len(c.targets))
	for i := range c.targets {
		i := i
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "replica-%d", i)
		}))
		t.Cleanup(srv.Close)
		u, err := url.Parse(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		c.targets[i].URL = u
		servers[i] = srv
	}
	return servers
}

func TestFrontRoundRobinsAcrossRunningReplicas(t *testing.T) {
	c := testCluster(t, 3)
	backendTargets(t, c)
	for i := 0; i < 3; i++ {
		c.onState(i, supervisor.StateRunning)
	}

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		c.front.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
		counts[rec.Body.String()]++
	}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("replica-%d", i)
		if counts[key] != 3 {
			t.Fatalf("dispatch counts: %v", counts)
		}
	}
}

func TestFrontSkipsDeadReplica(t *testing.T) {
	c := testCluster(t, 3)
	backendTargets(t, c)
	c.onState(0, supervisor.StateRunning)
	c.onState(1, supervisor.StateFailed)
	c.onState(2, supervisor.StateRunning)

	for i := 0; i < 8; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		c.front.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		if rec.Body.String() == "replica-1" {
			t.Fatal("dispatched to a failed replica")
		}
	}
}

func TestFrontRefusesWhenNoReplicaRunning(t *testing.T) {
	c := testCluster(t, 2)
	backendTargets(t, c)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	c.front.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestFrontRejectsUnmappedPath(t *testing.T) {
	c := testCluster(t, 2)
	backendTargets(t, c)
	c.onState(0, supervisor.StateRunning)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	c.front.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
