package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/ipc"
	"github.com/pupteam/pup/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ms(v int) *int { return &v }

func testPlan(t *testing.T, specs ...config.ProcessSpec) *config.Plan {
	t.Helper()
	dir := t.TempDir()
	for i := range specs {
		if specs[i].Instances == 0 {
			specs[i].Instances = 1
		}
		if specs[i].Restart == "" {
			specs[i].Restart = config.RestartNever
		}
	}
	return &config.Plan{
		Dir:       dir,
		IPCPath:   filepath.Join(dir, ".pup", "pup.sock"),
		Processes: specs,
	}
}

// startCore runs a core until the test ends; the returned channel yields
// Run's result.
func startCore(t *testing.T, plan *config.Plan) (*Core, chan error) {
	t.Helper()
	c, err := New(plan, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- c.Run(context.Background())
		close(finished)
	}()
	t.Cleanup(func() {
		c.Terminate()
		select {
		case <-finished:
		case <-time.After(10 * time.Second):
			t.Error("core did not shut down")
		}
	})
	return c, done
}

func waitState(t *testing.T, c *Core, id, state string) supervisor.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range c.StatusAll() {
			if st.ID == id && st.State == state {
				return st
			}
		}
		time.Sleep(15 * time.Millisecond)
	}
	t.Fatalf("%s never reached %q; have %+v", id, state, c.StatusAll())
	return supervisor.Status{}
}

func TestCoreLifecycleOverBus(t *testing.T) {
	requireUnix(t)
	plan := testPlan(t,
		config.ProcessSpec{ID: "a", Cmd: []string{"/bin/sleep", "60"}, Autostart: true, TerminateTimeoutMs: ms(300)},
		config.ProcessSpec{ID: "b", Cmd: []string{"/bin/true"}},
	)
	c, _ := startCore(t, plan)
	waitState(t, c, "a", "running")

	// b is manual-only and stays CREATED until started over the bus
	if st := waitState(t, c, "b", "created"); st.PID != 0 {
		t.Fatalf("created process has pid: %+v", st)
	}

	cl, err := ipc.Dial(plan.IPCPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = cl.Close() }()

	reply, err := cl.Request(ipc.Message{Type: ipc.TypeStart, ID: "b"})
	if err != nil || reply.Type != ipc.TypeOK {
		t.Fatalf("start b: %v %+v", err, reply)
	}
	waitState(t, c, "b", "finished")

	reply, err = cl.Request(ipc.Message{Type: ipc.TypeStatus})
	if err != nil || reply.Type != ipc.TypeStatus {
		t.Fatalf("status: %v %+v", err, reply)
	}
	var body struct {
		Processes []supervisor.Status `json:"processes"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if len(body.Processes) != 2 || body.Processes[0].ID != "a" || body.Processes[1].ID != "b" {
		t.Fatalf("status = %+v", body.Processes)
	}

	reply, err = cl.Request(ipc.Message{Type: ipc.TypeStop, ID: "a"})
	if err != nil || reply.Type != ipc.TypeOK {
		t.Fatalf("stop a: %v %+v", err, reply)
	}
	waitState(t, c, "a", "stopped")
}

func TestCommandUnknownProcess(t *testing.T) {
	requireUnix(t)
	plan := testPlan(t, config.ProcessSpec{ID: "a", Cmd: []string{"/bin/true"}})
	c, _ := startCore(t, plan)
	if err := c.Command(ipc.TypeStart, "ghost"); err == nil {
		t.Fatal("expected error for unknown process")
	}
}

func TestBusConflict(t *testing.T) {
	requireUnix(t)
	plan := testPlan(t, config.ProcessSpec{ID: "a", Cmd: []string{"/bin/true"}})
	startCore(t, plan)
	time.Sleep(100 * time.Millisecond)

	second, err := New(plan, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = second.Run(context.Background())
	if !errors.Is(err, ipc.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTerminateReapsStubbornChildren(t *testing.T) {
	requireUnix(t)
	var specs []config.ProcessSpec
	ids := []string{"s0", "s1", "s2", "s3", "s4"}
	for _, id := range ids {
		specs = append(specs, config.ProcessSpec{
			ID:                 id,
			Cmd:                []string{"/bin/sh", "-c", "trap '' TERM; sleep 60"},
			Autostart:          true,
			TerminateTimeoutMs: ms(200),
		})
	}
	c, done := startCore(t, testPlan(t, specs...))
	for _, id := range ids {
		waitState(t, c, id, "running")
	}
	time.Sleep(150 * time.Millisecond) // let every trap install

	start := time.Now()
	c.Terminate()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("terminate did not complete")
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("terminate took %v with a 200ms grace", elapsed)
	}
	for _, st := range c.StatusAll() {
		if st.State != "stopped" {
			t.Fatalf("%s = %q after terminate", st.ID, st.State)
		}
	}
}

func TestClusterFanOut(t *testing.T) {
	requireUnix(t)
	plan := testPlan(t, config.ProcessSpec{
		ID:                 "e",
		Cmd:                []string{"/bin/sleep", "60"},
		Autostart:          true,
		Instances:          3,
		TerminateTimeoutMs: ms(300),
	})
	c, _ := startCore(t, plan)
	waitState(t, c, "e-0", "running")
	waitState(t, c, "e-1", "running")
	waitState(t, c, "e-2", "running")

	// the base id addresses every replica
	if err := c.Command(ipc.TypeStop, "e"); err != nil {
		t.Fatalf("stop e: %v", err)
	}
	waitState(t, c, "e-0", "stopped")
	waitState(t, c, "e-1", "stopped")
	waitState(t, c, "e-2", "stopped")
}
