// Package core is the root controller: it builds one supervisor per declared
// process (or a cluster of them), routes operator commands from the bus, and
// broadcasts shutdown.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pupteam/pup/internal/cluster"
	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/eventlog"
	"github.com/pupteam/pup/internal/eventlog/factory"
	"github.com/pupteam/pup/internal/ipc"
	"github.com/pupteam/pup/internal/logger"
	"github.com/pupteam/pup/internal/metrics"
	"github.com/pupteam/pup/internal/supervisor"
)

// InternalError is an invariant violation; the core exits with the fatal
// internal error code.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return "internal: " + e.Err.Error() }

func (e *InternalError) Unwrap() error { return e.Err }

// commandTimeout bounds how long an operator command may wait on a
// supervisor acknowledgement.
const commandTimeout = 10 * time.Second

// Core owns every supervisor built from the plan.
type Core struct {
	plan     *config.Plan
	log      *slog.Logger
	sink     *logger.Sink
	recorder *eventlog.Recorder

	singles  []*supervisor.Supervisor
	clusters []*cluster.Cluster
	order    []*supervisor.Supervisor // flattened, plan order
	byID     map[string]*supervisor.Supervisor
	byBase   map[string][]*supervisor.Supervisor

	cancel     context.CancelFunc
	force      chan struct{}
	forceOnce  sync.Once
	terminated atomic.Bool
}

// New constructs the core from a validated plan.
func New(plan *config.Plan, log *slog.Logger) (*Core, error) {
	c := &Core{
		plan:   plan,
		log:    log,
		sink:   logger.NewSink(plan.Logger),
		force:  make(chan struct{}),
		byID:   make(map[string]*supervisor.Supervisor),
		byBase: make(map[string][]*supervisor.Supervisor),
	}

	if plan.EventLog != nil && plan.EventLog.DSN != "" {
		sink, err := factory.NewSinkFromDSN(plan.EventLog.DSN)
		if err != nil {
			return nil, fmt.Errorf("eventlog: %w", err)
		}
		if err := sink.EnsureSchema(context.Background()); err != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("eventlog schema: %w", err)
		}
		c.recorder = eventlog.NewRecorder(sink, log)
	}

	for i := range plan.Processes {
		spec := plan.Processes[i]
		if spec.Instances == 1 && spec.Path == "" {
			s := supervisor.New(c.supOptions(0, 1, spec, nil))
			c.singles = append(c.singles, s)
			c.order = append(c.order, s)
			c.byID[s.ID()] = s
			continue
		}
		cl, err := cluster.New(spec, func(inst int, instSpec config.ProcessSpec, onState func(int, supervisor.State)) supervisor.Options {
			opts := c.supOptions(inst, spec.Instances, instSpec, onState)
			opts.BaseID = spec.ID
			return opts
		}, log)
		if err != nil {
			return nil, err
		}
		c.clusters = append(c.clusters, cl)
		for _, s := range cl.Supervisors() {
			c.order = append(c.order, s)
			c.byID[s.ID()] = s
			c.byBase[cl.BaseID()] = append(c.byBase[cl.BaseID()], s)
		}
	}
	return c, nil
}

func (c *Core) supOptions(inst, size int, spec config.ProcessSpec, onState func(int, supervisor.State)) supervisor.Options {
	return supervisor.Options{
		Spec:        spec,
		BaseID:      spec.ID,
		Instance:    inst,
		ClusterSize: size,
		Port:        spec.Port,
		Plan:        c.plan,
		IPCPath:     c.plan.IPCPath,
		Log:         c.log,
		Sink:        c.sink,
		Recorder:    c.recorder,
		OnState:     onState,
	}
}

// Run executes the core until terminate (bus, API, or signal via Terminate).
// It returns once every child is reaped and every server is down.
func (c *Core) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()
	if c.terminated.Load() {
		// Terminate arrived before Run installed cancel
		cancel()
	}

	bus, err := ipc.NewServer(c.plan.IPCPath, c.handleCommand, c.log)
	if err != nil {
		return err
	}
	defer bus.Close()
	c.log.Info("ipc bus listening", "path", bus.Path())

	var metricsSrv, apiSrv *http.Server
	if c.plan.Metrics != nil && c.plan.Metrics.Listen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: c.plan.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("metrics server failed", "err", err)
			}
		}()
	}
	if c.plan.Server != nil && c.plan.Server.Listen != "" {
		apiSrv = c.startAPI()
	}

	var wg sync.WaitGroup
	for _, s := range c.singles {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			s.Run(runCtx, c.force)
		}(s)
	}
	for _, cl := range c.clusters {
		wg.Add(1)
		go func(cl *cluster.Cluster) {
			defer wg.Done()
			cl.Run(runCtx, c.force)
		}(cl)
	}

	<-runCtx.Done()
	c.log.Info("shutting down", "grace", c.plan.MaxTerminateTimeout())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.plan.MaxTerminateTimeout() + time.Second):
		c.log.Warn("shutdown grace elapsed, force-killing remainders")
		c.forceKill()
		<-done
	}

	for _, srv := range []*http.Server{metricsSrv, apiSrv} {
		if srv != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(sctx)
			scancel()
		}
	}
	if c.recorder != nil {
		c.recorder.Close()
	}
	c.sink.Close()
	c.log.Info("shutdown complete")
	return nil
}

// Terminate starts global shutdown. A second call short-circuits to an
// immediate force-kill of everything still alive.
func (c *Core) Terminate() {
	if c.terminated.CompareAndSwap(false, true) {
		if c.cancel != nil {
			c.cancel()
		}
		return
	}
	c.forceKill()
}

func (c *Core) forceKill() {
	c.forceOnce.Do(func() { close(c.force) })
}

// StatusAll snapshots every supervisor in plan order.
func (c *Core) StatusAll() []supervisor.Status {
	out := make([]supervisor.Status, 0, len(c.order))
	for _, s := range c.order {
		out = append(out, s.Status())
	}
	return out
}

// Command applies one operator command to the process named id. For a
// clustered process the base id addresses every replica.
func (c *Core) Command(typ, id string) error {
	targets := c.resolve(id)
	if len(targets) == 0 {
		return fmt.Errorf("unknown process: %s", id)
	}
	reply := make(chan error, len(targets))
	for _, s := range targets {
		switch typ {
		case ipc.TypeStart:
			s.Start(reply)
		case ipc.TypeStop:
			s.Stop(reply)
		case ipc.TypeRestart:
			s.Restart(reply)
		case ipc.TypeBlock:
			s.Block(reply)
		case ipc.TypeUnblock:
			s.Unblock(reply)
		default:
			return fmt.Errorf("unknown command: %s", typ)
		}
	}
	deadline := time.After(commandTimeout)
	var firstErr error
	for range targets {
		select {
		case err := <-reply:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-deadline:
			return fmt.Errorf("command %s %s timed out", typ, id)
		}
	}
	return firstErr
}

func (c *Core) resolve(id string) []*supervisor.Supervisor {
	if s, ok := c.byID[id]; ok {
		return []*supervisor.Supervisor{s}
	}
	return c.byBase[id]
}

// handleCommand serialises bus commands into the core.
func (c *Core) handleCommand(m ipc.Message) ipc.Message {
	switch m.Type {
	case ipc.TypeStart, ipc.TypeStop, ipc.TypeRestart, ipc.TypeBlock, ipc.TypeUnblock:
		if m.ID == "" {
			return ipc.Errorf("%s requires id", m.Type)
		}
		if err := c.Command(m.Type, m.ID); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.OK()
	case ipc.TypeStatus:
		body, err := json.Marshal(struct {
			Processes []supervisor.Status `json:"processes"`
		}{Processes: c.StatusAll()})
		if err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Message{Type: ipc.TypeStatus, Payload: body}
	case ipc.TypeTerminate:
		c.Terminate()
		return ipc.OK()
	default:
		return ipc.Errorf("unknown command type %q", m.Type)
	}
}
