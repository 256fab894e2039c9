// Package supervisor drives the per-process state machine. Each Supervisor is
// a serial task: it owns its state and mutates it only in response to
// messages on its inbox. Cron ticks, watcher events, child exits, and
// operator commands all arrive as the same message type, so ordering
// questions have one answer: arrival order.
package supervisor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pupteam/pup/internal/child"
	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/cronexpr"
	"github.com/pupteam/pup/internal/eventlog"
	"github.com/pupteam/pup/internal/logger"
	"github.com/pupteam/pup/internal/metrics"
	"github.com/pupteam/pup/internal/watcher"
)

// State is the supervisor's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateBlocked
	StateFailed
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateBlocked:
		return "blocked"
	case StateFailed:
		return "failed"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ExitInfo records the last observed child exit.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time snapshot for the status command.
type Status struct {
	ID           string     `json:"id"`
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	Restarts     int        `json:"restarts"`
	LastExit     *ExitInfo  `json:"lastExit,omitempty"`
	NextCronFire *time.Time `json:"nextCronFire,omitempty"`
}

type msgKind int

const (
	msgStart msgKind = iota
	msgStop
	msgRestart
	msgBlock
	msgUnblock
	msgCronFire
	msgWatchChange
	msgChildExit
	msgDelayElapsed
)

type msg struct {
	kind  msgKind
	exit  child.ExitStatus
	gen   int        // matches a scheduled restart delay
	reply chan error // operator commands only; may be nil
}

type stopReason int

const (
	reasonNone stopReason = iota
	reasonManual
	reasonRestartCmd
	reasonWatch
)

// Options wire one Supervisor into the core.
type Options struct {
	Spec        config.ProcessSpec // per-instance copy; ID may carry the replica suffix
	BaseID      string
	Instance    int // 0-based replica index
	ClusterSize int
	Port        int // backend port for this replica; 0 when unused
	Plan        *config.Plan
	IPCPath     string
	Log         *slog.Logger
	Sink        *logger.Sink
	Recorder    *eventlog.Recorder            // may be nil
	OnState     func(instance int, st State) // synchronous state publication; may be nil
}

// Supervisor owns at most one live child at a time and is itself owned by the
// core (directly or via a cluster).
type Supervisor struct {
	opts  Options
	log   *slog.Logger
	inbox chan msg

	outStream *logger.Stream
	errStream *logger.Stream

	// serial state, touched only by the run loop
	state        State
	blocked      bool
	cur          *child.Child
	curGen       int
	restarts     int
	reason       stopReason
	delayGen     int
	delayPending bool

	quit  chan struct{} // closed when the run loop ends; unblocks enqueue
	force <-chan struct{}

	mu       sync.Mutex
	snapshot Status
}

// New creates the supervisor in CREATED. Run must be called exactly once.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		opts:  opts,
		log:   opts.Log.With("process", opts.Spec.ID),
		inbox: make(chan msg, 64),
		quit:  make(chan struct{}),
		state: StateCreated,
	}
	if opts.Sink != nil {
		s.outStream = opts.Sink.Register(opts.Spec.ID, "stdout")
		s.errStream = opts.Sink.Register(opts.Spec.ID, "stderr")
	}
	s.publish()
	return s
}

// ID returns the (instance-qualified) process id.
func (s *Supervisor) ID() string { return s.opts.Spec.ID }

// Status returns the latest published snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Operator commands. All are idempotent; the returned channel (when the
// caller passes one) is completed after the message has been processed.

func (s *Supervisor) Start(reply chan error)   { s.enqueue(msg{kind: msgStart, reply: reply}) }
func (s *Supervisor) Stop(reply chan error)    { s.enqueue(msg{kind: msgStop, reply: reply}) }
func (s *Supervisor) Restart(reply chan error) { s.enqueue(msg{kind: msgRestart, reply: reply}) }
func (s *Supervisor) Block(reply chan error)   { s.enqueue(msg{kind: msgBlock, reply: reply}) }
func (s *Supervisor) Unblock(reply chan error) { s.enqueue(msg{kind: msgUnblock, reply: reply}) }

func (s *Supervisor) enqueue(m msg) {
	select {
	case s.inbox <- m:
	case <-s.quit:
		if m.reply != nil {
			m.reply <- context.Canceled
		}
	}
}

// Run executes the supervisor task until ctx is cancelled. force short-cuts
// the graceful shutdown to an immediate kill.
func (s *Supervisor) Run(ctx context.Context, force <-chan struct{}) {
	s.force = force

	s.startTriggers(ctx)
	if s.opts.Spec.Autostart {
		s.handleStart(false)
	}

	for {
		select {
		case m := <-s.inbox:
			s.handle(m)
			if m.reply != nil {
				m.reply <- nil
			}
		case <-ctx.Done():
			close(s.quit)
			s.shutdown()
			return
		}
	}
}

// startTriggers launches the cron ticker and the watch listener. Both only
// ever enqueue; all decisions stay in the run loop.
func (s *Supervisor) startTriggers(ctx context.Context) {
	if expr := s.opts.Spec.Cron; expr != "" {
		sched, err := cronexpr.Parse(expr)
		if err != nil {
			// unreachable after config validation; treat as inactive
			s.log.Error("cron expression rejected", "expr", expr, "err", err)
		} else {
			go s.cronLoop(ctx, sched)
		}
	}
	if len(s.opts.Spec.Watch) > 0 {
		w, err := watcher.New(s.opts.Spec.Watch, 0)
		if err != nil {
			s.log.Warn("watch trigger disabled", "err", err)
		} else {
			go s.watchLoop(ctx, w)
		}
	}
}

func (s *Supervisor) cronLoop(ctx context.Context, sched cronexpr.Schedule) {
	from := time.Now()
	for {
		next, ok := sched.Next(from)
		if !ok {
			s.log.Info("cron schedule has no future fire instant, trigger inactive")
			return
		}
		s.setNextCronFire(next)
		t := time.NewTimer(time.Until(next))
		select {
		case <-t.C:
			s.enqueue(msg{kind: msgCronFire})
			from = next
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Supervisor) watchLoop(ctx context.Context, w *watcher.Watcher) {
	defer func() { _ = w.Close() }()
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			s.enqueue(msg{kind: msgWatchChange})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handle(m msg) {
	if s.blocked && m.kind != msgUnblock && m.kind != msgChildExit {
		s.log.Debug("trigger dropped while blocked", "kind", m.kind)
		return
	}
	switch m.kind {
	case msgStart:
		s.handleStart(true)
	case msgStop:
		s.handleStop()
	case msgRestart:
		s.handleRestart()
	case msgBlock:
		s.handleBlock()
	case msgUnblock:
		s.handleUnblock()
	case msgCronFire:
		s.handleCronFire()
	case msgWatchChange:
		s.handleWatchChange()
	case msgChildExit:
		s.handleChildExit(m)
	case msgDelayElapsed:
		s.handleDelayElapsed(m.gen)
	}
}

func (s *Supervisor) handleStart(manual bool) {
	switch s.state {
	case StateStarting, StateRunning, StateStopping:
		return // idempotent
	}
	s.cancelDelay()
	if manual {
		s.restarts = 0
	}
	s.spawn()
}

func (s *Supervisor) handleStop() {
	s.cancelDelay()
	switch s.state {
	case StateRunning, StateStarting:
		s.beginStop(reasonManual)
	case StateStopping:
		// already on the way down
	default:
		s.setState(StateStopped)
	}
}

func (s *Supervisor) handleRestart() {
	s.cancelDelay()
	switch s.state {
	case StateRunning, StateStarting:
		s.beginStop(reasonRestartCmd)
	default:
		s.restarts = 0
		s.spawn()
	}
}

func (s *Supervisor) handleBlock() {
	s.blocked = true
	s.cancelDelay()
	if !s.childAlive() {
		s.setState(StateBlocked)
	}
	// a live child keeps running; only triggers are suppressed
}

func (s *Supervisor) handleUnblock() {
	if !s.blocked {
		return
	}
	s.blocked = false
	if s.state == StateBlocked {
		// a dead child is never resurrected by unblock
		s.setState(StateCreated)
	}
}

func (s *Supervisor) handleCronFire() {
	switch {
	case s.state == StateRunning || s.state == StateStarting:
		s.log.Debug("cron fire skipped, child still running")
	case s.state == StateStopping:
		s.log.Debug("cron fire dropped during stop")
	case s.delayPending:
		s.log.Debug("cron fire dropped during restart delay")
	default:
		s.spawn()
	}
}

// handleWatchChange restarts regardless of the restart policy.
func (s *Supervisor) handleWatchChange() {
	switch s.state {
	case StateRunning, StateStarting:
		s.beginStop(reasonWatch)
	case StateStopping:
	default:
		s.cancelDelay()
		s.restarts++
		s.spawn()
	}
}

func (s *Supervisor) handleChildExit(m msg) {
	if s.cur == nil || m.gen != s.curGen {
		return // stale exit from a superseded child
	}
	s.cur = nil
	s.recordExit(m.exit)
	metrics.IncStop(s.ID())
	reason := s.reason
	s.reason = reasonNone

	if s.blocked {
		s.setState(StateBlocked)
		return
	}

	switch reason {
	case reasonManual:
		s.setState(StateStopped)
		s.record(eventlog.EventStop, m.exit)
	case reasonRestartCmd:
		s.setState(StateStopped)
		s.restarts = 0
		s.spawn()
	case reasonWatch:
		s.setState(StateStopped)
		s.restarts++
		s.record(eventlog.EventRestart, m.exit)
		s.spawn()
	default:
		s.applyExitPolicy(m.exit)
	}
}

// applyExitPolicy decides what a self-terminated child leads to.
func (s *Supervisor) applyExitPolicy(st child.ExitStatus) {
	policy := s.opts.Spec.Restart
	switch {
	case st.Success() && policy != config.RestartAlways:
		s.setState(StateFinished)
		s.record(eventlog.EventFinished, st)
	case !st.Success() && policy == config.RestartNever:
		s.setState(StateFailed)
		s.record(eventlog.EventFailed, st)
	default:
		s.setState(StateStopped)
		s.scheduleRestart(st)
	}
}

// scheduleRestart arms the restart-delay timer, or fails the supervisor when
// the restart budget is exhausted.
func (s *Supervisor) scheduleRestart(st child.ExitStatus) {
	if lim := s.opts.Spec.RestartLimit; lim != nil && s.restarts >= *lim {
		s.setState(StateFailed)
		s.record(eventlog.EventFailed, st)
		s.log.Warn("restart limit reached", "restarts", s.restarts)
		return
	}
	s.delayGen++
	s.delayPending = true
	gen := s.delayGen
	delay := s.opts.Spec.RestartDelay()
	time.AfterFunc(delay, func() {
		s.enqueue(msg{kind: msgDelayElapsed, gen: gen})
	})
}

func (s *Supervisor) handleDelayElapsed(gen int) {
	if !s.delayPending || gen != s.delayGen || s.state != StateStopped {
		return // delay was cancelled or superseded
	}
	s.delayPending = false
	s.restarts++
	metrics.IncRestart(s.ID())
	s.record(eventlog.EventRestart, child.ExitStatus{})
	s.spawn()
}

func (s *Supervisor) cancelDelay() {
	s.delayGen++
	s.delayPending = false
}

// spawn launches a new child. A spawn failure is a failed start and flows
// through the same restart controller as a non-zero exit.
func (s *Supervisor) spawn() {
	s.setState(StateStarting)
	spec := &s.opts.Spec

	size := s.opts.ClusterSize
	if size < 1 {
		size = 1
	}
	extra := map[string]string{
		"PUP_PROCESS_ID":       spec.ID,
		"PUP_IPC":              s.opts.IPCPath,
		"PUP_CLUSTER_INSTANCE": strconv.Itoa(s.opts.Instance),
		"PUP_CLUSTER_SIZE":     strconv.Itoa(size),
	}
	if s.opts.Port != 0 {
		extra["PUP_CLUSTER_PORT"] = strconv.Itoa(s.opts.Port)
	}

	var stdout, stderr func(child.Line)
	if s.outStream != nil {
		out, errS := s.outStream, s.errStream
		stdout = func(l child.Line) { out.Write(logger.Entry{Text: l.Text, At: l.At}) }
		stderr = func(l child.Line) { errS.Write(logger.Entry{Text: l.Text, At: l.At}) }
	}

	c, err := child.Start(child.Options{
		Argv:   spec.Cmd,
		Dir:    spec.Cwd,
		Env:    s.opts.Plan.MergedEnv(spec, extra),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		s.log.Error("spawn failed", "err", err)
		s.recordExit(child.ExitStatus{Code: -1, At: time.Now(), Err: err})
		if s.opts.Spec.Restart == config.RestartNever {
			s.setState(StateFailed)
			s.record(eventlog.EventFailed, child.ExitStatus{Code: -1})
			return
		}
		s.setState(StateStopped)
		s.scheduleRestart(child.ExitStatus{Code: -1})
		return
	}

	s.cur = c
	s.curGen++
	gen := s.curGen
	s.setPID(c.PID())
	s.setState(StateRunning)
	metrics.IncStart(s.ID())
	s.record(eventlog.EventStart, child.ExitStatus{})
	s.log.Info("child started", "pid", c.PID())

	go func() {
		st := c.Wait()
		s.enqueue(msg{kind: msgChildExit, exit: st, gen: gen})
	}()
}

// beginStop sends the graceful signal and arms the force-kill deadline.
func (s *Supervisor) beginStop(reason stopReason) {
	s.reason = reason
	s.setState(StateStopping)
	c := s.cur
	if c == nil {
		return
	}
	c.Terminate()
	timeout := s.opts.Spec.TerminateTimeout()
	go func() {
		select {
		case <-c.Done():
		case <-time.After(timeout):
			s.log.Warn("terminate timeout elapsed, force-killing", "pid", c.PID())
			c.Kill()
		}
	}()
}

// shutdown implements the global terminate: graceful signal, bounded wait,
// force-kill on timeout or on a second terminate.
func (s *Supervisor) shutdown() {
	c := s.cur
	if c != nil && s.childAlive() {
		s.setState(StateStopping)
		c.Terminate()
		select {
		case <-c.Done():
		case <-s.force:
			c.Kill()
			<-c.Done()
		case <-time.After(s.opts.Spec.TerminateTimeout()):
			s.log.Warn("force-kill at shutdown", "pid", c.PID())
			c.Kill()
			<-c.Done()
		}
		s.recordExit(c.ExitStatus())
		s.record(eventlog.EventStop, c.ExitStatus())
		s.cur = nil
	}
	s.setState(StateStopped)
}

func (s *Supervisor) childAlive() bool {
	if s.cur == nil {
		return false
	}
	select {
	case <-s.cur.Done():
		return false
	default:
		return true
	}
}

func (s *Supervisor) setState(st State) {
	if st == s.state {
		return
	}
	from := s.state
	s.state = st
	metrics.RecordStateTransition(s.ID(), from.String(), st.String())
	s.log.Debug("state transition", "from", from.String(), "to", st.String())
	if st != StateRunning && st != StateStopping {
		s.setPID(0)
	}
	s.publish()
	if s.opts.OnState != nil {
		s.opts.OnState(s.opts.Instance, st)
	}
}

func (s *Supervisor) setPID(pid int) {
	s.mu.Lock()
	s.snapshot.PID = pid
	s.mu.Unlock()
}

func (s *Supervisor) setNextCronFire(t time.Time) {
	s.mu.Lock()
	s.snapshot.NextCronFire = &t
	s.mu.Unlock()
	s.log.Debug("next cron fire", "at", t)
}

func (s *Supervisor) recordExit(st child.ExitStatus) {
	s.mu.Lock()
	s.snapshot.LastExit = &ExitInfo{Code: st.Code, Signal: st.Signal, At: st.At}
	s.mu.Unlock()
	s.publish()
}

func (s *Supervisor) publish() {
	s.mu.Lock()
	s.snapshot.ID = s.opts.Spec.ID
	s.snapshot.State = s.state.String()
	s.snapshot.Restarts = s.restarts
	s.mu.Unlock()
}

func (s *Supervisor) record(typ eventlog.EventType, st child.ExitStatus) {
	if s.opts.Recorder == nil {
		return
	}
	pid := 0
	s.mu.Lock()
	pid = s.snapshot.PID
	s.mu.Unlock()
	detail := ""
	if st.Signal != "" {
		detail = "signal:" + st.Signal
	}
	s.opts.Recorder.Record(typ, s.ID(), pid, st.Code, detail)
}
