// Package eventlog persists supervisor lifecycle events to an external sink
// selected by DSN. Recording is best-effort and asynchronous: a slow or dead
// sink never stalls a supervisor.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventRestart  EventType = "restart"
	EventFailed   EventType = "failed"
	EventFinished EventType = "finished"
)

// Event is one recorded lifecycle transition.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ProcessID  string    `json:"process_id"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use.
type Sink interface {
	EnsureSchema(ctx context.Context) error
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder decouples supervisors from sink latency with a bounded queue.
// Events beyond the queue capacity are dropped and counted in the log.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	ch   chan Event
	done chan struct{}
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	r := &Recorder{sink: sink, log: log, ch: make(chan Event, 256), done: make(chan struct{})}
	go r.run()
	return r
}

// Record queues one event. Never blocks.
func (r *Recorder) Record(typ EventType, processID string, pid, exitCode int, detail string) {
	e := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ProcessID:  processID,
		PID:        pid,
		ExitCode:   exitCode,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("eventlog queue full, event dropped", "process", processID, "type", typ)
	}
}

// Close drains what is queued and closes the sink.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
	_ = r.sink.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Send(ctx, e); err != nil {
			r.log.Warn("eventlog send failed", "process", e.ProcessID, "err", err)
		}
		cancel()
	}
}
