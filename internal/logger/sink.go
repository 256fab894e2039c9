package logger

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for child output files (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// maxBuffered is the per-stream backlog limit. When a destination is slower
// than the child, the oldest buffered lines are dropped beyond this and a
// single log-overflow marker is emitted for the episode.
const maxBuffered = 4 << 20

// SinkConfig describes where captured child output goes.
// Stdout names a single shared file for all children and overrides Dir.
// With Dir set, each process gets Dir/<id>.stdout.log and Dir/<id>.stderr.log.
// With neither, lines go to the supervisor's own stdout.
type SinkConfig struct {
	Stdout     string `json:"stdout" mapstructure:"stdout"`
	Dir        string `json:"dir" mapstructure:"dir"`
	Decorate   bool   `json:"decorate" mapstructure:"decorate"`
	Colors     bool   `json:"colors" mapstructure:"colors"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" mapstructure:"maxAgeDays"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Entry is one captured line, tagged with the instant it was read.
type Entry struct {
	Text string
	At   time.Time
}

// Stream accepts lines from one child stream and never blocks the caller.
type Stream struct {
	sink *Sink
	id   string
	name string // stdout or stderr

	q       []Entry
	bytes   int
	dropped bool
}

// Sink serialises all child output through a single writer goroutine so that
// lines are written atomically regardless of how many children are running.
type Sink struct {
	cfg SinkConfig

	mu      sync.Mutex
	cond    *sync.Cond
	streams []*Stream
	next    int // round-robin cursor over streams
	closed  bool
	done    chan struct{}

	shared io.WriteCloser
	files  map[string]io.WriteCloser
}

// NewSink builds a Sink from cfg. Paths must already be absolute (the config
// loader resolves them against the config file directory).
func NewSink(cfg SinkConfig) *Sink {
	s := &Sink{cfg: cfg, done: make(chan struct{}), files: make(map[string]io.WriteCloser)}
	s.cond = sync.NewCond(&s.mu)
	if cfg.Stdout != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.Stdout), 0o750)
		s.shared = &lj.Logger{
			Filename:   cfg.Stdout,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
	} else if cfg.Dir != "" {
		_ = os.MkdirAll(cfg.Dir, 0o750)
	}
	go s.run()
	return s
}

// Register attaches a new child stream. id is the process id, name is
// "stdout" or "stderr".
func (s *Sink) Register(id, name string) *Stream {
	st := &Stream{sink: s, id: id, name: name}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st
}

// Write buffers one line. If the backlog for this stream exceeds the limit,
// the oldest lines are dropped and one log-overflow marker is queued.
func (st *Stream) Write(e Entry) {
	s := st.sink
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	n := len(e.Text)
	if st.bytes+n > maxBuffered {
		for len(st.q) > 0 && st.bytes+n > maxBuffered {
			st.bytes -= len(st.q[0].Text)
			st.q = st.q[1:]
		}
		if !st.dropped {
			st.dropped = true
			st.q = append(st.q, Entry{Text: "log-overflow: buffered lines dropped", At: e.At})
		}
	}
	st.q = append(st.q, e)
	st.bytes += n
	s.cond.Signal()
	s.mu.Unlock()
}

// Close stops the writer after draining what is buffered and closes all files.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done

	if s.shared != nil {
		_ = s.shared.Close()
	}
	for _, f := range s.files {
		_ = f.Close()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		st, e, ok := s.pop()
		for !ok {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
			st, e, ok = s.pop()
		}
		s.mu.Unlock()
		s.emit(st, e)
	}
}

// pop removes the next buffered entry, rotating over streams so one noisy
// child cannot starve the others. Caller holds s.mu.
func (s *Sink) pop() (*Stream, Entry, bool) {
	n := len(s.streams)
	for i := 0; i < n; i++ {
		st := s.streams[(s.next+i)%n]
		if len(st.q) > 0 {
			e := st.q[0]
			st.q = st.q[1:]
			st.bytes -= len(e.Text)
			if len(st.q) == 0 {
				st.dropped = false
			}
			s.next = (s.next + i + 1) % n
			return st, e, true
		}
	}
	return nil, Entry{}, false
}

func (s *Sink) emit(st *Stream, e Entry) {
	w := s.writerFor(st)
	if w == nil {
		return
	}
	decorate := s.cfg.Decorate
	if s.shared == nil && s.cfg.Dir == "" {
		// console fallback is shared across children; always tag lines
		decorate = true
	}
	if decorate {
		ts := e.At.Format("2006-01-02 15:04:05.000")
		tag := st.id + ":" + st.name
		if s.cfg.Colors {
			tag = colorFor(st.id) + tag + "\033[0m"
		}
		fmt.Fprintf(w, "%s [%s] %s\n", ts, tag, e.Text)
		return
	}
	fmt.Fprintln(w, e.Text)
}

func (s *Sink) writerFor(st *Stream) io.Writer {
	if s.shared != nil {
		return s.shared
	}
	if s.cfg.Dir == "" {
		return os.Stdout
	}
	key := st.id + "." + st.name
	if w, ok := s.files[key]; ok {
		return w
	}
	w := &lj.Logger{
		Filename:   filepath.Join(s.cfg.Dir, fmt.Sprintf("%s.%s.log", st.id, st.name)),
		MaxSize:    valOr(s.cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(s.cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(s.cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   s.cfg.Compress,
	}
	s.files[key] = w
	return w
}

var palette = []string{"\033[36m", "\033[32m", "\033[33m", "\033[34m", "\033[35m", "\033[31m"}

func colorFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
