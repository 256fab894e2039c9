package ipc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ErrConflict means another core already owns the bus endpoint in this
// directory. The caller exits with the bus-conflict code.
var ErrConflict = errors.New("ipc: bus endpoint already in use")

// Handler processes one operator command and returns the reply to send back.
type Handler func(Message) Message

// Server accepts connections on the bus endpoint, serialises operator
// commands into the core, and relays messages between subscribed children.
type Server struct {
	path    string
	ln      net.Listener
	log     *slog.Logger
	handler Handler

	mu     sync.Mutex
	subs   map[string]*conn
	conns  map[string]*conn
	closed bool
}

type conn struct {
	id string
	c  net.Conn

	wmu sync.Mutex
}

func (c *conn) write(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(c.c, m)
}

// NewServer binds the endpoint and starts accepting. A live endpoint owned by
// another core yields ErrConflict; a stale socket file is removed.
func NewServer(path string, handler Handler, log *slog.Logger) (*Server, error) {
	ln, err := listen(path)
	if err != nil {
		return nil, err
	}
	s := &Server{
		path:    path,
		ln:      ln,
		log:     log,
		handler: handler,
		subs:    make(map[string]*conn),
		conns:   make(map[string]*conn),
	}
	go s.acceptLoop()
	return s, nil
}

// Path returns the bound endpoint path.
func (s *Server) Path() string { return s.path }

// Close stops accepting and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = s.ln.Close()
	for _, c := range conns {
		_ = c.c.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &conn{id: uuid.NewString(), c: nc}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c.id] = c
		s.mu.Unlock()
		go s.serve(c)
	}
}

func (s *Server) serve(c *conn) {
	defer func() {
		_ = c.c.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		for id, sc := range s.subs {
			if sc == c {
				delete(s.subs, id)
			}
		}
		s.mu.Unlock()
	}()

	for {
		m, err := ReadMessage(c.c)
		if err != nil {
			var ipcErr *Error
			if errors.As(err, &ipcErr) {
				s.log.Debug("ipc connection error", "conn", c.id, "err", err)
			}
			return
		}
		switch m.Type {
		case TypeSubscribe:
			s.subscribe(c, m)
		case TypeSend:
			s.relay(c, m)
		default:
			reply := s.handler(m)
			if err := c.write(reply); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(c *conn, m Message) {
	if m.ID == "" {
		_ = c.write(Errorf("subscribe requires id"))
		return
	}
	s.mu.Lock()
	s.subs[m.ID] = c
	s.mu.Unlock()
	s.log.Debug("ipc subscriber registered", "id", m.ID)
	_ = c.write(OK())
}

// relay forwards a send frame to the addressed subscriber. Sends are
// fire-and-forget so a subscriber's receive loop never races a reply; a
// failed delivery surfaces as an error frame on the sender's stream.
func (s *Server) relay(c *conn, m Message) {
	var body struct {
		To      string          `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil || body.To == "" {
		_ = c.write(Errorf("send requires payload {to, payload}"))
		return
	}
	s.mu.Lock()
	dst := s.subs[body.To]
	from := ""
	for id, sc := range s.subs {
		if sc == c {
			from = id
			break
		}
	}
	s.mu.Unlock()
	if dst == nil {
		_ = c.write(Errorf("no subscriber for %q", body.To))
		return
	}
	out, _ := json.Marshal(struct {
		From    string          `json:"from,omitempty"`
		Payload json.RawMessage `json:"payload"`
	}{From: from, Payload: body.Payload})
	if err := dst.write(Message{Type: TypeDeliver, ID: body.To, Payload: out}); err != nil {
		_ = c.write(Errorf("deliver to %q failed", body.To))
	}
}
