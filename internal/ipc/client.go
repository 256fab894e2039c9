package ipc

import (
	"encoding/json"
	"net"
	"sync"
)

// Client speaks the bus protocol. It serves both the CLI (request/reply) and
// supervised children (subscribe + send/receive).
type Client struct {
	c   net.Conn
	wmu sync.Mutex
}

// Dial connects to the bus endpoint at path.
func Dial(path string) (*Client, error) {
	c, err := dial(path)
	if err != nil {
		return nil, &Error{Err: err}
	}
	return &Client{c: c}, nil
}

func (cl *Client) Close() error { return cl.c.Close() }

// Request sends one message and waits for the next frame as its reply.
func (cl *Client) Request(m Message) (Message, error) {
	cl.wmu.Lock()
	err := WriteMessage(cl.c, m)
	cl.wmu.Unlock()
	if err != nil {
		return Message{}, err
	}
	return ReadMessage(cl.c)
}

// Subscribe registers this connection to receive relayed messages for id.
func (cl *Client) Subscribe(id string) error {
	reply, err := cl.Request(Message{Type: TypeSubscribe, ID: id})
	if err != nil {
		return err
	}
	if reply.Type != TypeOK {
		return &Error{Err: replyError(reply)}
	}
	return nil
}

// Send relays payload to the subscriber registered under to. It is
// fire-and-forget; a failed delivery arrives as an error frame on Recv.
func (cl *Client) Send(to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &Error{Err: err}
	}
	body, _ := json.Marshal(struct {
		To      string          `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}{To: to, Payload: raw})
	cl.wmu.Lock()
	defer cl.wmu.Unlock()
	return WriteMessage(cl.c, Message{Type: TypeSend, Payload: body})
}

// Recv blocks for the next frame; subscribers use it to receive deliveries.
func (cl *Client) Recv() (Message, error) {
	return ReadMessage(cl.c)
}

type reasonError string

func (r reasonError) Error() string { return string(r) }

func replyError(m Message) error {
	var reason string
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &reason)
	}
	if reason == "" {
		reason = "request failed"
	}
	return reasonError(reason)
}
