package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// call tracks the replies to one command in flight
type call struct {
	mu      sync.Mutex
	replies []Reply
	final   Code
	done    chan struct{}
}

func (c *call) add(r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final != "" {
		return
	}
	c.replies = append(c.replies, r)
	if r.Code.Terminal() {
		c.final = r.Code
		close(c.done)
	}
}

func (c *call) snapshot() ([]Reply, Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out, c.final
}

// Client is a named participant on the bus.  It can send commands to other
// actors and serve commands addressed to itself.
type Client struct {
	Name   string
	Topics Topics

	transport Transport
	codec     Codec

	mu      sync.Mutex
	pending map[string]*call
	started bool
	closed  bool
}

// Option configures a Client
type Option func(*Client)

// WithCodec sets the wire encoding, JSON by default
func WithCodec(c Codec) Option {
	return func(cl *Client) {
		if c != nil {
			cl.codec = c
		}
	}
}

// WithPrefix sets the topic prefix
func WithPrefix(prefix string) Option {
	return func(cl *Client) {
		cl.Topics.Prefix = prefix
	}
}

// NewClient returns a client named name on transport t
func NewClient(name string, t Transport, opts ...Option) *Client {
	c := &Client{
		Name:      name,
		Topics:    Topics{Prefix: "lvm"},
		transport: t,
		codec:     JSON,
		pending:   make(map[string]*call),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Codec returns the encoding in use
func (c *Client) Codec() Codec {
	return c.codec
}

func (c *Client) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.transport == nil {
		return ErrNoTransport
	}
	if c.started {
		return nil
	}
	if err := c.transport.Subscribe(c.Topics.Reply(c.Name), c.onReply); err != nil {
		return err
	}
	c.started = true
	return nil
}

func (c *Client) onReply(topic string, payload []byte) {
	var r Reply
	if err := c.codec.Unmarshal(payload, &r); err != nil {
		log.Printf("bus: %s: undecodable reply on %s: %v\n", c.Name, topic, err)
		return
	}
	c.mu.Lock()
	cl, ok := c.pending[r.ID]
	c.mu.Unlock()
	if ok {
		cl.add(r)
	}
}

// Send sends command to actor and collects replies until a terminal reply
// arrives, the time limit expires, or ctx is done.  On timeout the partial
// result is returned alongside an error wrapping ErrTimeout.
func (c *Client) Send(ctx context.Context, actor, command string, timeLimit time.Duration) (*Result, error) {
	if err := c.start(); err != nil {
		return nil, err
	}
	if timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}

	req := Request{
		ID:        uuid.NewString(),
		Commander: c.Name,
		Actor:     actor,
		Command:   command,
		TimeLimit: timeLimit,
	}
	cl := &call{done: make(chan struct{})}
	c.mu.Lock()
	c.pending[req.ID] = cl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	payload, err := c.codec.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Publish(c.Topics.Command(actor), payload); err != nil {
		return nil, err
	}

	res := &Result{Actor: actor, Command: command}
	select {
	case <-cl.done:
	case <-ctx.Done():
	}
	var final Code
	res.Replies, final = cl.snapshot()
	switch final {
	case Done:
		res.Status = StatusDone
	case Failed:
		res.Status = StatusFailed
	default:
		if ctx.Err() == context.DeadlineExceeded {
			res.Status = StatusTimedOut
			return res, fmt.Errorf("%w: %s %q after %v", ErrTimeout, actor, command, timeLimit)
		}
		res.Status = StatusFailed
		return res, ctx.Err()
	}
	return res, nil
}

type replyWriter struct {
	c   *Client
	req Request
	mu  sync.Mutex
	end bool
}

func (w *replyWriter) Write(code Code, fields Fields) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.end {
		return fmt.Errorf("bus: reply to finished command %s", w.req.ID)
	}
	if code.Terminal() {
		w.end = true
	}
	return w.c.publish(w.c.Topics.Reply(w.req.Commander), Reply{
		ID:     w.req.ID,
		Actor:  w.c.Name,
		Code:   code,
		Fields: fields,
		Time:   time.Now().UTC(),
	})
}

func (c *Client) publish(topic string, r Reply) error {
	if r.Fields == nil {
		r.Fields = Fields{}
	}
	payload, err := c.codec.Marshal(r)
	if err != nil {
		return err
	}
	return c.transport.Publish(topic, payload)
}

// Serve subscribes to the client's command topic and calls h for every
// request, each in its own goroutine.  Commands must be finished by writing
// a terminal reply.
func (c *Client) Serve(h Handler) error {
	if err := c.start(); err != nil {
		return err
	}
	return c.transport.Subscribe(c.Topics.Command(c.Name), func(topic string, payload []byte) {
		var req Request
		if err := c.codec.Unmarshal(payload, &req); err != nil {
			log.Printf("bus: %s: undecodable request on %s: %v\n", c.Name, topic, err)
			return
		}
		go h(req, &replyWriter{c: c, req: req})
	})
}

// Broadcast publishes an unsolicited reply on the client's status topic
func (c *Client) Broadcast(code Code, fields Fields) error {
	if c.transport == nil {
		return ErrNoTransport
	}
	return c.publish(c.Topics.Status(c.Name), Reply{
		Actor:  c.Name,
		Code:   code,
		Fields: fields,
		Time:   time.Now().UTC(),
	})
}

// Watch calls fn with every unsolicited reply broadcast by actor
func (c *Client) Watch(actor string, fn func(Reply)) error {
	if c.transport == nil {
		return ErrNoTransport
	}
	return c.transport.Subscribe(c.Topics.Status(actor), func(topic string, payload []byte) {
		var r Reply
		if err := c.codec.Unmarshal(payload, &r); err != nil {
			return
		}
		fn(r)
	})
}

// Close closes the underlying transport
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
