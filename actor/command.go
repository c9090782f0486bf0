package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/expose"
)

var (
	// ErrUnknownCommand is returned for a command the actor does not implement
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnbalancedQuotes is returned when a command line has an open quote
	ErrUnbalancedQuotes = errors.New("unbalanced quotes")
)

// Command is one command being served.  It implements expose.Command.
type Command struct {
	Name string
	Args []string

	// Log holds the annotations captured by the expose pre-hook
	Log expose.LogValues

	// Result is the exposure taken by the command, if any
	Result *expose.Result

	// flavour of the exposure the command submitted, empty if none
	flavour expose.Flavour

	// holdsLock is true while the command holds the HTTP lock
	holdsLock bool

	actor *Actor
	w     bus.ReplyWriter

	mu   sync.Mutex
	done bool
}

// Send sends a command to another actor
func (c *Command) Send(ctx context.Context, actor, command string, timeLimit time.Duration) (*bus.Result, error) {
	if c.actor.sender == nil {
		return nil, bus.ErrNoTransport
	}
	return c.actor.sender.Send(ctx, actor, command, timeLimit)
}

// Write emits a reply.  Replies after the command finished are dropped.
func (c *Command) Write(code bus.Code, fields bus.Fields) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	if code.Terminal() {
		c.done = true
	}
	c.mu.Unlock()
	if err := c.w.Write(code, fields); err != nil {
		log.Printf("%s: reply to %s: %v\n", c.actor.Name, c.Name, err)
	}
}

// Finish ends the command successfully
func (c *Command) Finish(fields bus.Fields) {
	c.Write(bus.Done, fields)
}

// Fail ends the command with an error message
func (c *Command) Fail(format string, args ...interface{}) {
	c.Write(bus.Failed, bus.Fields{"error": fmt.Sprintf(format, args...)})
}

// Done is true once the command finished or failed
func (c *Command) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Handler implements a command.  A returned error fails the command; a
// command that returns nil without finishing is finished with no fields.
type Handler func(ctx context.Context, cmd *Command) error

// PreHook runs before a handler; an error aborts the command
type PreHook func(ctx context.Context, cmd *Command) error

// PostHook runs after a handler with the error it returned
type PostHook func(ctx context.Context, cmd *Command, err error)

// Wrap decorates h with hooks.  Post-hooks run in order even when a pre-hook
// aborts the command.
func Wrap(h Handler, pre []PreHook, post []PostHook) Handler {
	return func(ctx context.Context, cmd *Command) (err error) {
		defer func() {
			for _, p := range post {
				p(ctx, cmd, err)
			}
		}()
		for _, p := range pre {
			if err = p(ctx, cmd); err != nil {
				return err
			}
		}
		return h(ctx, cmd)
	}
}

// newFlagSet returns a flag set that reports errors instead of printing them
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)
	return fs
}

// Split breaks a command line into words with shell quoting rules.  An
// unquoted # starts a comment.
func Split(line string) ([]string, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnbalancedQuotes, err)
	}
	return words, nil
}

// Collector is a ReplyWriter that keeps every reply, for commands run
// outside the bus
type Collector struct {
	mu      sync.Mutex
	replies []bus.Reply
}

// Write implements bus.ReplyWriter
func (c *Collector) Write(code bus.Code, fields bus.Fields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, bus.Reply{Code: code, Fields: fields, Time: time.Now().UTC()})
	return nil
}

// Result returns the collected replies as a bus result
func (c *Collector) Result(actor, command string) *bus.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &bus.Result{Actor: actor, Command: command, Replies: append([]bus.Reply(nil), c.replies...)}
	switch last := res.Last(); {
	case last.Code == bus.Done:
		res.Status = bus.StatusDone
	case last.Code == bus.Failed:
		res.Status = bus.StatusFailed
	}
	return res
}

// broadcaster is a ReplyWriter that publishes on the status topic.  Replies
// without fields are dropped.
type broadcaster struct {
	c *bus.Client
}

func (b broadcaster) Write(code bus.Code, fields bus.Fields) error {
	if len(fields) == 0 {
		return nil
	}
	return b.c.Broadcast(code, fields)
}
