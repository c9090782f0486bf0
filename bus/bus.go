/*Package bus implements the named-actor request/reply message bus used by the
spectrograph control actor and its collaborators.

Every actor has a name.  A commander sends a command string to an actor and
receives a stream of replies; each reply carries a code and a map of named
fields.  The stream ends with a terminal reply, either Done or Failed.

A minimal exchange looks like

	client := bus.NewClient("lvmscp", bus.NewLoopback())
	res, err := client.Send(ctx, "lvmieb", "shutter status sp1", 5*time.Second)
	if err != nil || res.DidFail() {
		return err
	}
	status, ok := res.Get("sp1_shutter")

Transports are pluggable: MQTT for deployments, and an in-process loopback
for tests and single-process setups.
*/
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a command does not finish within its time limit
	ErrTimeout = errors.New("bus: command timed out")

	// ErrClosed is returned when the client or transport has been closed
	ErrClosed = errors.New("bus: closed")

	// ErrNoTransport is returned by a client constructed without a transport
	ErrNoTransport = errors.New("bus: no transport")

	// ErrUnknownCodec is returned by CodecByName for an unsupported encoding
	ErrUnknownCodec = errors.New("bus: unknown codec")
)

// Code is the type of a reply
type Code string

// reply codes
const (
	Debug   Code = "d"
	Info    Code = "i"
	Warning Code = "w"
	Error   Code = "e"
	Running Code = ">"
	Done    Code = ":"
	Failed  Code = "f"
)

// Terminal returns true if the code ends a command
func (c Code) Terminal() bool {
	return c == Done || c == Failed
}

// Fields are the named values carried by a reply
type Fields map[string]interface{}

// Request is a command sent to an actor
type Request struct {
	ID        string `json:"id" cbor:"id"`
	Commander string `json:"commander" cbor:"commander"`
	Actor     string `json:"actor" cbor:"actor"`
	Command   string `json:"command" cbor:"command"`

	// TimeLimit is informational; the commander enforces it
	TimeLimit time.Duration `json:"time_limit,omitempty" cbor:"time_limit,omitempty"`
}

// Reply is one message in the stream answering a Request.  Unsolicited
// replies (status broadcasts) have an empty ID.
type Reply struct {
	ID     string    `json:"id" cbor:"id"`
	Actor  string    `json:"actor" cbor:"actor"`
	Code   Code      `json:"code" cbor:"code"`
	Fields Fields    `json:"fields" cbor:"fields"`
	Time   time.Time `json:"time" cbor:"time"`
}

// Status is the state of a command as seen by the commander
type Status int

const (
	// StatusRunning means no terminal reply has arrived yet
	StatusRunning Status = iota

	// StatusDone means the actor finished the command successfully
	StatusDone

	// StatusFailed means the actor failed the command
	StatusFailed

	// StatusTimedOut means the time limit expired before a terminal reply
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed out"
	}
	return "unknown"
}

// Result is the outcome of a command sent with Send
type Result struct {
	Actor   string
	Command string
	Replies []Reply
	Status  Status
}

// DidFail is true if the command failed or timed out
func (r *Result) DidFail() bool {
	return r == nil || r.Status == StatusFailed || r.Status == StatusTimedOut
}

// DidSucceed is true if the command finished successfully
func (r *Result) DidSucceed() bool {
	return r != nil && r.Status == StatusDone
}

// Get returns the most recent value of a field across all replies
func (r *Result) Get(key string) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	for i := len(r.Replies) - 1; i >= 0; i-- {
		if v, ok := r.Replies[i].Fields[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Last returns the final reply, or a zero Reply if there are none
func (r *Result) Last() Reply {
	if r == nil || len(r.Replies) == 0 {
		return Reply{}
	}
	return r.Replies[len(r.Replies)-1]
}

// Sender can send a command to a named actor and wait for it to finish.
// A zero timeLimit means the command is bounded only by ctx.
type Sender interface {
	Send(ctx context.Context, actor, command string, timeLimit time.Duration) (*Result, error)
}

// ReplyWriter emits replies for a command being served
type ReplyWriter interface {
	Write(code Code, fields Fields) error
}

// Handler serves commands addressed to a client
type Handler func(req Request, w ReplyWriter)
