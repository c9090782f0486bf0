package expose

import (
	"fmt"

	"github.com/sdss/lvmscp/bus"
)

// Command is the command an exposure runs under.  It sends commands to other
// actors and writes replies to the commander.
type Command interface {
	bus.Sender
	Write(code bus.Code, fields bus.Fields)
}

func text(cmd Command, code bus.Code, format string, args ...interface{}) {
	if cmd == nil {
		return
	}
	cmd.Write(code, bus.Fields{"text": fmt.Sprintf(format, args...)})
}

// Debug writes a debug reply
func Debug(cmd Command, format string, args ...interface{}) {
	text(cmd, bus.Debug, format, args...)
}

// Info writes an info reply
func Info(cmd Command, format string, args ...interface{}) {
	text(cmd, bus.Info, format, args...)
}

// Warning writes a warning reply
func Warning(cmd Command, format string, args ...interface{}) {
	text(cmd, bus.Warning, format, args...)
}

// Errorf writes an error reply.  It does not end the command.
func Errorf(cmd Command, format string, args ...interface{}) {
	text(cmd, bus.Error, format, args...)
}

// Exposure is handed to every hook: the command the exposure runs under
// and the exposure data.
type Exposure struct {
	Command Command
	Data    *ExposeData

	reason string
}

// Fail records why the exposure failed and returns false, so hooks can
// return x.Fail(...)
func (x *Exposure) Fail(format string, args ...interface{}) bool {
	x.reason = fmt.Sprintf(format, args...)
	return false
}

// Reason is the message recorded by the last call to Fail
func (x *Exposure) Reason() string {
	return x.reason
}

func (x *Exposure) wrap(err error) error {
	if x.reason == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, x.reason)
}
