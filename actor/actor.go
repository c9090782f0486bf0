// Package actor implements the spectrograph control actor.  Commands arrive
// on the message bus or over HTTP and exposures go through expose.Pipeline.
package actor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/imgrec"
	"github.com/sdss/lvmscp/metrics"
	"github.com/sdss/lvmscp/server"
	"github.com/sdss/lvmscp/server/middleware/locker"
)

// Options configure an Actor
type Options struct {
	Name    string
	Version string

	// Client connects the actor to the bus.  It may be nil for an actor
	// driven only over HTTP, in which case Sender must be set.
	Client *bus.Client

	// Sender sends commands to other actors, Client when nil
	Sender bus.Sender

	Pipeline *expose.Pipeline
	Delegate *expose.Delegate

	// Sinks receive a record of every exposure
	Sinks []expose.Sink

	Metrics  *metrics.Metrics
	Recorder *imgrec.Recorder

	// StatusDelay is the interval between status broadcasts
	StatusDelay time.Duration

	// StatusFirstDelay is the wait before the first status broadcast
	StatusFirstDelay time.Duration

	// TimeLimit bounds the commands the actor sends on behalf of its own
	// commands (hardware-status, focus door moves)
	TimeLimit time.Duration
}

// Actor is the spectrograph control actor
type Actor struct {
	Name    string
	Version string

	Pipeline *expose.Pipeline
	Delegate *expose.Delegate
	Metrics  *metrics.Metrics
	Locker   *locker.Locker

	client   *bus.Client
	sender   bus.Sender
	sinks    []expose.Sink
	recorder *imgrec.Recorder

	statusDelay      time.Duration
	statusFirstDelay time.Duration
	timeLimit        time.Duration

	commands map[string]Handler
	routes   server.RouteTable

	mu         sync.Mutex
	pendingLog expose.LogValues

	wg sync.WaitGroup
}

// New builds an actor and registers its commands
func New(o Options) *Actor {
	if o.Name == "" {
		o.Name = "lvmscp"
	}
	if o.StatusDelay <= 0 {
		o.StatusDelay = 30 * time.Second
	}
	if o.StatusFirstDelay <= 0 {
		o.StatusFirstDelay = 5 * time.Second
	}
	if o.TimeLimit <= 0 {
		o.TimeLimit = 30 * time.Second
	}
	a := &Actor{
		Name:             o.Name,
		Version:          o.Version,
		Pipeline:         o.Pipeline,
		Delegate:         o.Delegate,
		Metrics:          o.Metrics,
		Locker:           locker.New(),
		client:           o.Client,
		sender:           o.Sender,
		sinks:            o.Sinks,
		recorder:         o.Recorder,
		statusDelay:      o.StatusDelay,
		statusFirstDelay: o.StatusFirstDelay,
		timeLimit:        o.TimeLimit,
	}
	if a.sender == nil && a.client != nil {
		a.sender = a.client
	}
	a.Locker.DoNotProtect = append(a.Locker.DoNotProtect, "etr", "state", "status", "metrics", "endpoints")
	a.registerCommands()
	a.buildRoutes()
	return a
}

func (a *Actor) registerCommands() {
	a.commands = map[string]Handler{
		"expose": Wrap(a.expose,
			[]PreHook{captureLogValues, a.lockHTTP},
			[]PostHook{a.unlockHTTP, a.recordExposure}),
		"readout": Wrap(a.readout,
			[]PreHook{a.lockHTTP},
			[]PostHook{a.unlockHTTP, a.recordExposure}),
		"get-etr":         a.getETR,
		"etr":             a.getETR,
		"status":          a.status,
		"hardware-status": a.hardwareStatus,
		"focus":           a.focus,
		"ping":            a.ping,
		"version":         a.version,
		"help":            a.help,
	}
}

// Commands lists the command names the actor serves
func (a *Actor) Commands() []string {
	out := make([]string, 0, len(a.commands))
	for k := range a.commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run executes one command line, writing replies to w, and returns the
// command once it finished
func (a *Actor) Run(ctx context.Context, line string, w bus.ReplyWriter) *Command {
	words, err := Split(line)
	cmd := &Command{actor: a, w: w}
	if err != nil {
		cmd.Fail("Cannot parse %q: %v", line, err)
		return cmd
	}
	if len(words) == 0 {
		cmd.Fail("Empty command.")
		return cmd
	}
	cmd.Name, cmd.Args = words[0], words[1:]
	a.exec(ctx, cmd)
	return cmd
}

// RunArgs executes a command given as a name and arguments
func (a *Actor) RunArgs(ctx context.Context, name string, args []string, w bus.ReplyWriter) *Command {
	cmd := &Command{Name: name, Args: args, actor: a, w: w}
	a.exec(ctx, cmd)
	return cmd
}

func (a *Actor) exec(ctx context.Context, cmd *Command) {
	h, ok := a.commands[cmd.Name]
	if !ok {
		cmd.Fail("%v: %s", ErrUnknownCommand, cmd.Name)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s: panic in command %s: %v\n", a.Name, cmd.Name, r)
			cmd.Fail("Command %s crashed: %v", cmd.Name, r)
		}
	}()
	cmd.Write(bus.Running, nil)
	err := h(ctx, cmd)
	if err != nil {
		cmd.Fail("%v", err)
		return
	}
	cmd.Finish(nil)
}

// Handle serves a bus request.  It is the actor's bus.Handler.
func (a *Actor) Handle(req bus.Request, w bus.ReplyWriter) {
	ctx := context.Background()
	if req.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.TimeLimit)
		defer cancel()
	}
	a.Run(ctx, req.Command, w)
}

// Start serves commands from the bus and starts the status broadcasts,
// which stop when ctx is done
func (a *Actor) Start(ctx context.Context) error {
	if a.client == nil {
		return bus.ErrNoTransport
	}
	if err := a.client.Serve(a.Handle); err != nil {
		return fmt.Errorf("serving %s: %w", a.Name, err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.emitStatus(ctx)
	}()
	log.Printf("%s: serving commands on %s\n", a.Name, a.client.Topics.Command(a.Name))
	return nil
}

// Wait blocks until the status broadcasts stopped
func (a *Actor) Wait() {
	a.wg.Wait()
}

// emitStatus runs the status command every status delay and publishes its
// replies on the status topic
func (a *Actor) emitStatus(ctx context.Context) {
	t := time.NewTimer(a.statusFirstDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		a.Run(ctx, "status", broadcaster{a.client})
		t.Reset(a.statusDelay)
	}
}

// ETR returns the estimated time remaining of the current exposure, or -1
func (a *Actor) ETR() float64 {
	etr, ok := a.Pipeline.ETR(time.Now())
	if !ok {
		return -1
	}
	return etr
}
