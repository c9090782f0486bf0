package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/header"
)

var (
	// ErrFlavours is returned when an exposure names more than one flavour
	ErrFlavours = errors.New("only one flavour can be specified")

	// ErrExposureTime is returned when EXPTIME is missing or malformed
	ErrExposureTime = errors.New("invalid exposure time")
)

// logFlags adds the exposure log annotations to fs
func logFlags(fs *pflag.FlagSet, v *expose.LogValues) {
	fs.StringVar(&v.LampCurrent, "lamp-current", "", "lamp current, for the exposure log")
	fs.StringVar(&v.TestNo, "test-no", "", "test number, for the exposure log")
	fs.StringVar(&v.TestIteration, "test-iteration", "", "test iteration, for the exposure log")
	fs.StringVar(&v.Purpose, "purpose", "", "purpose of the exposure, for the exposure log")
	fs.StringVar(&v.Notes, "notes", "", "notes, for the exposure log")
}

// captureLogValues is the expose pre-hook storing the log annotations on
// the command.  Every other flag is left to the handler.
func captureLogValues(ctx context.Context, cmd *Command) error {
	fs := newFlagSet("expose-log")
	fs.ParseErrorsWhitelist.UnknownFlags = true
	logFlags(fs, &cmd.Log)
	return fs.Parse(cmd.Args)
}

// lockHTTP holds the HTTP lock for the duration of the command
func (a *Actor) lockHTTP(ctx context.Context, cmd *Command) error {
	a.Locker.Hold()
	cmd.holdsLock = true
	return nil
}

func (a *Actor) unlockHTTP(ctx context.Context, cmd *Command, err error) {
	if cmd.holdsLock {
		a.Locker.Release()
		cmd.holdsLock = false
	}
}

// recordExposure is the expose and readout post-hook: it counts the
// exposure and hands the record of a read out exposure to the sinks. Frames
// written before a failure, such as shutters that did not close, are still
// recorded.
func (a *Actor) recordExposure(ctx context.Context, cmd *Command, err error) {
	if cmd.flavour == "" {
		return
	}
	if a.Metrics != nil {
		a.Metrics.Exposure(string(cmd.flavour), err == nil)
	}
	if cmd.Result == nil {
		return
	}
	deferred := len(cmd.Result.Frames) == 0
	if deferred && err != nil {
		return
	}

	a.mu.Lock()
	logValues := cmd.Log
	if cmd.Name == "readout" {
		logValues = a.pendingLog
	}
	if deferred {
		a.pendingLog = cmd.Log
	}
	a.mu.Unlock()
	if deferred {
		return
	}

	rec := expose.NewRecord(cmd.Result, a.Delegate != nil && a.Delegate.ShutterFailed(), logValues)
	expose.Dispatch(ctx, cmd, a.sinks, rec)
}

// parseFlavour picks the single flavour flag that was set
func parseFlavour(set map[expose.Flavour]*bool) (expose.Flavour, error) {
	var out expose.Flavour
	for _, f := range expose.Flavours {
		if *set[f] {
			if out != "" {
				return "", ErrFlavours
			}
			out = f
		}
	}
	if out == "" {
		out = expose.Object
	}
	return out, nil
}

// parseExposureTime parses EXPTIME in seconds
func parseExposureTime(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrExposureTime, s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// headerValue types a --header value: integer, float, boolean or string
func headerValue(s string) interface{} {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// expose [--bias|--dark|--object|--arc|--flat] [-c CTRL]... [--no-readout]
// [-k KEY=VALUE]... [log flags] EXPTIME
func (a *Actor) expose(ctx context.Context, cmd *Command) error {
	fs := newFlagSet("expose")
	flavours := make(map[expose.Flavour]*bool, len(expose.Flavours))
	for _, f := range expose.Flavours {
		flavours[f] = fs.Bool(string(f), false, "take a "+string(f)+" exposure")
	}
	ctrls := fs.StringArrayP("controller", "c", nil, "controller to expose; all when not given")
	noReadout := fs.Bool("no-readout", false, "do not read the exposure out")
	keywords := fs.StringToStringP("header", "k", nil, "extra header keyword")
	logFlags(fs, &expose.LogValues{})
	if err := fs.Parse(cmd.Args); err != nil {
		return err
	}

	flavour, err := parseFlavour(flavours)
	if err != nil {
		return err
	}
	var exptime time.Duration
	switch {
	case fs.NArg() > 1:
		return fmt.Errorf("%w: too many arguments", ErrExposureTime)
	case fs.NArg() == 1:
		if exptime, err = parseExposureTime(fs.Arg(0)); err != nil {
			return err
		}
	case flavour != expose.Bias:
		return fmt.Errorf("%w: EXPTIME is required for %s exposures", ErrExposureTime, flavour)
	}

	req := expose.Request{
		Flavour:      flavour,
		ExposureTime: exptime,
		Controllers:  *ctrls,
		Readout:      !*noReadout,
	}
	if len(*keywords) > 0 {
		req.Header = header.New()
		keys := make([]string, 0, len(*keywords))
		for k := range *keywords {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			req.Header.Set(k, headerValue((*keywords)[k]))
		}
	}

	cmd.flavour = flavour
	res, err := a.Pipeline.Expose(ctx, cmd, req)
	cmd.Result = res
	if errors.Is(err, expose.ErrBusy) {
		cmd.flavour = ""
	}
	return err
}

// readout reads an exposure taken with --no-readout
func (a *Actor) readout(ctx context.Context, cmd *Command) error {
	if d := a.Pipeline.Data(); d != nil {
		cmd.flavour = d.Flavour
	}
	res, err := a.Pipeline.Readout(ctx, cmd)
	cmd.Result = res
	if errors.Is(err, expose.ErrBusy) || errors.Is(err, expose.ErrNothingToRead) {
		cmd.flavour = ""
	}
	return err
}

// etrValue is the ETR as a reply value: seconds, or nil when unavailable
func (a *Actor) etrValue() interface{} {
	etr, ok := a.Pipeline.ETR(time.Now())
	if !ok {
		return nil
	}
	return etr
}

func (a *Actor) getETR(ctx context.Context, cmd *Command) error {
	etr := a.etrValue()
	if etr == nil {
		expose.Warning(cmd, "ETR not available. The controllers may be idle.")
	}
	cmd.Finish(bus.Fields{"etr": etr})
	return nil
}

// controllerStatus returns the status of every controller, with the
// telemetry it reports.  Telemetry failures are returned alongside.
func (a *Actor) controllerStatus(ctx context.Context) ([]bus.Fields, []error) {
	var (
		out  []bus.Fields
		errs []error
	)
	for _, c := range a.Pipeline.Controllers {
		st := c.Status()
		f := bus.Fields{
			"controller":   c.Name(),
			"connected":    c.Connected(),
			"status":       int(st),
			"status_names": st.Names(),
		}
		if c.Connected() {
			ds, err := c.DeviceStatus(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			}
			for k, v := range ds {
				f[k] = v
			}
		}
		out = append(out, f)
	}
	return out, errs
}

func (a *Actor) status(ctx context.Context, cmd *Command) error {
	st, errs := a.controllerStatus(ctx)
	for _, err := range errs {
		expose.Warning(cmd, "Failed getting device status of %v", err)
	}
	for _, f := range st {
		cmd.Write(bus.Info, bus.Fields{"status": f})
	}
	cmd.Finish(bus.Fields{"state": a.Pipeline.State().String(), "etr": a.etrValue()})
	return nil
}

// hardwareCommands lists the IEB commands queried by hardware-status, with
// the IEB that serves each
func (a *Actor) hardwareCommands() [][2]string {
	var out [][2]string
	ctrls := a.Pipeline.Controllers
	if len(ctrls) == 0 {
		return nil
	}
	ieb := expose.DefaultIEB
	if a.Delegate != nil {
		ieb = a.Delegate.IEB(ctrls[0].Name())
	}
	for _, c := range []string{"wago status", "wago getpower", "transducer status"} {
		out = append(out, [2]string{ieb, c})
	}
	for _, c := range ctrls {
		name := c.Name()
		if a.Delegate != nil {
			ieb = a.Delegate.IEB(name)
		}
		out = append(out,
			[2]string{ieb, "hartmann status " + name},
			[2]string{ieb, "shutter status " + name},
			[2]string{ieb, "transducer status " + name})
	}
	return out
}

// hardwareStatusWorkers bounds the status commands in flight
const hardwareStatusWorkers = 4

// hardwareStatus sends the IEB status commands concurrently and forwards
// their replies in the order the commands are listed.  A plain Group is
// used so a failed command does not cancel the others; each failure is
// reported as a warning and the command fails only if none succeeded.
func (a *Actor) hardwareStatus(ctx context.Context, cmd *Command) error {
	cmds := a.hardwareCommands()
	results := make([]*bus.Result, len(cmds))
	errs := make([]error, len(cmds))
	var g errgroup.Group
	g.SetLimit(hardwareStatusWorkers)
	for i, c := range cmds {
		i, c := i, c
		g.Go(func() error {
			results[i], errs[i] = cmd.Send(ctx, c[0], c[1], a.timeLimit)
			return errs[i]
		})
	}
	firstErr := g.Wait()

	failed := 0
	for i, res := range results {
		if errs[i] != nil || res == nil || res.DidFail() {
			failed++
			if errs[i] != nil {
				expose.Warning(cmd, "%s %s failed: %v", cmds[i][0], cmds[i][1], errs[i])
			} else {
				expose.Warning(cmd, "%s %s failed.", cmds[i][0], cmds[i][1])
			}
			continue
		}
		for _, r := range res.Replies {
			if r.Code.Terminal() || len(r.Fields) == 0 {
				continue
			}
			cmd.Write(r.Code, r.Fields)
		}
	}
	if failed == len(results) && failed > 0 {
		if firstErr != nil {
			return fmt.Errorf("no hardware status could be retrieved: %w", firstErr)
		}
		return errors.New("no hardware status could be retrieved")
	}
	return nil
}

func (a *Actor) ping(ctx context.Context, cmd *Command) error {
	cmd.Finish(bus.Fields{"text": "Pong."})
	return nil
}

func (a *Actor) version(ctx context.Context, cmd *Command) error {
	cmd.Finish(bus.Fields{"version": a.Version})
	return nil
}

func (a *Actor) help(ctx context.Context, cmd *Command) error {
	cmd.Finish(bus.Fields{"help": strings.Join(a.Commands(), " ")})
	return nil
}
