package actor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/expose"
)

var errHartmann = errors.New("Failed moving Hartmann doors. See lvmieb log for more information.")

// relay collects the replies of a nested command and forwards its messages
// to the parent command
type relay struct {
	Collector
	parent *Command
}

func (r *relay) Write(code bus.Code, fields bus.Fields) error {
	if !code.Terminal() && code != bus.Running {
		r.parent.Write(code, fields)
	}
	return r.Collector.Write(code, fields)
}

// moveDoors opens or closes the Hartmann doors of a spectrograph
func (a *Actor) moveDoors(ctx context.Context, cmd *Command, spectro, side, action string, verbose bool) error {
	if verbose {
		if action == "open" {
			expose.Info(cmd, "Opening %s Hartmann door(s).", side)
		} else {
			expose.Info(cmd, "Closing %s Hartmann door(s).", side)
		}
	}
	ieb := expose.DefaultIEB
	if a.Delegate != nil {
		ieb = a.Delegate.IEB(spectro)
	}
	res, err := cmd.Send(ctx, ieb, fmt.Sprintf("hartmann %s -s %s %s", action, side, spectro), a.timeLimit)
	if err != nil || res.DidFail() {
		return errHartmann
	}
	return nil
}

// subExpose runs an exposure as a nested command and returns its filenames
func (a *Actor) subExpose(ctx context.Context, cmd *Command, flavour expose.Flavour, spectro, exptime string) ([]string, error) {
	r := &relay{parent: cmd}
	sub := a.RunArgs(ctx, "expose", []string{"--" + string(flavour), "-c", spectro, exptime}, r)
	res := r.Result(a.Name, "expose")
	if res.DidFail() {
		return nil, fmt.Errorf("Failed taking %s exposure.", flavour)
	}
	if sub.Result != nil {
		return sub.Result.Filenames(), nil
	}
	var out []string
	for _, rep := range res.Replies {
		if v, ok := rep.Fields["filenames"].([]string); ok {
			out = append(out, v...)
		}
	}
	return out, nil
}

// focus [-n COUNT] [--dark] SPECTRO EXPTIME takes a Hartmann focus
// sequence: for each side, close that door, take an arc and optionally a
// dark, then reopen both doors
func (a *Actor) focus(ctx context.Context, cmd *Command) error {
	fs := newFlagSet("focus")
	count := fs.IntP("count", "n", 1, "number of focus cycles")
	dark := fs.Bool("dark", false, "take a dark along each exposure")
	if err := fs.Parse(cmd.Args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: focus [-n COUNT] [--dark] SPECTRO EXPTIME")
	}
	spectro, exptime := fs.Arg(0), fs.Arg(1)
	if _, ok := a.Pipeline.Controller(spectro); !ok {
		return fmt.Errorf("%w: %s", expose.ErrUnknownController, spectro)
	}
	if _, err := strconv.ParseFloat(exptime, 64); err != nil {
		return fmt.Errorf("%w: %q", ErrExposureTime, exptime)
	}
	if *count < 1 {
		return errors.New("count must be at least 1")
	}

	for n := 1; n <= *count; n++ {
		if *count != 1 {
			expose.Info(cmd, "Focus iteration %d out of %d.", n, *count)
		}
		for _, side := range []string{"left", "right"} {
			if err := a.moveDoors(ctx, cmd, spectro, "all", "open", false); err != nil {
				return err
			}
			if err := a.moveDoors(ctx, cmd, spectro, side, "close", true); err != nil {
				return err
			}

			expose.Info(cmd, "Taking arc exposure.")
			arcs, err := a.subExpose(ctx, cmd, expose.Arc, spectro, exptime)
			if err != nil {
				return err
			}
			darks := []string{}
			if *dark {
				expose.Info(cmd, "Taking dark exposure.")
				if darks, err = a.subExpose(ctx, cmd, expose.Dark, spectro, exptime); err != nil {
					return err
				}
			}
			if arcs == nil {
				arcs = []string{}
			}
			cmd.Write(bus.Info, bus.Fields{"focus": bus.Fields{
				"spectrograph": spectro,
				"iteration":    n,
				"side":         side,
				"exposures":    arcs,
				"darks":        darks,
			}})
		}
	}

	expose.Info(cmd, "Reopening Hartmann doors.")
	return a.moveDoors(ctx, cmd, spectro, "all", "open", false)
}
