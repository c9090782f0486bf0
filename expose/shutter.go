package expose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sdss/lvmscp/bus"
)

var errShutterMove = errors.New("some shutters failed to move")

// ShutterStatus is the state reported by the IEB for one shutter
type ShutterStatus struct {
	Open    bool
	Invalid bool
}

// Shutter opens or closes the shutters of every participating spectrograph.
// It is a no-op for biases, darks and zero length exposures.  A failed open
// returns false.  A failed close is retried once after RetryDelay; if the
// retry fails too the shutter failure flag is raised, but the exposure goes
// on to readout so Shutter still returns true.
func (d *Delegate) Shutter(ctx context.Context, x *Exposure, open bool) bool {
	if !d.usesShutter() {
		return true
	}
	data := x.Data
	if data.ExposureTime == 0 || data.Flavour.Dark() {
		return true
	}

	action := "close"
	if open {
		action = "open"
	}
	Debug(x.Command, "Moving shutters to %s.", action)

	if open {
		if d.moveAll(ctx, x, action) {
			return true
		}
		d.shutterFailure(action)
		Errorf(x.Command, "Some shutters failed to move.")
		return x.Fail("Shutters failed to open.")
	}

	op := func() error {
		if d.moveAll(ctx, x, action) {
			return nil
		}
		return errShutterMove
	}
	notify := func(err error, wait time.Duration) {
		Warning(x.Command, "Some shutters failed to close. Retrying in %.0f s.", wait.Seconds())
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryDelay), 1), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		d.mu.Lock()
		d.shutterFailed = true
		d.mu.Unlock()
		d.shutterFailure(action)
		Errorf(x.Command, "Some shutters failed to move.")
		Warning(x.Command, "Shutter failed to close. Reading out exposure and failing.")
	}
	return true
}

func (d *Delegate) shutterFailure(action string) {
	if d.cfg.OnShutterFailure != nil {
		d.cfg.OnShutterFailure(action)
	}
}

// moveAll sends the shutter command to every spectrograph concurrently and
// returns true only if all of them succeeded
func (d *Delegate) moveAll(ctx context.Context, x *Exposure, action string) bool {
	names := x.Data.ControllerNames()
	ok := make([]bool, len(names))
	var wg sync.WaitGroup
	for i, spec := range names {
		wg.Add(1)
		go func(i int, spec string) {
			defer wg.Done()
			res, err := x.Command.Send(ctx, d.IEB(spec), fmt.Sprintf("shutter %s %s", action, spec), 0)
			ok[i] = err == nil && res.DidSucceed()
		}(i, spec)
	}
	wg.Wait()
	for _, v := range ok {
		if !v {
			return false
		}
	}
	return true
}

// ShutterStatus queries the IEB for the shutter of spectrograph spec
func (d *Delegate) ShutterStatus(ctx context.Context, cmd Command, spec string) (ShutterStatus, error) {
	res, err := cmd.Send(ctx, d.IEB(spec), "shutter status "+spec, d.cfg.TimeLimit)
	if err != nil {
		return ShutterStatus{}, err
	}
	if res.DidFail() {
		return ShutterStatus{}, fmt.Errorf("shutter status %s failed", spec)
	}
	v, ok := res.Get(spec + "_shutter")
	if !ok {
		return ShutterStatus{}, fmt.Errorf("no %s_shutter in reply", spec)
	}
	m, ok := bus.AsMap(v)
	if !ok {
		return ShutterStatus{}, fmt.Errorf("malformed %s_shutter", spec)
	}
	var st ShutterStatus
	if st.Open, ok = bus.AsBool(m["open"]); !ok {
		return ShutterStatus{}, fmt.Errorf("%s_shutter has no open state", spec)
	}
	if st.Invalid, ok = bus.AsBool(m["invalid"]); !ok {
		return ShutterStatus{}, fmt.Errorf("%s_shutter has no invalid state", spec)
	}
	return st, nil
}

// Check runs the base checks and then, if shutters are in use, confirms
// that every participating shutter is valid and closed.  All shutters are
// queried before deciding so the failure names every offending one.
func (d *Delegate) Check(ctx context.Context, x *Exposure, base CheckFunc) bool {
	if base != nil && !base(ctx, x) {
		return false
	}
	if !d.usesShutter() {
		return true
	}

	names := x.Data.ControllerNames()
	status := make([]ShutterStatus, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, spec := range names {
		wg.Add(1)
		go func(i int, spec string) {
			defer wg.Done()
			status[i], errs[i] = d.ShutterStatus(ctx, x.Command, spec)
		}(i, spec)
	}
	wg.Wait()

	var failed, bad []string
	for i, spec := range names {
		switch {
		case errs[i] != nil:
			failed = append(failed, spec)
		case status[i].Invalid || status[i].Open:
			bad = append(bad, spec)
		}
	}
	if len(failed) > 0 {
		return x.Fail("Failed getting shutter status of %v.", failed)
	}
	if len(bad) > 0 {
		return x.Fail("Some shutters are in an invalid state or open: %v.", bad)
	}
	return true
}
