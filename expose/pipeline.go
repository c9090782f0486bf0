package expose

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/header"
)

// State is a step of the exposure sequence
type State int

// exposure states
const (
	StateIdle State = iota
	StateChecking
	StateShutterOpening
	StateIntegrating
	StateShutterClosing
	StateReadoutPending
	StateReading
	StatePostProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateShutterOpening:
		return "shutter-opening"
	case StateIntegrating:
		return "integrating"
	case StateShutterClosing:
		return "shutter-closing"
	case StateReadoutPending:
		return "readout-pending"
	case StateReading:
		return "reading"
	case StatePostProcessing:
		return "post-processing"
	}
	return "unknown"
}

// CheckFunc is the base readiness check
type CheckFunc func(ctx context.Context, x *Exposure) bool

// ReadoutFunc is the base readout
type ReadoutFunc func(ctx context.Context, x *Exposure) bool

// Hooks are the extension points of the pipeline.  Any hook may be nil.
type Hooks struct {
	// Reset clears per-exposure state; it runs on entry to Checking
	Reset func()

	// OnCheck replaces the readiness check; call base to run the built-in checks
	OnCheck func(ctx context.Context, x *Exposure, base CheckFunc) bool

	// OnShutter opens or closes the shutters.  Returning false when opening
	// aborts the exposure; the result is ignored when closing.
	OnShutter func(ctx context.Context, x *Exposure, open bool) bool

	// OnCotasks runs concurrently with the integration; the readout waits for it
	OnCotasks func(ctx context.Context, x *Exposure)

	// OnReadout replaces the readout; call base to read, post-process and write
	OnReadout func(ctx context.Context, x *Exposure, base ReadoutFunc) bool

	// OnPostProcess annotates the frames of one controller before they are written
	OnPostProcess func(ctx context.Context, x *Exposure, ctrl ccd.Controller, frames []*ccd.Frame) []*ccd.Frame
}

// FrameWriter persists frames
type FrameWriter interface {
	NextExposureNo(t time.Time) (int, error)
	WriteFrame(f *ccd.Frame, expNo int, t time.Time) (string, error)
}

// Pipeline runs one exposure at a time through the sequence
//
//	Checking → ShutterOpening → Integrating (+cotasks) → ShutterClosing → Reading → PostProcessing → Idle
//
// calling its Hooks at each step.
type Pipeline struct {
	Controllers []ccd.Controller
	Writer      FrameWriter
	Hooks       Hooks

	// ReadoutTime is the expected duration of a readout, used for the ETR
	ReadoutTime time.Duration

	// Now is the clock, time.Now when nil
	Now func() time.Time

	run sync.Mutex

	mu      sync.Mutex
	state   State
	data    *ExposeData
	cotasks chan struct{}
	result  *Result
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) mark(f func(d *ExposeData)) {
	p.mu.Lock()
	f(p.data)
	p.mu.Unlock()
}

// State returns the current step
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Data returns a copy of the data of the current or last exposure, nil if
// there has been none
func (p *Pipeline) Data() *ExposeData {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return nil
	}
	d := *p.data
	return &d
}

// LastResult returns the result of the last exposure that was read out
func (p *Pipeline) LastResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Controller returns a configured controller by name
func (p *Pipeline) Controller(name string) (ccd.Controller, bool) {
	for _, c := range p.Controllers {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// ETR is the estimated time remaining of the current exposure, in seconds
func (p *Pipeline) ETR(now time.Time) (float64, bool) {
	d := p.Data()
	if d == nil {
		return 0, false
	}
	return ETR(ccd.Aggregate(d.Controllers), d, now, p.ReadoutTime)
}

func (p *Pipeline) controllers(names []string) ([]ccd.Controller, error) {
	if len(names) == 0 {
		return p.Controllers, nil
	}
	out := make([]ccd.Controller, 0, len(names))
	for _, n := range names {
		c, ok := p.Controller(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownController, n)
		}
		out = append(out, c)
	}
	return out, nil
}

// Expose takes an exposure.  Only one exposure runs at a time; a concurrent
// call returns ErrBusy.  When req.Readout is false the exposure stops after
// closing the shutters and Readout must be called later.
func (p *Pipeline) Expose(ctx context.Context, cmd Command, req Request) (*Result, error) {
	if !p.run.TryLock() {
		return nil, ErrBusy
	}
	defer p.run.Unlock()

	if req.Flavour == "" {
		req.Flavour = Object
	}
	if req.Flavour == Bias {
		req.ExposureTime = 0
	}
	ctrls, err := p.controllers(req.Controllers)
	if err != nil {
		return nil, err
	}
	if req.Header == nil {
		req.Header = header.New()
	}
	data := &ExposeData{
		Flavour:      req.Flavour,
		ExposureTime: req.ExposureTime,
		Controllers:  ctrls,
		Readout:      req.Readout,
		Header:       req.Header,
	}
	x := &Exposure{Command: cmd, Data: data}

	p.mu.Lock()
	p.data = data
	p.state = StateChecking
	p.cotasks = nil
	p.mu.Unlock()
	if p.Hooks.Reset != nil {
		p.Hooks.Reset()
	}

	var ok bool
	if p.Hooks.OnCheck != nil {
		ok = p.Hooks.OnCheck(ctx, x, p.check)
	} else {
		ok = p.check(ctx, x)
	}
	if !ok {
		p.setState(StateIdle)
		return nil, x.wrap(ErrCheckFailed)
	}

	if p.Writer != nil {
		at := p.now()
		n, err := p.Writer.NextExposureNo(at)
		if err != nil {
			p.setState(StateIdle)
			return nil, fmt.Errorf("expose: exposure number: %w", err)
		}
		p.mark(func(d *ExposeData) { d.ExposureNo, d.NumberedAt = n, at })
	}

	p.setState(StateShutterOpening)
	if p.Hooks.OnShutter != nil && !p.Hooks.OnShutter(ctx, x, true) {
		p.setState(StateIdle)
		if x.reason == "" {
			x.reason = "Shutters failed to open."
		}
		return nil, x.wrap(ErrShutterOpen)
	}

	p.setState(StateIntegrating)
	p.mark(func(d *ExposeData) { d.StartTime = p.now() })
	Info(cmd, "Integrating %s for %.2f s.", data.Flavour, data.ExposureTime.Seconds())
	done := make(chan struct{})
	p.mu.Lock()
	p.cotasks = done
	p.mu.Unlock()
	go func() {
		defer close(done)
		if p.Hooks.OnCotasks != nil {
			p.Hooks.OnCotasks(ctx, x)
		}
	}()

	if err := fanOut(ctrls, func(c ccd.Controller) error { return c.Expose(ctx, data.ExposureTime) }); err != nil {
		// best effort, the exposure is lost either way
		if p.Hooks.OnShutter != nil {
			p.Hooks.OnShutter(ctx, x, false)
		}
		<-done
		p.setState(StateIdle)
		x.Fail("Integration failed: %v", err)
		return nil, x.wrap(ErrIntegration)
	}
	p.mark(func(d *ExposeData) { d.EndTime = p.now() })

	p.setState(StateShutterClosing)
	if p.Hooks.OnShutter != nil {
		p.Hooks.OnShutter(ctx, x, false)
	}

	if !data.Readout {
		<-done
		p.setState(StateReadoutPending)
		Info(cmd, "Exposure %d awaiting readout.", data.ExposureNo)
		return &Result{
			ExposureNo:   data.ExposureNo,
			Flavour:      data.Flavour,
			ExposureTime: data.ExposureTime,
			StartTime:    data.StartTime,
		}, nil
	}
	return p.read(ctx, x)
}

// Readout reads an exposure that was taken without readout
func (p *Pipeline) Readout(ctx context.Context, cmd Command) (*Result, error) {
	if !p.run.TryLock() {
		return nil, ErrBusy
	}
	defer p.run.Unlock()

	p.mu.Lock()
	data, state := p.data, p.state
	p.mu.Unlock()
	if data == nil || state != StateReadoutPending {
		return nil, ErrNothingToRead
	}
	return p.read(ctx, &Exposure{Command: cmd, Data: data})
}

func (p *Pipeline) read(ctx context.Context, x *Exposure) (*Result, error) {
	defer p.setState(StateIdle)
	p.setState(StateReading)
	p.mu.Lock()
	p.data.ReadoutStart = p.now()
	p.result = nil
	p.mu.Unlock()

	var ok bool
	if p.Hooks.OnReadout != nil {
		ok = p.Hooks.OnReadout(ctx, x, p.readout)
	} else {
		ok = p.readout(ctx, x)
	}
	p.mu.Lock()
	res := p.result
	p.mu.Unlock()
	if !ok {
		return res, x.wrap(ErrReadout)
	}
	return res, nil
}

func (p *Pipeline) check(ctx context.Context, x *Exposure) bool {
	d := x.Data
	if len(d.Controllers) == 0 {
		return x.Fail("No controllers to expose.")
	}
	if !d.Flavour.Valid() {
		return x.Fail("Invalid flavour %q.", d.Flavour)
	}
	if d.ExposureTime < 0 {
		return x.Fail("Exposure time cannot be negative.")
	}
	for _, c := range d.Controllers {
		if !c.Connected() {
			return x.Fail("Controller %s is not connected.", c.Name())
		}
		st := c.Status()
		if !st.Has(ccd.Idle) || st.Active() {
			return x.Fail("Controller %s is not idle (%s).", c.Name(), st)
		}
		if st.Has(ccd.Error) {
			return x.Fail("Controller %s is in error (%s).", c.Name(), st)
		}
		if st.Has(ccd.PowerBad) {
			return x.Fail("Controller %s has bad power.", c.Name())
		}
	}
	return true
}

func (p *Pipeline) waitCotasks(ctx context.Context) {
	p.mu.Lock()
	done := p.cotasks
	p.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pipeline) readout(ctx context.Context, x *Exposure) bool {
	d := x.Data
	Debug(x.Command, "Reading out controllers.")
	if err := fanOut(d.Controllers, func(c ccd.Controller) error { return c.Readout(ctx) }); err != nil {
		return x.Fail("Readout failed: %v", err)
	}

	p.waitCotasks(ctx)
	p.setState(StatePostProcessing)

	res := &Result{
		ExposureNo:   d.ExposureNo,
		Flavour:      d.Flavour,
		ExposureTime: d.ExposureTime,
		StartTime:    d.StartTime,
	}
	filed := d.NumberedAt
	if filed.IsZero() {
		filed = p.now()
	}
	failed := false
	for _, c := range d.Controllers {
		frames, err := c.Fetch(ctx)
		if err != nil {
			Errorf(x.Command, "Failed fetching frames from %s: %v", c.Name(), err)
			failed = true
			continue
		}
		for _, f := range frames {
			p.baseHeader(f, d)
		}
		if p.Hooks.OnPostProcess != nil {
			frames = p.Hooks.OnPostProcess(ctx, x, c, frames)
		}
		for _, f := range frames {
			w := Written{Controller: c.Name(), CCD: f.CCD, Header: f.Header}
			if p.Writer != nil {
				path, err := p.Writer.WriteFrame(f, d.ExposureNo, filed)
				if err != nil {
					Errorf(x.Command, "Failed writing %s frame: %v", f.CCD, err)
					failed = true
					continue
				}
				w.Path = path
			}
			res.Frames = append(res.Frames, w)
		}
	}

	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	if names := res.Filenames(); len(names) > 0 && x.Command != nil {
		x.Command.Write(bus.Info, bus.Fields{"filenames": names})
	}
	if failed {
		return x.Fail("Some frames could not be fetched or written.")
	}
	return true
}

func (p *Pipeline) baseHeader(f *ccd.Frame, d *ExposeData) {
	if f.Header == nil {
		f.Header = header.New()
	}
	h := f.Header
	h.Set("EXPOSURE", d.ExposureNo, "Exposure number")
	h.Set("SPEC", f.Controller, "Spectrograph name")
	h.Set("CCD", f.CCD, "CCD name")
	h.Set("IMAGETYP", string(d.Flavour), "Image type")
	h.Set("EXPTIME", d.ExposureTime.Seconds(), "Exposure time [s]")
	h.Set("OBSTIME", d.StartTime.UTC().Format("2006-01-02T15:04:05.000"), "Start of the observation")
	h.Update(d.Header)
}

// fanOut calls f for every controller concurrently and returns the first error
func fanOut(ctrls []ccd.Controller, f func(ccd.Controller) error) error {
	errs := make([]error, len(ctrls))
	var wg sync.WaitGroup
	for i, c := range ctrls {
		wg.Add(1)
		go func(i int, c ccd.Controller) {
			defer wg.Done()
			if err := f(c); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
