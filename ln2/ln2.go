// Package ln2 sequences the liquid nitrogen purge and fill of the LVM
// cryostats by switching power outlets on the spectrograph NPS actors.
//
// A Session carries everything a sequence needs: where to print progress,
// the optional report that is later emailed, the bus sender and the pacing
// between outlet commands.
package ln2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sdss/lvmscp/bus"
)

const (
	// MaxCameraPurge is the longest camera line purge
	MaxCameraPurge = 30 * time.Second

	// MaxPurge is the longest a purge waits for the user
	MaxPurge = 30 * time.Minute

	// MaxFill is the longest cryostat fill
	MaxFill = 600 * time.Second
)

var (
	// ErrTooLong is returned for a purge or fill time above its maximum
	ErrTooLong = errors.New("ln2: time above maximum")

	// ErrTooShort is returned when a camera purge is shorter than the
	// time spent switching its outlets
	ErrTooShort = errors.New("ln2: purge time is too short")

	// ErrPurgeTimeout is returned when nobody closed the purge in MaxPurge
	ErrPurgeTimeout = errors.New("ln2: maximum purge time reached")

	// ErrOutlet is returned when an NPS command fails
	ErrOutlet = errors.New("ln2: outlet command failed")

	// ErrSpectrograph is returned for an unknown spectrograph
	ErrSpectrograph = errors.New("ln2: unknown spectrograph")

	// ErrNoPrompt is returned by an open-ended purge without a Prompt
	ErrNoPrompt = errors.New("ln2: no prompt to end the purge")
)

// AllCameras lists every cryostat
var AllCameras = []string{"r1", "b1", "z1", "r2", "b2", "z2", "r3", "b3", "z3"}

// Spectrographs lists the spectrographs with an NPS
var Spectrographs = []string{"sp1", "sp2", "sp3"}

// Outlet is an NPS outlet
type Outlet struct {
	Spec string
	Name string
}

// PurgeOutlet drives the purge solenoid
var PurgeOutlet = Outlet{Spec: "sp1", Name: "purge"}

// Session is the context of one run of the fill tool
type Session struct {
	// Out receives progress lines and the valve timer
	Out io.Writer

	// Report, when set, receives a copy of the progress lines for the email
	Report io.Writer

	Sender bus.Sender

	// OutletWait spaces outlet commands during purges and CloseAll,
	// FillWait during fills
	OutletWait time.Duration
	FillWait   time.Duration

	// ShowTimer shows the time the valves have been open
	ShowTimer bool

	// Prompt blocks until the user ends an open-ended purge
	Prompt func(ctx context.Context) error

	// TimeLimit bounds every NPS command
	TimeLimit time.Duration

	// Now is the clock, time.Now when nil
	Now func() time.Time

	mu sync.Mutex
}

// NewSession returns a session with the LCO pacing
func NewSession(out io.Writer, s bus.Sender) *Session {
	return &Session{
		Out:        out,
		Sender:     s,
		OutletWait: time.Second,
		FillWait:   2 * time.Second,
		ShowTimer:  true,
		TimeLimit:  30 * time.Second,
	}
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Printf writes a timestamped line
func (s *Session) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if msg != "" {
		msg = s.now().UTC().Format("15:04:05") + ": " + msg
	}
	s.Println(msg)
}

// Println writes a line as is
func (s *Session) Println(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Out != nil {
		fmt.Fprintln(s.Out, msg)
	}
	if s.Report != nil {
		fmt.Fprintln(s.Report, msg)
	}
}

func (s *Session) heading(title string) {
	s.Println(title)
	s.Println(strings.Repeat("-", len(title)))
}

// elapsed formats d as h:mm:ss
func elapsed(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

// timer shows how long the valves have been open until the returned
// function is first called
func (s *Session) timer() func() {
	if !s.ShowTimer || s.Out == nil {
		return func() {}
	}
	sp, err := yacspin.New(yacspin.Config{
		Frequency: 250 * time.Millisecond,
		Writer:    s.Out,
		CharSet:   yacspin.CharSets[14],
		Suffix:    " Valve open time: ",
		Message:   elapsed(0),
	})
	if err != nil || sp.Start() != nil {
		return func() {}
	}
	start := s.now()
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				sp.Message(elapsed(s.now().Sub(start)))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			sp.Stop()
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pacer spaces calls by wait; the first call does not wait
func pacer(wait time.Duration) *rate.Limiter {
	if wait <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(wait), 1)
}

// specOf returns the spectrograph of a camera, sp1 for r1
func specOf(camera string) string {
	return "sp" + camera[len(camera)-1:]
}

func validSpec(spec string) bool {
	for _, s := range Spectrographs {
		if s == spec {
			return true
		}
	}
	return false
}

// OutletOnOff switches an outlet.  With offAfter the NPS switches the
// outlet back off by itself.
func (s *Session) OutletOnOff(ctx context.Context, spec, outlet string, on bool, offAfter time.Duration) error {
	if !validSpec(spec) {
		return fmt.Errorf("%w: %s", ErrSpectrograph, spec)
	}
	var command string
	switch {
	case offAfter > 0 && !on:
		return errors.New("ln2: off-after requires switching the outlet on")
	case offAfter > 0:
		command = fmt.Sprintf("on --off-after %d %s", int(offAfter.Seconds()), outlet)
	case on:
		command = "on " + outlet
	default:
		command = "off " + outlet
	}
	actor := "lvmnps." + spec
	res, err := s.Sender.Send(ctx, actor, command, s.TimeLimit)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrOutlet, actor, command, err)
	}
	if res.DidFail() {
		return fmt.Errorf("%w: %s %s", ErrOutlet, actor, command)
	}
	return nil
}

// switchAll switches cameras one at a time, spaced by wait, and returns
// the first error
func (s *Session) switchAll(ctx context.Context, cameras []string, on bool, wait time.Duration) error {
	pace := pacer(wait)
	for _, cam := range cameras {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
		if err := s.OutletOnOff(ctx, specOf(cam), cam, on, 0); err != nil {
			return err
		}
	}
	return nil
}

// closeAll switches every camera off, spaced by wait, even after a
// failure, and returns every error
func (s *Session) closeAll(ctx context.Context, cameras []string, wait time.Duration) error {
	var errs []error
	pace := pacer(wait)
	for _, cam := range cameras {
		pace.Wait(ctx)
		if err := s.OutletOnOff(ctx, specOf(cam), cam, false, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bySpec groups cameras by spectrograph, keeping their order
func bySpec(cameras []string) ([]string, map[string][]string) {
	var specs []string
	groups := make(map[string][]string)
	for _, cam := range cameras {
		sp := specOf(cam)
		if _, ok := groups[sp]; !ok {
			specs = append(specs, sp)
		}
		groups[sp] = append(groups[sp], cam)
	}
	return specs, groups
}

// CameraPurge opens the camera valves for t to dislodge debris in the
// lines.  The time spent switching outlets counts towards t.  With
// parallel, each spectrograph switches its cameras concurrently with the
// others.
func (s *Session) CameraPurge(ctx context.Context, t time.Duration, cameras []string, parallel bool) (err error) {
	if t > MaxCameraPurge {
		return fmt.Errorf("%w: maximum camera purge interval is %v", ErrTooLong, MaxCameraPurge)
	}
	if len(cameras) == 0 {
		cameras = AllCameras
	}
	specs, groups := bySpec(cameras)
	maxPerSpec := 0
	for _, g := range groups {
		if len(g) > maxPerSpec {
			maxPerSpec = len(g)
		}
	}
	actual := t - s.OutletWait*time.Duration(len(cameras))
	if parallel {
		actual = t - s.OutletWait*time.Duration(maxPerSpec)
	}
	if actual < 0 {
		return ErrTooShort
	}

	stop := s.timer()
	eachSpec := func(ctx context.Context, on bool) error {
		if !parallel {
			return s.switchAll(ctx, cameras, on, s.OutletWait)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, sp := range specs {
			cams := groups[sp]
			g.Go(func() error { return s.switchAll(gctx, cams, on, s.OutletWait) })
		}
		return g.Wait()
	}

	defer func() {
		stop()
		if err != nil {
			s.Printf("Closing camera purge valves due to exception.")
			s.closeAll(context.WithoutCancel(ctx), cameras, s.OutletWait)
			err = fmt.Errorf("failed running camera purge: %w", err)
			return
		}
		s.Printf("Closing camera purge valves.")
		if err = eachSpec(ctx, false); err != nil {
			return
		}
		s.Printf("Camera purge complete.")
	}()

	s.Printf("Starting camera purge.")
	if err = eachSpec(ctx, true); err != nil {
		return err
	}
	return sleep(ctx, actual)
}

// Purge opens the purge solenoid for t.  When t is zero the valve stays
// open until Prompt returns, at most MaxPurge.
func (s *Session) Purge(ctx context.Context, t time.Duration) (err error) {
	if t == 0 && s.Prompt == nil {
		return ErrNoPrompt
	}
	s.Printf("Opening purge valve ...")
	if err = s.OutletOnOff(ctx, PurgeOutlet.Spec, PurgeOutlet.Name, true, 0); err != nil {
		return err
	}
	s.Printf("Started purge.")
	if t == 0 {
		s.Println("Press enter to close valve.")
	}

	stop := s.timer()
	defer func() {
		stop()
		if err != nil {
			s.Printf("Closing purge valve due to exception.")
		} else {
			s.Printf("Closing purge valve.")
		}
		if cerr := s.OutletOnOff(context.WithoutCancel(ctx), PurgeOutlet.Spec, PurgeOutlet.Name, false, 0); cerr != nil {
			err = errors.Join(err, cerr)
			return
		}
		if err == nil {
			s.Printf("Purge complete.")
		}
	}()

	if t > 0 {
		return sleep(ctx, t)
	}
	pctx, cancel := context.WithTimeout(ctx, MaxPurge)
	defer cancel()
	if err = s.Prompt(pctx); errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w. Closing valve", ErrPurgeTimeout)
	}
	return err
}

// Fill opens the camera valves for t.  The purge valve is closed first.
func (s *Session) Fill(ctx context.Context, t time.Duration, cameras []string) (err error) {
	if t > MaxFill {
		return fmt.Errorf("%w: fill time cannot be longer than %v", ErrTooLong, MaxFill)
	}
	if len(cameras) == 0 {
		cameras = AllCameras
	}

	s.Printf("Closing purge valve (just in case) ...")
	if err = s.OutletOnOff(ctx, PurgeOutlet.Spec, PurgeOutlet.Name, false, 0); err != nil {
		return err
	}
	s.Printf("Started fill of cameras %s.", strings.Join(cameras, ", "))

	stop := s.timer()
	defer func() {
		if err != nil {
			stop()
			s.Printf("Closing fill valves due to exception.")
			s.closeAll(context.WithoutCancel(ctx), cameras, s.FillWait)
		}
	}()

	s.Printf("Turning on outlets ... ")
	if err = s.switchAll(ctx, cameras, true, s.FillWait); err != nil {
		return err
	}
	if err = sleep(ctx, t); err != nil {
		return err
	}
	stop()

	s.Printf("Turning off outlets ... ")
	if err = s.closeAll(ctx, cameras, s.FillWait); err != nil {
		return err
	}
	s.Printf("Fill complete.")
	return nil
}

// PurgeAndFill runs the optional camera purge, the purge and the fill
func (s *Session) PurgeAndFill(ctx context.Context, purge, fill, cameraPurge time.Duration, cameras []string) error {
	if cameraPurge > 0 {
		s.heading("CAMERA PURGE")
		s.Printf("Beginning camera purge (%g seconds).", cameraPurge.Seconds())
		if err := s.CameraPurge(ctx, cameraPurge, cameras, true); err != nil {
			return err
		}
	}

	s.heading("PURGE")
	s.Printf("Beginning LN2 purge (%g seconds).", purge.Seconds())
	if err := s.Purge(ctx, purge); err != nil {
		return err
	}

	s.Println("")
	s.heading("FILL")
	s.Printf("Beginning LN2 fill (%g seconds).", fill.Seconds())
	return s.Fill(ctx, fill, cameras)
}

// CloseAll closes every camera valve and the purge valve
func (s *Session) CloseAll(ctx context.Context) error {
	s.Printf("Closing all valves ... ")
	err := s.closeAll(ctx, AllCameras, s.OutletWait)
	if perr := s.OutletOnOff(ctx, PurgeOutlet.Spec, PurgeOutlet.Name, false, 0); perr != nil {
		err = errors.Join(err, perr)
	}
	if err != nil {
		return err
	}
	s.Printf("Done")
	return nil
}
