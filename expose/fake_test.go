package expose_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/expose"
)

func done(fields bus.Fields) *bus.Result {
	return &bus.Result{
		Status:  bus.StatusDone,
		Replies: []bus.Reply{{Code: bus.Info, Fields: fields}, {Code: bus.Done}},
	}
}

func failed() *bus.Result {
	return &bus.Result{Status: bus.StatusFailed, Replies: []bus.Reply{{Code: bus.Failed}}}
}

var errUnreachable = errors.New("unreachable")

// fakeCmd answers commands like a healthy set of LVM actors unless an
// override matches
type fakeCmd struct {
	mu        sync.Mutex
	sent      []string
	replies   []bus.Reply
	overrides map[string]func(n int) (*bus.Result, error)
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{overrides: make(map[string]func(int) (*bus.Result, error))}
}

// on overrides the answer to "actor command"; n counts previous calls
func (f *fakeCmd) on(key string, fn func(n int) (*bus.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[key] = fn
}

func (f *fakeCmd) Send(ctx context.Context, actor, command string, timeLimit time.Duration) (*bus.Result, error) {
	key := actor + " " + command
	f.mu.Lock()
	n := 0
	for _, s := range f.sent {
		if s == key {
			n++
		}
	}
	f.sent = append(f.sent, key)
	fn, ok := f.overrides[key]
	f.mu.Unlock()
	if ok {
		return fn(n)
	}
	return healthy(actor, command)
}

func healthy(actor, command string) (*bus.Result, error) {
	words := strings.Fields(command)
	spec := words[len(words)-1]
	switch {
	case strings.HasPrefix(command, "shutter status"):
		return done(bus.Fields{spec + "_shutter": bus.Fields{"open": false, "invalid": false}}), nil
	case strings.HasPrefix(command, "shutter "):
		return done(nil), nil
	case strings.HasPrefix(command, "hartmann status"):
		return done(bus.Fields{
			spec + "_hartmann_left":  bus.Fields{"open": true, "invalid": false},
			spec + "_hartmann_right": bus.Fields{"open": false, "invalid": false},
		}), nil
	case strings.HasPrefix(command, "wago status"):
		return done(bus.Fields{spec + "_sensors": bus.Fields{"t3": 21.5, "rh3": 40.0}}), nil
	case strings.HasPrefix(command, "transducer status"):
		return done(bus.Fields{"transducer": bus.Fields{"r1_pressure": 1.5e-7, "b1_pressure": 2.5e-7}}), nil
	case command == "depth status":
		return done(bus.Fields{"depth": bus.Fields{"A": 1.5, "B": 2.5, "C": math.NaN(), "camera": "b1"}}), nil
	case actor == "lvmnps":
		return done(bus.Fields{"status": bus.Fields{
			"nps.sp1": bus.Fields{
				"Argon":  bus.Fields{"state": 1},
				"Neon":   bus.Fields{"state": 0},
				"Heater": bus.Fields{"state": 1},
			},
		}}), nil
	case strings.HasSuffix(actor, ".pwi"):
		return done(bus.Fields{"ra_j2000_hours": 10.0, "dec_j2000_degs": -30.5, "altitude_degs": 60.0}), nil
	case strings.HasSuffix(actor, ".km"), strings.HasSuffix(actor, ".foc"):
		return done(bus.Fields{"Position": 12.3}), nil
	}
	return failed(), nil
}

func (f *fakeCmd) Write(code bus.Code, fields bus.Fields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, bus.Reply{Code: code, Fields: fields})
}

// count returns how many commands with this prefix were sent
func (f *fakeCmd) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

// texts returns the text of every reply with code c
func (f *fakeCmd) texts(c bus.Code) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.replies {
		if r.Code == c {
			s, _ := r.Fields["text"].(string)
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeCmd) field(key string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.replies) - 1; i >= 0; i-- {
		if v, ok := f.replies[i].Fields[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// memWriter is an in-memory FrameWriter
type memWriter struct {
	mu     sync.Mutex
	expNo  int
	frames []*ccd.Frame
	times  []time.Time
}

func (w *memWriter) NextExposureNo(t time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expNo + 1, nil
}

func (w *memWriter) WriteFrame(f *ccd.Frame, expNo int, t time.Time) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expNo = expNo
	w.frames = append(w.frames, f)
	w.times = append(w.times, t)
	return fmt.Sprintf("sdR-s-%s-%08d.fits.gz", f.CCD, expNo), nil
}

func testConfig() expose.Config {
	cfg := expose.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.TimeLimit = time.Second
	cfg.Version = "1.0.0"
	return cfg
}

func sim(name string, ccds ...string) *ccd.Sim {
	return ccd.NewSim(ccd.SimConfig{Name: name, CCDs: ccds, Width: 4, Height: 4, ReadoutTime: time.Millisecond})
}

func exposure(cmd expose.Command, flavour expose.Flavour, exptime time.Duration, ctrls ...ccd.Controller) *expose.Exposure {
	return &expose.Exposure{
		Command: cmd,
		Data:    &expose.ExposeData{Flavour: flavour, ExposureTime: exptime, Controllers: ctrls},
	}
}
