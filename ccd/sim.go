package ccd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sdss/lvmscp/header"
)

// SimConfig configures a simulated controller
type SimConfig struct {
	Name        string        `koanf:"name" yaml:"name"`
	CCDs        []string      `koanf:"ccds" yaml:"ccds"`
	Width       int           `koanf:"width" yaml:"width"`
	Height      int           `koanf:"height" yaml:"height"`
	ReadoutTime time.Duration `koanf:"readout_time" yaml:"readout_time"`

	// Bias is the mean pixel value of a frame
	Bias uint16 `koanf:"bias" yaml:"bias"`

	// Temperature is the reported CCD temperature, in C
	Temperature float64 `koanf:"temperature" yaml:"temperature"`
}

// Sim is a simulated controller.  The exported error fields inject faults
// into the next call of the matching method.
type Sim struct {
	cfg SimConfig

	mu        sync.Mutex
	status    Status
	connected bool
	frames    []*Frame
	exptime   time.Duration

	ExposeErr  error
	ReadoutErr error
	FetchErr   error
}

// NewSim returns a connected, idle simulated controller
func NewSim(cfg SimConfig) *Sim {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 64
	}
	if cfg.Bias == 0 {
		cfg.Bias = 1000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = -110
	}
	return &Sim{cfg: cfg, status: Idle, connected: true}
}

// Name implements Controller
func (s *Sim) Name() string { return s.cfg.Name }

// CCDs implements Controller
func (s *Sim) CCDs() []string {
	out := make([]string, len(s.cfg.CCDs))
	copy(out, s.cfg.CCDs)
	return out
}

// Connected implements Controller
func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected simulates losing or regaining the controller
func (s *Sim) SetConnected(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = b
}

// Status implements Controller
func (s *Sim) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus forces the status flags
func (s *Sim) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

func (s *Sim) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Sim) takeErr(p *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := *p
	*p = nil
	return err
}

func wait(ctx context.Context, d time.Duration) error {
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

// Expose implements Controller
func (s *Sim) Expose(ctx context.Context, exptime time.Duration) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if err := s.takeErr(&s.ExposeErr); err != nil {
		s.setStatus(Idle | Error)
		return err
	}
	s.mu.Lock()
	if s.status.Active() {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.status = Exposing
	s.exptime = exptime
	s.frames = nil
	s.mu.Unlock()

	if err := wait(ctx, exptime); err != nil {
		s.setStatus(Idle | Error)
		return err
	}
	s.setStatus(ReadoutPending)
	return nil
}

// Readout implements Controller
func (s *Sim) Readout(ctx context.Context) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if err := s.takeErr(&s.ReadoutErr); err != nil {
		s.setStatus(Idle | Error)
		return err
	}
	s.setStatus(Reading)
	if err := wait(ctx, s.cfg.ReadoutTime); err != nil {
		s.setStatus(Idle | Error)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = s.frames[:0]
	for i, c := range s.cfg.CCDs {
		s.frames = append(s.frames, s.frame(c, i))
	}
	s.status = Idle
	return nil
}

func (s *Sim) frame(ccd string, idx int) *Frame {
	n := s.cfg.Width * s.cfg.Height
	data := make([]uint16, n)
	for i := range data {
		data[i] = s.cfg.Bias + uint16((i+idx)%17)
	}
	h := header.New()
	h.Set("SPEC", s.cfg.Name, "Spectrograph name")
	h.Set("CCD", ccd, "CCD name")
	h.Set("EXPTIME", s.exptime.Seconds(), "Exposure time [s]")
	h.Set("CCDTEMP1", s.cfg.Temperature, "CCD temperature [C]")
	return &Frame{
		Controller: s.cfg.Name,
		CCD:        ccd,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Data:       data,
		Header:     h,
	}
}

// Fetch implements Controller
func (s *Sim) Fetch(ctx context.Context) ([]*Frame, error) {
	if err := s.takeErr(&s.FetchErr); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, ErrNoFrames
	}
	out := s.frames
	s.frames = nil
	return out, nil
}

// DeviceStatus implements Controller
func (s *Sim) DeviceStatus(ctx context.Context) (map[string]interface{}, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	out := map[string]interface{}{
		"status": s.Status().Names(),
	}
	for _, c := range s.cfg.CCDs {
		out[fmt.Sprintf("%s_ccd_temp", c)] = s.cfg.Temperature
	}
	return out, nil
}
