// Package ccd describes the CCD readout controllers of a spectrograph and
// provides a simulated controller.
package ccd

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sdss/lvmscp/header"
)

var (
	// ErrNotConnected is returned when a controller cannot be reached
	ErrNotConnected = errors.New("ccd: controller not connected")

	// ErrNotIdle is returned when an exposure is requested on a busy controller
	ErrNotIdle = errors.New("ccd: controller not idle")

	// ErrNoFrames is returned by Fetch when there is nothing to fetch
	ErrNoFrames = errors.New("ccd: no frames to fetch")
)

// Status is a set of controller status flags
type Status uint16

// status flags
const (
	Idle Status = 1 << iota
	Exposing
	ReadoutPending
	Reading
	Fetching
	Flushing
	Error
	PowerBad
)

var statusNames = []struct {
	s    Status
	name string
}{
	{Idle, "IDLE"},
	{Exposing, "EXPOSING"},
	{ReadoutPending, "READOUT_PENDING"},
	{Reading, "READING"},
	{Fetching, "FETCHING"},
	{Flushing, "FLUSHING"},
	{Error, "ERROR"},
	{PowerBad, "POWERBAD"},
}

// Has returns true if every flag in f is set in s
func (s Status) Has(f Status) bool {
	return f != 0 && s&f == f
}

// Active is true while the controller is integrating, pending readout or
// reading
func (s Status) Active() bool {
	return s&(Exposing|ReadoutPending|Reading|Fetching) != 0
}

// Names returns the names of the set flags
func (s Status) Names() []string {
	var out []string
	for _, n := range statusNames {
		if s&n.s != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (s Status) String() string {
	if s == 0 {
		return "UNKNOWN"
	}
	return strings.Join(s.Names(), "|")
}

// Frame is one CCD image produced by a readout
type Frame struct {
	Controller string
	CCD        string
	Width      int
	Height     int

	// Data is row-major, Width*Height pixels
	Data []uint16

	// Header holds the keywords the controller produced for this frame
	Header *header.Header
}

// Controller is a CCD readout controller, which may drive several CCDs
type Controller interface {
	// Name is the controller name, e.g. sp1
	Name() string

	// CCDs lists the CCDs read by this controller
	CCDs() []string

	// Connected reports if the controller is reachable
	Connected() bool

	// Status returns the current status flags
	Status() Status

	// Expose opens the integration and returns once it has elapsed
	Expose(ctx context.Context, exptime time.Duration) error

	// Readout reads the CCDs and returns when the readout is finished
	Readout(ctx context.Context) error

	// Fetch retrieves the frames of the last readout
	Fetch(ctx context.Context) ([]*Frame, error)

	// DeviceStatus returns controller telemetry, e.g. CCD temperatures
	DeviceStatus(ctx context.Context) (map[string]interface{}, error)
}

// Aggregate returns the union of the status flags of every controller
func Aggregate(ctrls []Controller) Status {
	var s Status
	for _, c := range ctrls {
		s |= c.Status()
	}
	return s
}
