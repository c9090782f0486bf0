package expose

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/header"
)

var (
	// ErrBusy is returned when an exposure is requested while another is in progress
	ErrBusy = errors.New("expose: another exposure is in progress")

	// ErrCheckFailed is returned when the readiness checks reject an exposure
	ErrCheckFailed = errors.New("expose: exposure checks failed")

	// ErrShutterOpen is returned when the shutters could not be opened
	ErrShutterOpen = errors.New("expose: shutters failed to open")

	// ErrIntegration is returned when a controller fails during integration
	ErrIntegration = errors.New("expose: integration failed")

	// ErrReadout is returned when the readout or its post-processing fails
	ErrReadout = errors.New("expose: readout failed")

	// ErrUnknownController is returned for a controller name that is not configured
	ErrUnknownController = errors.New("expose: unknown controller")

	// ErrInvalidFlavour is returned for an unknown image type
	ErrInvalidFlavour = errors.New("expose: invalid flavour")

	// ErrNothingToRead is returned by Readout when no exposure awaits readout
	ErrNothingToRead = errors.New("expose: no exposure pending readout")
)

// Flavour is the image type of an exposure
type Flavour string

// image types
const (
	Bias   Flavour = "bias"
	Dark   Flavour = "dark"
	Object Flavour = "object"
	Arc    Flavour = "arc"
	Flat   Flavour = "flat"
)

// Flavours lists the valid image types
var Flavours = []Flavour{Bias, Dark, Object, Arc, Flat}

// Valid is true for a known flavour
func (f Flavour) Valid() bool {
	for _, v := range Flavours {
		if f == v {
			return true
		}
	}
	return false
}

// Dark is true for flavours taken with the shutter closed
func (f Flavour) Dark() bool {
	return f == Bias || f == Dark
}

// ParseFlavour parses an image type, case insensitive
func ParseFlavour(s string) (Flavour, error) {
	f := Flavour(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFlavour, s)
	}
	return f, nil
}

// ExposeData describes the exposure in flight.  It is created when an
// exposure is accepted and replaced by the next one.
type ExposeData struct {
	Flavour      Flavour
	ExposureTime time.Duration
	Controllers  []ccd.Controller

	// Readout is false when the readout is deferred to a later command
	Readout bool

	StartTime    time.Time
	EndTime      time.Time
	ReadoutStart time.Time

	ExposureNo int
	// NumberedAt is when ExposureNo was allocated; frames are filed under
	// the SJD of that time
	NumberedAt time.Time

	// Header holds extra keywords requested by the commander
	Header *header.Header
}

// ControllerNames lists the names of the participating controllers
func (d *ExposeData) ControllerNames() []string {
	out := make([]string, len(d.Controllers))
	for i, c := range d.Controllers {
		out[i] = c.Name()
	}
	return out
}

// Request is an exposure command
type Request struct {
	Flavour      Flavour
	ExposureTime time.Duration

	// Controllers names the controllers to use; all when empty
	Controllers []string

	Readout bool
	Header  *header.Header
}

// Written describes one file produced by a readout
type Written struct {
	Controller string
	CCD        string
	Path       string
	Header     *header.Header
}

// Result is the outcome of an exposure
type Result struct {
	ExposureNo   int
	Flavour      Flavour
	ExposureTime time.Duration
	StartTime    time.Time
	Frames       []Written
}

// Filenames lists the written files, in readout order
func (r *Result) Filenames() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Frames))
	for _, f := range r.Frames {
		if f.Path != "" {
			out = append(out, f.Path)
		}
	}
	return out
}
