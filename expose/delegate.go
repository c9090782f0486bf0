/*Package expose orchestrates exposures of the LVM spectrographs.

A Pipeline sequences one exposure through its steps and exposes hooks at
each of them.  The Delegate plugs the LVM behavior into those hooks: it
operates the shutters, checks that they are closed before exposing,
collects telemetry from the IEB, the lamps and the telescopes while the
CCDs integrate, and annotates the FITS headers at readout.

	p := &expose.Pipeline{Controllers: ctrls, Writer: rec, ReadoutTime: 55 * time.Second}
	d := expose.NewDelegate(cfg)
	d.Install(p)
	res, err := p.Expose(ctx, cmd, expose.Request{Flavour: expose.Object, ExposureTime: 900 * time.Second, Readout: true})

Failures of individual probes are converted to warnings on the command and
never fail an exposure.  A shutter that fails to open aborts the exposure;
one that fails to close twice is flagged, the frames are still read out and
the exposure is reported as failed.
*/
package expose

import (
	"context"
	"sync"
	"time"

	"github.com/sdss/lvmscp/astro"
	"github.com/sdss/lvmscp/header"
)

// SensorReader reads the lab temperature and humidity directly
type SensorReader interface {
	Read(ctx context.Context) (temp, rh float64, err error)
}

// DepthReader reads the depth probes directly
type DepthReader interface {
	Read(ctx context.Context) (map[string]float64, error)
	Camera() string
}

// Config holds the settings of the delegate
type Config struct {
	// UseShutter is false when the spectrographs have no working shutter
	UseShutter bool

	// RetryDelay is the wait before the one retry of a failed shutter close
	RetryDelay time.Duration

	// IEB maps a controller to its IEB actor; DefaultIEB when absent
	IEB map[string]string

	// Lamps lists the NPS outlets that are calibration lamps
	Lamps []string

	// NPS is the power switch actor reporting lamp states
	NPS string

	// Telescopes are the telescope units queried for pointing and focus
	Telescopes []string

	// TimeLimit bounds every telemetry command, LampsTimeLimit the NPS one
	TimeLimit      time.Duration
	LampsTimeLimit time.Duration

	Location    astro.Location
	Observatory string
	Version     string

	// Sensors and Depth replace the IEB queries when set
	Sensors SensorReader
	Depth   DepthReader

	// OnProbeFailure and OnShutterFailure are notified of failures, e.g. for metrics
	OnProbeFailure   func(probe string)
	OnShutterFailure func(action string)

	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// DefaultIEB is the IEB actor of a controller with no explicit mapping
const DefaultIEB = "lvmieb"

// DefaultConfig returns the configuration used at LCO
func DefaultConfig() Config {
	return Config{
		UseShutter:     true,
		RetryDelay:     3 * time.Second,
		Lamps:          []string{"Argon", "Neon", "LDLS", "Quartz", "HgNe", "Xenon"},
		NPS:            "lvmnps",
		Telescopes:     []string{"sci", "skye", "skyw", "spec"},
		TimeLimit:      5 * time.Second,
		LampsTimeLimit: 10 * time.Second,
		Location:       astro.LCO,
		Observatory:    "LCO",
	}
}

// depth probe readings and the camera they are attached to
type depthData struct {
	values map[string]float64
	camera string
}

// Delegate holds the per-exposure state of the LVM exposure hooks.  All of
// it is reset when a new exposure enters its checks.
type Delegate struct {
	cfg Config

	// store accumulates header keywords collected during integration
	store *header.Header

	mu            sync.Mutex
	useShutter    bool
	shutterFailed bool
	pressure      map[string]float64
	depth         depthData
}

// NewDelegate returns a Delegate in its reset state
func NewDelegate(cfg Config) *Delegate {
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = 5 * time.Second
	}
	if cfg.LampsTimeLimit <= 0 {
		cfg.LampsTimeLimit = 2 * cfg.TimeLimit
	}
	if cfg.NPS == "" {
		cfg.NPS = "lvmnps"
	}
	if cfg.Location == (astro.Location{}) {
		cfg.Location = astro.LCO
	}
	if cfg.Observatory == "" {
		cfg.Observatory = cfg.Location.Name
	}
	d := &Delegate{cfg: cfg, store: header.New()}
	d.Reset()
	return d
}

// Install plugs the delegate into a pipeline
func (d *Delegate) Install(p *Pipeline) {
	p.Hooks = d.Hooks()
}

// Hooks returns the pipeline hooks implemented by the delegate
func (d *Delegate) Hooks() Hooks {
	return Hooks{
		Reset:         d.Reset,
		OnCheck:       d.Check,
		OnShutter:     d.Shutter,
		OnCotasks:     d.Cotasks,
		OnReadout:     d.Readout,
		OnPostProcess: d.PostProcess,
	}
}

// Reset clears the telemetry store, the pressure and depth data and the
// shutter failure flag
func (d *Delegate) Reset() {
	d.store.Reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.useShutter = d.cfg.UseShutter
	d.shutterFailed = false
	d.pressure = make(map[string]float64)
	d.depth = depthData{values: make(map[string]float64)}
}

// ShutterFailed is true if the shutters of the current exposure failed to close
func (d *Delegate) ShutterFailed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutterFailed
}

func (d *Delegate) usesShutter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.useShutter
}

// Store returns the header keywords collected for the current exposure
func (d *Delegate) Store() *header.Header {
	return d.store
}

// Pressure returns a copy of the per-CCD pressures of the current exposure
func (d *Delegate) Pressure() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]float64, len(d.pressure))
	for k, v := range d.pressure {
		out[k] = v
	}
	return out
}

// IEB returns the IEB actor of a controller
func (d *Delegate) IEB(ctrl string) string {
	if n, ok := d.cfg.IEB[ctrl]; ok && n != "" {
		return n
	}
	return DefaultIEB
}

func (d *Delegate) now() time.Time {
	if d.cfg.Now != nil {
		return d.cfg.Now()
	}
	return time.Now()
}

func (d *Delegate) probeFailed(probe string) {
	if d.cfg.OnProbeFailure != nil {
		d.cfg.OnProbeFailure(probe)
	}
}
