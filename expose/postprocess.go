package expose

import (
	"context"

	"github.com/sdss/lvmscp/astro"
	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/header"
	"github.com/sdss/lvmscp/mathx"
)

var depthChannels = []string{"A", "B", "C"}

// Readout warns about possible contamination if the shutters failed to
// close, runs the base readout and fails the exposure if either the readout
// or the shutters failed.  Frames are written in both cases.
func (d *Delegate) Readout(ctx context.Context, x *Exposure, base ReadoutFunc) bool {
	if d.ShutterFailed() {
		Warning(x.Command, "Frame was read out but shutter failed to close. There may be contamination in the image.")
	}
	ok := base(ctx, x)
	switch {
	case !ok && d.ShutterFailed():
		return x.Fail("Readout failed after the shutters failed to close. %s", x.Reason())
	case d.ShutterFailed():
		return x.Fail("Shutters failed to close; frames were written but may be contaminated.")
	}
	return ok
}

// PostProcess adds the software version, the sidereal time, the SJD and the
// telemetry collected during integration to every frame.  NaN values are
// replaced by nil.
func (d *Delegate) PostProcess(ctx context.Context, x *Exposure, ctrl ccd.Controller, frames []*ccd.Frame) []*ccd.Frame {
	Debug(x.Command, "Running exposure post-process.")
	now := d.now()
	lmst := mathx.Decimals(astro.LMST(now, d.cfg.Location), 6)
	sjd := astro.SJD(now, d.cfg.Observatory)

	d.mu.Lock()
	pressure := make(map[string]float64, len(d.pressure))
	for k, v := range d.pressure {
		pressure[k] = v
	}
	depth := d.depth
	d.mu.Unlock()

	for _, f := range frames {
		if f.Header == nil {
			f.Header = header.New()
		}
		h := f.Header
		name := f.CCD
		if v, ok := h.Value("CCD").(string); ok && v != "" {
			name = v
		}

		h.Set("V_LVMSCP", d.cfg.Version, "Version of lvmscp")
		h.Set("LMST", lmst, "Local mean sidereal time [hr]")
		h.Update(d.store)
		h.Set("SMJD", sjd, "SDSS Modified Julian Date")

		p, ok := pressure[name+"_pressure"]
		if !ok {
			p = header.Sentinel
		}
		h.Set("PRESSURE", p, "Cryostat pressure [torr]")

		for _, ch := range depthChannels {
			v := header.Sentinel
			if name == depth.camera {
				if dv, ok := depth.values[ch]; ok {
					v = dv
				}
			}
			h.Set("DEPTH"+ch, v, "Depth probe "+ch+" [mm]")
		}
		h.Sanitize()
	}
	return frames
}
