package expose

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sdss/lvmscp/astro"
	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/header"
	"github.com/sdss/lvmscp/mathx"
)

// Cotasks collects telemetry while the CCDs integrate.  Every probe runs
// concurrently and converts its own failures into warnings.
func (d *Delegate) Cotasks(ctx context.Context, x *Exposure) {
	Debug(x.Command, "Grabbing sensor data and system status.")
	names := x.Data.ControllerNames()
	if len(names) == 0 {
		return
	}
	// spectrograph-wide probes use the first controller
	spec := names[0]

	probes := []func(){
		func() { d.hartmann(ctx, x.Command, spec) },
		func() { d.sensors(ctx, x.Command, spec) },
		func() { d.lamps(ctx, x.Command) },
		func() { d.depthProbes(ctx, x.Command, spec) },
		func() { d.telescopes(ctx, x.Command) },
	}
	for _, n := range names {
		n := n
		probes = append(probes, func() { d.pressureProbe(ctx, x.Command, n) })
	}

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p func()) {
			defer wg.Done()
			p()
		}(p)
	}
	wg.Wait()
}

func doorOpen(res *bus.Result, key string) (bool, bool) {
	v, ok := res.Get(key)
	if !ok {
		return false, false
	}
	m, ok := bus.AsMap(v)
	if !ok {
		return false, false
	}
	return bus.AsBool(m["open"])
}

func bit(closed bool) int {
	if closed {
		return 1
	}
	return 0
}

// hartmann records the doors as a two character string, left then right,
// 0 for open and 1 for closed
func (d *Delegate) hartmann(ctx context.Context, cmd Command, spec string) {
	res, err := cmd.Send(ctx, d.IEB(spec), "hartmann status "+spec, d.cfg.TimeLimit)
	var left, right, lok, rok bool
	if res != nil {
		left, lok = doorOpen(res, spec+"_hartmann_left")
		right, rok = doorOpen(res, spec+"_hartmann_right")
	}
	if !lok || !rok {
		d.probeFailed("hartmann")
		Warning(cmd, "%s: failed retrieving hartmann door status.%s", spec, suffix(err))
		return
	}
	d.store.Set("HARTMANN", fmt.Sprintf("%d%d", bit(!left), bit(!right)), "Left/right Hartmann doors. 0=open, 1=closed")
}

func suffix(err error) string {
	if err == nil {
		return ""
	}
	return " " + err.Error()
}

func (d *Delegate) sensors(ctx context.Context, cmd Command, spec string) {
	if d.cfg.Sensors != nil {
		t, rh, err := d.cfg.Sensors.Read(ctx)
		if err != nil {
			d.probeFailed("sensors")
			Warning(cmd, "%s: failed retrieving sensor values. %v", spec, err)
			return
		}
		d.store.Set("LABTEMP", mathx.Decimals(t, 2), "Lab temperature [C]")
		d.store.Set("LABHUMID", mathx.Decimals(rh, 2), "Lab relative humidity [%]")
		return
	}

	res, err := cmd.Send(ctx, d.IEB(spec), "wago status "+spec, d.cfg.TimeLimit)
	v, ok := res.Get(spec + "_sensors")
	var m bus.Fields
	if ok {
		m, ok = bus.AsMap(v)
	}
	if !ok {
		d.probeFailed("sensors")
		Warning(cmd, "%s: failed retrieving sensor values.%s", spec, suffix(err))
		return
	}
	d.store.Set("LABTEMP", m.Float("t3", header.Sentinel), "Lab temperature [C]")
	d.store.Set("LABHUMID", m.Float("rh3", header.Sentinel), "Lab relative humidity [%]")
}

func (d *Delegate) pressureProbe(ctx context.Context, cmd Command, spec string) {
	res, err := cmd.Send(ctx, d.IEB(spec), "transducer status "+spec, d.cfg.TimeLimit)
	v, ok := res.Get("transducer")
	var m bus.Fields
	if ok {
		m, ok = bus.AsMap(v)
	}
	if !ok {
		d.probeFailed("pressure")
		Warning(cmd, "%s: failed retrieving pressure status.%s", spec, suffix(err))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range m {
		if f, ok := bus.AsFloat(v); ok {
			d.pressure[k] = f
		}
	}
}

// depthProbes is low priority telemetry and fails silently
func (d *Delegate) depthProbes(ctx context.Context, cmd Command, spec string) {
	var dd depthData
	if d.cfg.Depth != nil {
		values, err := d.cfg.Depth.Read(ctx)
		if err != nil {
			return
		}
		dd = depthData{values: values, camera: d.cfg.Depth.Camera()}
	} else {
		res, _ := cmd.Send(ctx, d.IEB(spec), "depth status", d.cfg.TimeLimit)
		v, ok := res.Get("depth")
		if !ok {
			return
		}
		m, ok := bus.AsMap(v)
		if !ok {
			return
		}
		dd.values = make(map[string]float64)
		for k, v := range m {
			if k == "camera" {
				dd.camera, _ = bus.AsString(v)
				continue
			}
			if f, ok := bus.AsFloat(v); ok {
				dd.values[k] = f
			}
		}
	}
	d.mu.Lock()
	d.depth = dd
	d.mu.Unlock()
}

// lamps records ON or OFF for every configured lamp, or ? if its state is unknown
func (d *Delegate) lamps(ctx context.Context, cmd Command) {
	allowed := make(map[string]bool, len(d.cfg.Lamps))
	for _, l := range d.cfg.Lamps {
		allowed[l] = true
		d.store.Set(strings.ToUpper(l), "?", l+" lamp status")
	}
	if len(allowed) == 0 {
		return
	}

	res, err := cmd.Send(ctx, d.cfg.NPS, "status", d.cfg.LampsTimeLimit)
	v, ok := res.Get("status")
	var switches bus.Fields
	if ok {
		switches, ok = bus.AsMap(v)
	}
	if !ok {
		if err == nil {
			err = fmt.Errorf("no status in %s reply", d.cfg.NPS)
		}
		d.probeFailed("lamps")
		Warning(cmd, "Failed retrieving lamp status: %v", err)
		return
	}
	for sw := range switches {
		outlets, ok := switches.Map(sw)
		if !ok {
			continue
		}
		for name := range outlets {
			if !allowed[name] {
				continue
			}
			outlet, ok := outlets.Map(name)
			if !ok {
				continue
			}
			state := "OFF"
			if outlet.Float("state", 0) == 1 {
				state = "ON"
			}
			d.store.Set(strings.ToUpper(name), state)
		}
	}
}

// telescopes queries every telescope's mount, k-mirror and focuser concurrently
func (d *Delegate) telescopes(ctx context.Context, cmd Command) {
	var wg sync.WaitGroup
	for _, tel := range d.cfg.Telescopes {
		devices := []string{"pwi", "foc"}
		if tel != "spec" {
			devices = append(devices, "km")
		}
		for _, dev := range devices {
			wg.Add(1)
			go func(tel, dev string) {
				defer wg.Done()
				d.telescopeDevice(ctx, cmd, tel, dev)
			}(tel, dev)
		}
	}
	wg.Wait()
}

var deviceNames = map[string]string{
	"pwi": "PWI",
	"km":  "k-mirror",
	"foc": "focus",
}

func (d *Delegate) telescopeDevice(ctx context.Context, cmd Command, tel, dev string) {
	actor := fmt.Sprintf("lvm.%s.%s", tel, dev)
	res, err := cmd.Send(ctx, actor, "status", d.cfg.TimeLimit)
	if err != nil || res.DidFail() {
		d.probeFailed("telescope")
		Warning(cmd, "Failed getting %s %s status.", tel, deviceNames[dev])
		return
	}
	key := "TE" + strings.ToUpper(tel)
	get := func(name string) (float64, bool) {
		v, ok := res.Get(name)
		if !ok {
			return 0, false
		}
		return bus.AsFloat(v)
	}

	switch dev {
	case "pwi":
		ra, ok := get("ra_j2000_hours")
		if !ok {
			ra = header.Sentinel
		}
		d.store.Set(key+"RA", mathx.Decimals(astro.RAHoursToDegrees(ra), 6), tel+" telescope RA [deg]")
		dec, ok := get("dec_j2000_degs")
		if !ok {
			dec = header.Sentinel
		}
		d.store.Set(key+"DE", mathx.Decimals(dec, 6), tel+" telescope Dec [deg]")
		if alt, ok := get("altitude_degs"); ok {
			d.store.Set(key+"AM", mathx.Decimals(astro.Airmass(alt), 3), tel+" telescope airmass")
		}
	case "km":
		pos, ok := get("Position")
		if !ok {
			d.probeFailed("telescope")
			Warning(cmd, "Failed getting %s k-mirror status.", tel)
			return
		}
		d.store.Set(key+"KM", mathx.Decimals(pos, 2), tel+" k-mirror position [deg]")
	case "foc":
		pos, ok := get("Position")
		if !ok {
			d.probeFailed("telescope")
			Warning(cmd, "Failed getting %s focus status.", tel)
			return
		}
		d.store.Set(key+"FO", mathx.Decimals(pos, 2), tel+" focuser position [DT]")
	}
}
