package ln2

import (
	"context"
	"fmt"

	"github.com/sdss/lvmscp/bus"
)

// cryostat temperature channels of the controllers, per camera color
var tempChannels = []struct{ color, key string }{
	{"r", "mod2/tempb"},
	{"b", "mod2/tempc"},
	{"z", "mod12/tempb"},
}

func (s *Session) send(ctx context.Context, actor, command string) (*bus.Result, error) {
	res, err := s.Sender.Send(ctx, actor, command, s.TimeLimit)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", actor, command, err)
	}
	if res.DidFail() {
		return nil, fmt.Errorf("%s %s failed", actor, command)
	}
	return res, nil
}

// outletState reads the state of the single outlet in a status reply
func outletState(res *bus.Result, spec string) (string, bool, bool) {
	v, ok := res.Get("status")
	if !ok {
		return "", false, false
	}
	status, ok := bus.AsMap(v)
	if !ok {
		return "", false, false
	}
	outlets, ok := bus.AsMap(status[spec])
	if !ok {
		return "", false, false
	}
	for name, o := range outlets {
		m, ok := bus.AsMap(o)
		if !ok {
			continue
		}
		state, ok := bus.AsFloat(m["state"])
		if !ok {
			continue
		}
		return name, state != 0, true
	}
	return "", false, false
}

// OutletStatus prints whether each camera valve and the purge valve is open
func (s *Session) OutletStatus(ctx context.Context) error {
	s.heading("Outlet status")
	outlets := make([]Outlet, 0, len(AllCameras)+1)
	for _, cam := range AllCameras {
		outlets = append(outlets, Outlet{Spec: specOf(cam), Name: cam})
	}
	outlets = append(outlets, PurgeOutlet)

	for _, o := range outlets {
		res, err := s.send(ctx, "lvmnps."+o.Spec, fmt.Sprintf("status %s -o %s", o.Spec, o.Name))
		if err != nil {
			return fmt.Errorf("failed getting outlet status: %w", err)
		}
		name, on, ok := outletState(res, o.Spec)
		if !ok {
			return fmt.Errorf("failed getting outlet status: no state for %s", o.Name)
		}
		state := "off"
		if on {
			state = "on"
		}
		s.Printf("%s: %s", name, state)
	}
	return nil
}

// deviceValue finds key in the status replies of a controller
func deviceValue(res *bus.Result, key string) (float64, bool) {
	for i := len(res.Replies) - 1; i >= 0; i-- {
		st, ok := bus.AsMap(res.Replies[i].Fields["status"])
		if !ok {
			continue
		}
		if v, ok := bus.AsFloat(st[key]); ok {
			return v, true
		}
	}
	return 0, false
}

// LN2Temps prints the cryostat temperatures reported by the controllers
func (s *Session) LN2Temps(ctx context.Context) error {
	s.heading("LN2 temperatures")
	for _, spec := range Spectrographs {
		res, err := s.send(ctx, "lvmscp."+spec, "status")
		if err != nil {
			return err
		}
		for _, ch := range tempChannels {
			cam := ch.color + spec[len(spec)-1:]
			if t, ok := deviceValue(res, ch.key); ok {
				s.Printf("%s: %.2f", cam, t)
			} else {
				s.Printf("%s: ???", cam)
			}
		}
	}
	return nil
}

// Pressures prints the cryostat pressures measured by the IEB transducers
func (s *Session) Pressures(ctx context.Context) error {
	s.heading("Pressures")
	for _, spec := range Spectrographs {
		res, err := s.send(ctx, "lvmieb."+spec, "transducer status")
		var transducer bus.Fields
		if err == nil {
			if v, ok := res.Get("transducer"); ok {
				transducer, _ = bus.AsMap(v)
			}
		}
		for _, color := range []string{"r", "b", "z"} {
			cam := color + spec[len(spec)-1:]
			if p, ok := bus.AsFloat(transducer[cam+"_pressure"]); ok {
				s.Printf("%s: %.2g", cam, p)
			} else {
				s.Printf("%s: ???", cam)
			}
		}
	}
	return nil
}

// Status prints the outlets, the temperatures and the pressures
func (s *Session) Status(ctx context.Context) error {
	if err := s.OutletStatus(ctx); err != nil {
		return err
	}
	s.Println("")
	if err := s.LN2Temps(ctx); err != nil {
		return err
	}
	s.Println("")
	return s.Pressures(ctx)
}
