package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sdss/lvmscp/actor"
	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/config"
	"github.com/sdss/lvmscp/depthgauge"
	"github.com/sdss/lvmscp/explog"
	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/imgrec"
	"github.com/sdss/lvmscp/influx"
	"github.com/sdss/lvmscp/metrics"
	"github.com/sdss/lvmscp/wago"
)

// setupLog sends the process log to a rotating file when one is configured
func setupLog(c config.Log) io.Closer {
	if c.File == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

// dialBus returns a bus client named name, over MQTT when a broker is
// configured and in-process otherwise
func dialBus(name string, c config.Bus) (*bus.Client, error) {
	codec, err := bus.CodecByName(c.Encoding)
	if err != nil {
		return nil, err
	}
	var t bus.Transport
	if c.Broker == "" {
		log.Println("no broker configured, using the in-process bus")
		t = bus.NewLoopback()
	} else {
		m, err := bus.DialMQTT(c.MQTT())
		if err != nil {
			return nil, err
		}
		t = m
	}
	return bus.NewClient(name, t, bus.WithCodec(codec), bus.WithPrefix(c.Prefix)), nil
}

// controllers builds the configured controllers.  Only simulated
// controllers are available.
func controllers(c config.Config) ([]ccd.Controller, error) {
	var out []ccd.Controller
	for _, name := range c.ControllerNames() {
		cc := c.Controllers[name]
		if !cc.Mock {
			return nil, fmt.Errorf("controller %s: no driver available, set mock: true", name)
		}
		rt := cc.ReadoutTime
		if rt == 0 {
			rt = c.ReadoutTime
		}
		out = append(out, ccd.NewSim(ccd.SimConfig{
			Name:        name,
			CCDs:        cc.CCDs,
			Width:       cc.Width,
			Height:      cc.Height,
			ReadoutTime: rt,
		}))
	}
	return out, nil
}

// Daemon is everything run by the lvmscp daemon
type Daemon struct {
	Actor  *actor.Actor
	Client *bus.Client

	closers []io.Closer
}

// Close releases the sinks, the devices and the bus
func (d *Daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			log.Println("close:", err)
		}
	}
}

// Build wires the actor from the configuration
func Build(c config.Config) (*Daemon, error) {
	d := &Daemon{}
	client, err := dialBus(c.Actor.Name, c.Bus)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	d.Client = client
	d.closers = append(d.closers, client)

	ctrls, err := controllers(c)
	if err != nil {
		d.Close()
		return nil, err
	}

	rec := imgrec.New(c.Files.DataDir, c.Files.Observatory)
	pipe := &expose.Pipeline{Controllers: ctrls, Writer: rec, ReadoutTime: c.ReadoutTime}
	m := metrics.New(func() float64 {
		etr, ok := pipe.ETR(time.Now())
		if !ok {
			return -1
		}
		return etr
	})

	version := c.Actor.Version
	if version == "" {
		version = Version
	}
	dcfg := expose.Config{
		UseShutter:       c.Shutter.Enabled,
		RetryDelay:       c.Shutter.RetryDelay,
		IEB:              c.IEB(),
		Lamps:            c.Lamps,
		NPS:              c.NPS,
		Telescopes:       c.Telescopes,
		TimeLimit:        c.Telemetry.TimeLimit,
		LampsTimeLimit:   c.Telemetry.LampsTimeLimit,
		Location:         c.Observatory,
		Observatory:      c.Files.Observatory,
		Version:          version,
		OnProbeFailure:   m.ProbeFailure,
		OnShutterFailure: m.ShutterFailure,
	}
	if c.Sensors.Source == "modbus" {
		w := wago.New(c.Sensors.Modbus)
		dcfg.Sensors = w
		d.closers = append(d.closers, w)
		log.Printf("reading lab sensors from the Modbus module at %s\n", c.Sensors.Modbus.Addr)
	}
	if c.Depth.Source == "gauge" {
		g := c.Depth.Gauge
		var gauge *depthgauge.Gauge
		if g.Serial != "" {
			gauge = depthgauge.NewSerial(g.Serial, g.Camera)
		} else {
			gauge = depthgauge.NewTCP(g.Addr, g.Camera)
		}
		dcfg.Depth = gauge
		d.closers = append(d.closers, gauge)
	}
	delegate := expose.NewDelegate(dcfg)
	delegate.Install(pipe)

	var sinks []expose.Sink
	if c.ExpLog.Path != "" {
		l, err := explog.Open(c.ExpLog.Path)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("exposure log: %w", err)
		}
		sinks = append(sinks, l)
		d.closers = append(d.closers, l)
	}
	ic, err := influx.Connect(c.Influx)
	switch {
	case err == nil:
		ic.SetOnError(func(err error) { log.Println("influx:", err) })
		sinks = append(sinks, ic)
		d.closers = append(d.closers, ic)
	case errors.Is(err, influx.ErrDisabled):
	default:
		log.Println("influx archive disabled:", err)
	}

	d.Actor = actor.New(actor.Options{
		Name:        c.Actor.Name,
		Version:     version,
		Client:      client,
		Pipeline:    pipe,
		Delegate:    delegate,
		Sinks:       sinks,
		Metrics:     m,
		Recorder:    rec,
		StatusDelay: c.Actor.StatusDelay,
	})
	return d, nil
}
