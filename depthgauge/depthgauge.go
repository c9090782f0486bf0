// Package depthgauge reads the three depth probes used to measure the focus
// stage of a camera.  The probes hang off a multi-channel gauge counter that
// answers GA00 with one "GNnn,<value>" line per channel.
package depthgauge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/tarm/serial"

	"github.com/sdss/lvmscp/comm"
)

// ErrNoReading is returned when the counter answered with no valid channel
var ErrNoReading = errors.New("depth gauge returned no readings")

var lineRE = regexp.MustCompile(`^GN(\d{2}),\s*([+-]?\d+(?:\.\d*)?)$`)

// DefaultChannels maps counter channels to probe names
var DefaultChannels = map[int]string{1: "A", 2: "B", 3: "C"}

// Gauge is a depth gauge counter
type Gauge struct {
	*comm.RemoteDevice

	// CameraName is the camera the probes are mounted on
	CameraName string

	// Channels maps counter channels to probe names
	Channels map[int]string
}

func newGauge(rd *comm.RemoteDevice, camera string) *Gauge {
	rd.TxTerminator = '\r'
	rd.RxTerminator = '\n'
	return &Gauge{RemoteDevice: rd, CameraName: camera, Channels: DefaultChannels}
}

// NewTCP returns a gauge behind a terminal server at addr
func NewTCP(addr, camera string) *Gauge {
	return newGauge(comm.NewRemoteDevice(addr), camera)
}

// NewSerial returns a gauge on a serial port
func NewSerial(port, camera string) *Gauge {
	return newGauge(comm.NewSerialDevice(&serial.Config{Name: port, Baud: 9600}), camera)
}

// Camera implements expose.DepthReader
func (g *Gauge) Camera() string {
	return g.CameraName
}

// Read returns the reading of every probe.  Channels that report an error
// or do not answer read NaN.
func (g *Gauge) Read(ctx context.Context) (map[string]float64, error) {
	lines, err := g.Lines(ctx, []byte("GA00"), len(g.Channels))
	if err != nil && len(lines) == 0 {
		return nil, err
	}
	out, perr := Parse(lines, g.Channels)
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

// Parse converts the lines of a GA00 reply to probe readings
func Parse(lines []string, channels map[int]string) (map[string]float64, error) {
	out := make(map[string]float64, len(channels))
	for _, name := range channels {
		out[name] = math.NaN()
	}
	valid := 0
	for _, l := range lines {
		m := lineRE.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		ch, _ := strconv.Atoi(m[1])
		name, ok := channels[ch]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		out[name] = v
		valid++
	}
	if valid == 0 {
		return nil, ErrNoReading
	}
	return out, nil
}
