// Package influx archives the telemetry of every exposure to InfluxDB: one
// point per written frame, carrying the numeric keywords of its header.
package influx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/header"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// Measurement is the name of the measurement exposures are written to
	Measurement = "lvmscp_exposure"
)

var (
	// ErrDisabled is returned by Connect when the archive is turned off
	ErrDisabled = errors.New("influxdb archive is disabled")

	// ErrConnectionFailed is returned when the server cannot be reached
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

// Config holds the connection parameters
type Config struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	URL     string `koanf:"url" yaml:"url"`
	Token   string `koanf:"token" yaml:"token"`
	Org     string `koanf:"org" yaml:"org"`
	Bucket  string `koanf:"bucket" yaml:"bucket"`

	// BatchSize is the number of points sent at once
	BatchSize int `koanf:"batch_size" yaml:"batch_size"`

	// FlushInterval is the longest a point waits before being sent
	FlushInterval time.Duration `koanf:"flush_interval" yaml:"flush_interval"`
}

// Client writes exposure points.  It is safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu      sync.RWMutex
	onError func(err error)
}

// Connect creates the client and pings the server
func Connect(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %v", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go c.handleWriteErrors(c.writeAPI.Errors())
	return c, nil
}

func (c *Client) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		fn := c.onError
		c.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError sets a callback for asynchronous write failures
func (c *Client) SetOnError(fn func(err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Close flushes pending points and closes the client
func (c *Client) Close() error {
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// Record implements expose.Sink.  Points are batched and sent in the
// background; write errors reach the SetOnError callback.
func (c *Client) Record(ctx context.Context, rec expose.ExposureRecord) error {
	for _, p := range Points(rec) {
		c.writeAPI.WritePoint(p)
	}
	return nil
}

// Points builds one point per frame of rec, timestamped at the start of the
// exposure
func Points(rec expose.ExposureRecord) []*write.Point {
	out := make([]*write.Point, 0, len(rec.Frames))
	for _, f := range rec.Frames {
		tags := map[string]string{
			"spec":    f.Controller,
			"ccd":     f.CCD,
			"flavour": string(rec.Flavour),
		}
		fields := Fields(f.Header)
		fields["exposure_no"] = rec.ExposureNo
		fields["exptime"] = rec.ExposureTime.Seconds()
		fields["shutter_failed"] = rec.ShutterFailed
		out = append(out, write.NewPoint(Measurement, tags, fields, rec.StartTime))
	}
	return out
}

// Fields returns the finite numeric keywords of h, keyed by lower-cased name.
// Sentinel values are dropped.
func Fields(h *header.Header) map[string]interface{} {
	out := make(map[string]interface{})
	if h == nil {
		return out
	}
	for _, c := range h.Cards() {
		var f float64
		switch v := c.Value.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		default:
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f == header.Sentinel {
			continue
		}
		out[strings.ToLower(c.Name)] = f
	}
	return out
}
