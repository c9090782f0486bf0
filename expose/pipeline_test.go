package expose_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/header"
)

func newPipeline(ctrls ...ccd.Controller) (*expose.Pipeline, *expose.Delegate, *memWriter) {
	w := &memWriter{}
	p := &expose.Pipeline{Controllers: ctrls, Writer: w, ReadoutTime: 55 * time.Second}
	d := expose.NewDelegate(testConfig())
	d.Install(p)
	return p, d, w
}

func TestExposeObject(t *testing.T) {
	p, d, w := newPipeline(sim("sp1", "r1", "b1", "z1"))
	cmd := newFakeCmd()
	extra := header.New()
	extra.Set("OBSERVER", "lvm")

	res, err := p.Expose(context.Background(), cmd, expose.Request{
		Flavour:      expose.Object,
		ExposureTime: 5 * time.Millisecond,
		Readout:      true,
		Header:       extra,
	})
	require.NoError(t, err)
	require.Len(t, res.Frames, 3)
	assert.Equal(t, 1, res.ExposureNo)
	assert.Equal(t, []string{
		"sdR-s-r1-00000001.fits.gz",
		"sdR-s-b1-00000001.fits.gz",
		"sdR-s-z1-00000001.fits.gz",
	}, res.Filenames())
	assert.Equal(t, expose.StateIdle, p.State())
	assert.False(t, d.ShutterFailed())

	assert.Equal(t, 1, cmd.count("lvmieb shutter open sp1"))
	assert.Equal(t, 1, cmd.count("lvmieb shutter close sp1"))

	h := w.frames[1].Header
	assert.Equal(t, "b1", h.Value("CCD"))
	assert.Equal(t, "object", h.Value("IMAGETYP"))
	assert.Equal(t, "lvm", h.Value("OBSERVER"))
	assert.Equal(t, "01", h.Value("HARTMANN"))
	assert.Equal(t, 2.5e-7, h.Value("PRESSURE"))
	assert.Equal(t, 1.5, h.Value("DEPTHA"))
	assert.Equal(t, -110.0, h.Value("CCDTEMP1"))

	v, ok := cmd.field("filenames")
	require.True(t, ok)
	assert.Len(t, v, 3)
}

func TestExposeBiasSkipsShutter(t *testing.T) {
	p, _, _ := newPipeline(sim("sp1", "r1"))
	cmd := newFakeCmd()
	res, err := p.Expose(context.Background(), cmd, expose.Request{
		Flavour:      expose.Bias,
		ExposureTime: time.Second,
		Readout:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), res.ExposureTime, "biases have no exposure time")
	assert.Equal(t, 0, cmd.count("lvmieb shutter open"))
	assert.Equal(t, 0, cmd.count("lvmieb shutter close"))
}

func TestExposeShutterCloseFailure(t *testing.T) {
	p, d, w := newPipeline(sim("sp1", "r1"))
	cmd := newFakeCmd()
	cmd.on("lvmieb shutter close sp1", func(int) (*bus.Result, error) { return failed(), nil })

	res, err := p.Expose(context.Background(), cmd, expose.Request{
		Flavour:      expose.Arc,
		ExposureTime: time.Millisecond,
		Readout:      true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, expose.ErrReadout))
	assert.True(t, d.ShutterFailed())

	// the frame is still written
	require.NotNil(t, res)
	assert.Len(t, res.Filenames(), 1)
	assert.Len(t, w.frames, 1)
	assert.Equal(t, 3, cmd.count("lvmieb shutter open")+cmd.count("lvmieb shutter close"))

	var contaminated bool
	for _, s := range cmd.texts(bus.Warning) {
		if s == "Frame was read out but shutter failed to close. There may be contamination in the image." {
			contaminated = true
		}
	}
	assert.True(t, contaminated)
}

func TestExposeCheckFailureAborts(t *testing.T) {
	sp1 := sim("sp1", "r1")
	p, _, w := newPipeline(sp1)
	cmd := newFakeCmd()
	cmd.on("lvmieb shutter status sp1", func(int) (*bus.Result, error) {
		return done(bus.Fields{"sp1_shutter": bus.Fields{"open": true, "invalid": false}}), nil
	})

	res, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Object, ExposureTime: time.Second, Readout: true})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, expose.ErrCheckFailed))
	assert.Contains(t, err.Error(), "invalid state or open")
	assert.Equal(t, 0, cmd.count("lvmieb shutter open"))
	assert.Equal(t, ccd.Idle, sp1.Status())
	assert.Empty(t, w.frames)
	assert.Equal(t, expose.StateIdle, p.State())
}

func TestExposeShutterOpenFailureAborts(t *testing.T) {
	sp1 := sim("sp1", "r1")
	p, _, w := newPipeline(sp1)
	cmd := newFakeCmd()
	cmd.on("lvmieb shutter open sp1", func(int) (*bus.Result, error) { return failed(), nil })

	_, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Object, ExposureTime: time.Second, Readout: true})
	assert.True(t, errors.Is(err, expose.ErrShutterOpen))
	assert.Equal(t, 0, cmd.count("lvm.sci.pwi"), "no telemetry without integration")
	assert.Equal(t, ccd.Idle, sp1.Status())
	assert.Empty(t, w.frames)
}

func TestExposeRejectsController(t *testing.T) {
	cases := []struct {
		name   string
		status ccd.Status
	}{
		{"reading", ccd.Reading},
		{"idle with error", ccd.Idle | ccd.Error},
		{"bad power", ccd.Idle | ccd.PowerBad},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp1 := sim("sp1", "r1")
			sp1.SetStatus(tc.status)
			p, _, w := newPipeline(sp1)
			cmd := newFakeCmd()
			_, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Dark, ExposureTime: time.Millisecond, Readout: true})
			assert.True(t, errors.Is(err, expose.ErrCheckFailed))
			assert.Zero(t, cmd.count("lvmieb shutter"))
			assert.Empty(t, w.frames)
			assert.Equal(t, expose.StateIdle, p.State())
		})
	}
}

func TestExposeUnknownController(t *testing.T) {
	p, _, _ := newPipeline(sim("sp1", "r1"))
	_, err := p.Expose(context.Background(), newFakeCmd(), expose.Request{Controllers: []string{"sp9"}})
	assert.True(t, errors.Is(err, expose.ErrUnknownController))
}

func TestExposeBusy(t *testing.T) {
	p, _, _ := newPipeline(sim("sp1", "r1"))
	started := make(chan struct{})
	finished := make(chan error, 1)
	cmd := newFakeCmd()
	cmd.on("lvmieb shutter open sp1", func(int) (*bus.Result, error) {
		close(started)
		return done(nil), nil
	})
	go func() {
		_, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Object, ExposureTime: 100 * time.Millisecond, Readout: true})
		finished <- err
	}()
	<-started

	_, err := p.Expose(context.Background(), newFakeCmd(), expose.Request{Flavour: expose.Object, ExposureTime: time.Second})
	assert.True(t, errors.Is(err, expose.ErrBusy))
	assert.NoError(t, <-finished)
}

func TestDeferredReadout(t *testing.T) {
	sp1 := sim("sp1", "r1")
	p, _, w := newPipeline(sp1)
	cmd := newFakeCmd()

	_, err := p.Readout(context.Background(), cmd)
	assert.True(t, errors.Is(err, expose.ErrNothingToRead))

	res, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Dark, ExposureTime: time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, res.Frames)
	assert.Equal(t, expose.StateReadoutPending, p.State())
	assert.Equal(t, ccd.ReadoutPending, sp1.Status())

	etr, ok := p.ETR(time.Now())
	require.True(t, ok)
	assert.Equal(t, 55.0, etr)

	res, err = p.Readout(context.Background(), cmd)
	require.NoError(t, err)
	assert.Len(t, res.Frames, 1)
	assert.Len(t, w.frames, 1)
	assert.Equal(t, expose.StateIdle, p.State())

	_, ok = p.ETR(time.Now())
	assert.False(t, ok)
}

func TestDeferredReadoutKeepsNumberingDate(t *testing.T) {
	p, _, w := newPipeline(sim("sp1", "r1", "b1"))
	var mu sync.Mutex
	clock := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	p.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	numbered := clock
	cmd := newFakeCmd()

	_, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Bias})
	require.NoError(t, err)
	assert.Equal(t, numbered, p.Data().NumberedAt)

	mu.Lock()
	clock = clock.Add(24 * time.Hour)
	mu.Unlock()

	res, err := p.Readout(context.Background(), cmd)
	require.NoError(t, err)
	require.Len(t, res.Frames, 2)
	require.Len(t, w.times, 2)
	for _, at := range w.times {
		assert.Equal(t, numbered, at)
	}
}

func TestExposureResetsState(t *testing.T) {
	p, d, _ := newPipeline(sim("sp1", "r1"))
	cmd := newFakeCmd()
	cmd.on("lvmieb shutter close sp1", func(int) (*bus.Result, error) { return failed(), nil })
	_, err := p.Expose(context.Background(), cmd, expose.Request{Flavour: expose.Object, ExposureTime: time.Millisecond, Readout: true})
	require.Error(t, err)
	require.True(t, d.ShutterFailed())
	d.Store().Set("STALE", 1)

	// a rejected exposure still resets on entry to the checks
	cmd2 := newFakeCmd()
	cmd2.on("lvmieb shutter status sp1", func(int) (*bus.Result, error) { return failed(), nil })
	_, err = p.Expose(context.Background(), cmd2, expose.Request{Flavour: expose.Object, ExposureTime: time.Millisecond, Readout: true})
	require.Error(t, err)
	assert.False(t, d.ShutterFailed())
	assert.False(t, d.Store().Has("STALE"))
}
