package ccd_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/ccd"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "IDLE", ccd.Idle.String())
	assert.Equal(t, "IDLE|ERROR", (ccd.Idle | ccd.Error).String())
	assert.Equal(t, "UNKNOWN", ccd.Status(0).String())
	assert.True(t, (ccd.Exposing | ccd.Error).Has(ccd.Exposing))
	assert.False(t, ccd.Idle.Has(0))
	assert.True(t, ccd.ReadoutPending.Active())
	assert.False(t, ccd.Idle.Active())
}

func TestSimCycle(t *testing.T) {
	sim := ccd.NewSim(ccd.SimConfig{Name: "sp1", CCDs: []string{"r1", "b1"}, Width: 8, Height: 4, ReadoutTime: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, sim.Expose(ctx, 5*time.Millisecond))
	assert.Equal(t, ccd.ReadoutPending, sim.Status())
	require.NoError(t, sim.Readout(ctx))
	assert.Equal(t, ccd.Idle, sim.Status())

	frames, err := sim.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "b1", frames[1].CCD)
	assert.Len(t, frames[0].Data, 32)
	assert.Equal(t, "r1", frames[0].Header.Value("CCD"))

	_, err = sim.Fetch(ctx)
	assert.True(t, errors.Is(err, ccd.ErrNoFrames))
}

func TestSimFaults(t *testing.T) {
	sim := ccd.NewSim(ccd.SimConfig{Name: "sp1", CCDs: []string{"r1"}})
	boom := errors.New("boom")
	sim.ReadoutErr = boom
	ctx := context.Background()

	require.NoError(t, sim.Expose(ctx, 0))
	assert.Equal(t, boom, sim.Readout(ctx))
	assert.True(t, sim.Status().Has(ccd.Error))

	sim.SetConnected(false)
	assert.True(t, errors.Is(sim.Expose(ctx, 0), ccd.ErrNotConnected))
}

func TestAggregate(t *testing.T) {
	a := ccd.NewSim(ccd.SimConfig{Name: "sp1"})
	b := ccd.NewSim(ccd.SimConfig{Name: "sp2"})
	b.SetStatus(ccd.Reading)
	assert.Equal(t, ccd.Idle|ccd.Reading, ccd.Aggregate([]ccd.Controller{a, b}))
}
