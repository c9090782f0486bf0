package influx_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/header"
	"github.com/sdss/lvmscp/influx"
)

func TestConnectDisabled(t *testing.T) {
	c, err := influx.Connect(influx.Config{})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, influx.ErrDisabled)
}

func TestFields(t *testing.T) {
	h := header.New()
	h.Set("EXPOSURE", 12)
	h.Set("PRESSURE", 2.5e-7)
	h.Set("DEPTHA", header.Sentinel)
	h.Set("LABTEMP", math.NaN())
	h.Set("CCD", "b1")
	h.Set("ARGON", "ON")

	assert.Equal(t, map[string]interface{}{"exposure": 12.0, "pressure": 2.5e-7}, influx.Fields(h))
	assert.Empty(t, influx.Fields(nil))
}

func TestPoints(t *testing.T) {
	h := header.New()
	h.Set("CCDTEMP1", -110.0)
	rec := expose.ExposureRecord{
		ExposureNo:   3,
		Flavour:      expose.Flat,
		ExposureTime: 2 * time.Second,
		StartTime:    time.Date(2024, 8, 26, 3, 0, 0, 0, time.UTC),
		Frames: []expose.Written{
			{Controller: "sp1", CCD: "r1", Header: h},
			{Controller: "sp1", CCD: "b1"},
		},
	}
	pts := influx.Points(rec)
	require.Len(t, pts, 2)
	assert.Equal(t, influx.Measurement, pts[0].Name())
	assert.Len(t, pts[0].TagList(), 3)
	assert.Len(t, pts[0].FieldList(), 4)
	assert.Len(t, pts[1].FieldList(), 3)
	assert.True(t, pts[0].Time().Equal(rec.StartTime))
}
