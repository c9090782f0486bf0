package expose_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/expose"
)

func TestETR(t *testing.T) {
	start := time.Date(2024, 8, 26, 3, 0, 0, 0, time.UTC)
	readout := 55 * time.Second
	data := &expose.ExposeData{
		Flavour:      expose.Object,
		ExposureTime: 10 * time.Second,
		StartTime:    start,
		ReadoutStart: start.Add(10 * time.Second),
	}

	tests := []struct {
		name    string
		status  ccd.Status
		data    *expose.ExposeData
		elapsed time.Duration
		want    float64
		ok      bool
	}{
		{"integrating", ccd.Exposing, data, 3 * time.Second, 62, true},
		{"integration overrun", ccd.Exposing, data, 12 * time.Second, 55, true},
		{"readout pending", ccd.ReadoutPending, data, 11 * time.Second, 55, true},
		{"reading", ccd.Reading, data, 30 * time.Second, 35, true},
		{"reading overrun", ccd.Reading, data, 90 * time.Second, 0, true},
		{"idle", ccd.Idle, data, 0, 0, false},
		{"idle with error", ccd.Idle | ccd.Error, data, 0, 0, false},
		{"no exposure", ccd.Exposing, nil, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			etr, ok := expose.ETR(tt.status, tt.data, start.Add(tt.elapsed), readout)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, etr, 1e-9)
		})
	}
}

func TestParseFlavour(t *testing.T) {
	f, err := expose.ParseFlavour("ARC")
	assert.NoError(t, err)
	assert.Equal(t, expose.Arc, f)
	_, err = expose.ParseFlavour("science")
	assert.ErrorIs(t, err, expose.ErrInvalidFlavour)
}
