package explog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/expose"
	"github.com/sdss/lvmscp/explog"
)

func record(expNo int) expose.ExposureRecord {
	return expose.ExposureRecord{
		ExposureNo:   expNo,
		Flavour:      expose.Arc,
		ExposureTime: 10 * time.Second,
		StartTime:    time.Date(2024, 8, 26, 3, 0, 0, 0, time.UTC),
		Frames: []expose.Written{
			{Controller: "sp1", CCD: "r1", Path: "/data/60548/sdR-s-r1-00000003.fits.gz"},
			{Controller: "sp1", CCD: "b1", Path: "/data/60548/sdR-s-b1-00000003.fits.gz"},
		},
		ShutterFailed: true,
		Log:           expose.LogValues{LampCurrent: "10mA", TestNo: "4", Purpose: "focus"},
	}
}

func TestRecordAndRecent(t *testing.T) {
	l, err := explog.Open(filepath.Join(t.TempDir(), "exposures.db"))
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record(3)))
	require.NoError(t, l.Record(ctx, expose.ExposureRecord{ExposureNo: 4}), "records without frames are ignored")

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sdR-s-b1-00000003.fits.gz", got[0].Filename)
	assert.Equal(t, "r1", got[1].CCD)
	assert.Equal(t, 3, got[1].ExposureNo)
	assert.Equal(t, "arc", got[1].Flavour)
	assert.Equal(t, 10.0, got[1].ExposureTime)
	assert.True(t, got[1].ShutterFailed)
	assert.Equal(t, "10mA", got[1].LampCurrent)
	assert.Equal(t, "focus", got[1].Purpose)
	assert.Equal(t, "", got[1].Notes)
	assert.True(t, got[1].StartTime.Equal(record(3).StartTime))

	got, err = l.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcurrentRecord(t *testing.T) {
	l, err := explog.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) { errs <- l.Record(ctx, record(i)) }(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
	got, err := l.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, got, 16)
}
