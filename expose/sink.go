package expose

import (
	"context"
	"time"
)

// LogValues are free-form annotations given with an exposure command
type LogValues struct {
	LampCurrent   string
	TestNo        string
	TestIteration string
	Purpose       string
	Notes         string
}

// ExposureRecord summarizes a finished exposure for the exposure logs
type ExposureRecord struct {
	ExposureNo    int
	Flavour       Flavour
	ExposureTime  time.Duration
	StartTime     time.Time
	Frames        []Written
	ShutterFailed bool
	Log           LogValues
}

// NewRecord builds the record of an exposure result
func NewRecord(res *Result, shutterFailed bool, log LogValues) ExposureRecord {
	rec := ExposureRecord{ShutterFailed: shutterFailed, Log: log}
	if res != nil {
		rec.ExposureNo = res.ExposureNo
		rec.Flavour = res.Flavour
		rec.ExposureTime = res.ExposureTime
		rec.StartTime = res.StartTime
		rec.Frames = res.Frames
	}
	return rec
}

// Sink stores exposure records
type Sink interface {
	Record(ctx context.Context, rec ExposureRecord) error
}

// Dispatch hands rec to every sink.  A failing sink produces a warning and
// does not stop the others.
func Dispatch(ctx context.Context, cmd Command, sinks []Sink, rec ExposureRecord) {
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, rec); err != nil {
			Warning(cmd, "Failed logging exposure %d: %v", rec.ExposureNo, err)
		}
	}
}
