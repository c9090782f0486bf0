package expose

import (
	"time"

	"github.com/sdss/lvmscp/ccd"
)

// ETR returns the estimated time remaining, in seconds, until the exposure
// described by data is integrated and read out.  The second return is false
// when there is no active exposure or the status is indeterminate.
func ETR(status ccd.Status, data *ExposeData, now time.Time, readout time.Duration) (float64, bool) {
	if data == nil || data.StartTime.IsZero() {
		return 0, false
	}
	switch {
	case status.Has(ccd.Exposing):
		left := data.ExposureTime - now.Sub(data.StartTime)
		if left < 0 {
			left = 0
		}
		return (left + readout).Seconds(), true
	case status.Has(ccd.ReadoutPending):
		return readout.Seconds(), true
	case status.Has(ccd.Reading):
		if data.ReadoutStart.IsZero() {
			return readout.Seconds(), true
		}
		left := readout - now.Sub(data.ReadoutStart)
		if left < 0 {
			left = 0
		}
		return left.Seconds(), true
	}
	return 0, false
}
