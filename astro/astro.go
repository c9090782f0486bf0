// Package astro contains the small amount of positional astronomy needed to
// annotate frames: sidereal time, the SDSS modified Julian date, and airmass.
package astro

import (
	"math"
	"strings"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/sidereal"
)

const mjdOffset = 2400000.5

// Location is a site on the Earth.  Longitude is east-positive, in degrees.
// Elevation is in meters.
type Location struct {
	Name      string  `koanf:"name" yaml:"name"`
	Longitude float64 `koanf:"longitude" yaml:"longitude"`
	Latitude  float64 `koanf:"latitude" yaml:"latitude"`
	Elevation float64 `koanf:"elevation" yaml:"elevation"`
}

// LCO is Las Campanas Observatory
var LCO = Location{
	Name:      "LCO",
	Longitude: -70.70166667,
	Latitude:  -29.00333333,
	Elevation: 2282.0,
}

// JD returns the Julian date of t
func JD(t time.Time) float64 {
	return julian.TimeToJD(t.UTC())
}

// MJD returns the modified Julian date of t
func MJD(t time.Time) float64 {
	return JD(t) - mjdOffset
}

// SJD returns the SDSS-style MJD for an observatory.  The SJD rolls over
// during the local day rather than at UTC midnight, so a night of observing
// shares a single value.
func SJD(t time.Time, observatory string) int {
	offset := 0.4
	if strings.EqualFold(observatory, "APO") {
		offset = 0.3
	}
	return int(math.Floor(MJD(t) + offset))
}

// GMST returns the Greenwich mean sidereal time in hours, in [0, 24)
func GMST(t time.Time) float64 {
	return wrap(sidereal.Mean(JD(t)).Hour(), 24)
}

// LMST returns the local mean sidereal time in hours, in [0, 24)
func LMST(t time.Time, loc Location) float64 {
	return wrap(GMST(t)+loc.Longitude/15, 24)
}

// Airmass returns the plane-parallel airmass for an altitude in degrees
func Airmass(altitude float64) float64 {
	return 1 / math.Cos((90-altitude)*math.Pi/180)
}

// RAHoursToDegrees converts a right ascension in hours to degrees.  Values
// that are not positive are returned unchanged; the telescope controllers
// report missing data with negative codes that must not be scaled.
func RAHoursToDegrees(ra float64) float64 {
	if ra > 0 {
		return ra * 15
	}
	return ra
}

func wrap(x, period float64) float64 {
	x = math.Mod(x, period)
	if x < 0 {
		x += period
	}
	return x
}
