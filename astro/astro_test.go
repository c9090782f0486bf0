package astro_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sdss/lvmscp/astro"
)

func TestAirmassAt60Degrees(t *testing.T) {
	assert.InDelta(t, 1.1547, astro.Airmass(60), 1e-4)
}

func TestAirmassZenith(t *testing.T) {
	assert.InDelta(t, 1.0, astro.Airmass(90), 1e-12)
}

func TestRAConversionKeepsSentinel(t *testing.T) {
	assert.Equal(t, 150.0, astro.RAHoursToDegrees(10))
	assert.Equal(t, -999.0, astro.RAHoursToDegrees(-999))
	assert.Equal(t, 0.0, astro.RAHoursToDegrees(0))
}

func TestMJDAtJ2000(t *testing.T) {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, 51544.5, astro.MJD(j2000), 1e-6)
}

func TestSJDRollsOverBeforeUTCMidnight(t *testing.T) {
	// MJD 60000 starts at 2023-02-25T00:00 UTC; LCO adds 0.4 d
	before := time.Date(2023, 2, 24, 14, 0, 0, 0, time.UTC) // MJD 59999.583
	after := time.Date(2023, 2, 24, 15, 0, 0, 0, time.UTC)  // MJD 59999.625
	assert.Equal(t, 59999, astro.SJD(before, "LCO"))
	assert.Equal(t, 60000, astro.SJD(after, "LCO"))
	assert.Equal(t, 59999, astro.SJD(after, "APO"))
}

func TestGMSTAtJ2000(t *testing.T) {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.InDelta(t, 18.697374558, astro.GMST(j2000), 1e-6)
}

func TestLMSTInRange(t *testing.T) {
	for h := 0; h < 48; h++ {
		ts := time.Date(2024, 8, 26, h/2, (h%2)*30, 0, 0, time.UTC)
		lmst := astro.LMST(ts, astro.LCO)
		assert.True(t, lmst >= 0 && lmst < 24, "lmst %f out of range", lmst)
	}
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	want := math.Mod(18.697374558-70.70166667/15+24, 24)
	assert.InDelta(t, want, astro.LMST(j2000, astro.LCO), 1e-6)
}

func TestSiderealTime(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		gmst float64
	}{
		// Meeus, Astronomical Algorithms, examples 12.a and 12.b
		{"1987-04-10 0h", time.Date(1987, 4, 10, 0, 0, 0, 0, time.UTC), 13 + 10/60.0 + 46.3668/3600},
		{"1987-04-10 19h21m", time.Date(1987, 4, 10, 19, 21, 0, 0, time.UTC), 8 + 34/60.0 + 57.0896/3600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.gmst, astro.GMST(tc.t), 1e-6)
			local := tc.t.In(time.FixedZone("CLT", -4*3600))
			assert.InDelta(t, tc.gmst, astro.GMST(local), 1e-6)
		})
	}
}
