package header_test

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/header"
)

func TestSetPreservesOrder(t *testing.T) {
	h := header.New()
	h.Set("labtemp", 12.5, "Lab temperature")
	h.Set("HARTMANN", "01")
	h.Set("LABTEMP", 13.0)

	assert.Equal(t, []string{"LABTEMP", "HARTMANN"}, h.Keys())
	c, ok := h.Get("LABTEMP")
	require.True(t, ok)
	assert.Equal(t, 13.0, c.Value)
	assert.Equal(t, "Lab temperature", c.Comment, "comment kept when omitted")
}

func TestDeleteReindexes(t *testing.T) {
	h := header.New()
	h.Set("A", 1)
	h.Set("B", 2)
	h.Set("C", 3)
	h.Delete("B")
	h.Set("C", 4)

	assert.Equal(t, []string{"A", "C"}, h.Keys())
	assert.Equal(t, 4, h.Value("C"))
}

func TestResetEmpties(t *testing.T) {
	h := header.New()
	h.Set("PRESSURE", 1e-6)
	h.Reset()
	assert.Equal(t, 0, h.Len())
	assert.False(t, h.Has("PRESSURE"))
}

func TestNaNBecomesNull(t *testing.T) {
	h := header.New()
	h.Set("DEPTHA", math.NaN())
	h.Set("DEPTHB", float32(math.NaN()))
	h.Set("DEPTHC", 1.5)

	cards := h.FITS()
	require.Len(t, cards, 3)
	assert.Nil(t, cards[0].Value)
	assert.Nil(t, cards[1].Value)
	assert.Equal(t, 1.5, cards[2].Value)
	assert.Nil(t, h.Map()["DEPTHA"])
}

func TestUpdateCopiesInOrder(t *testing.T) {
	src := header.New()
	src.Set("X", 1, "first")
	src.Set("Y", 2)
	dst := header.New()
	dst.Set("Y", 0)
	dst.Update(src)

	assert.Equal(t, []string{"Y", "X"}, dst.Keys())
	c, _ := dst.Get("X")
	assert.Equal(t, "first", c.Comment)
	assert.Equal(t, 2, dst.Value("Y"))
}

func TestConcurrentWriters(t *testing.T) {
	h := header.New()
	var wg sync.WaitGroup
	keys := []string{"TESCIRA", "TESCIDE", "TESKYERA", "TESKYEDE", "LABTEMP", "LABHUMID"}
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			h.Set(k, 1.0)
		}(k)
	}
	wg.Wait()
	assert.Equal(t, len(keys), h.Len())
}

func TestSanitize(t *testing.T) {
	h := header.New()
	h.Set("PRESSURE", math.NaN(), "Cryostat pressure")
	h.Set("LABTEMP", 20.0)
	h.Sanitize()
	c, _ := h.Get("PRESSURE")
	assert.Nil(t, c.Value)
	assert.Equal(t, "Cryostat pressure", c.Comment)
	assert.Equal(t, 20.0, h.Value("LABTEMP"))
}
