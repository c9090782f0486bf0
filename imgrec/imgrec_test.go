package imgrec_test

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/astro"
	"github.com/sdss/lvmscp/ccd"
	"github.com/sdss/lvmscp/header"
	"github.com/sdss/lvmscp/imgrec"
)

var night = time.Date(2024, 8, 26, 3, 0, 0, 0, time.UTC)

func frame(name string) *ccd.Frame {
	h := header.New()
	h.Set("CCD", name, "CCD name")
	h.Set("EXPTIME", 10.0)
	h.Set("DEPTHC", header.Sentinel)
	return &ccd.Frame{
		Controller: "sp1",
		CCD:        name,
		Width:      3,
		Height:     2,
		Data:       []uint16{0, 1, 1000, 32768, 40000, 65535},
		Header:     h,
	}
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "sdR-s-b1-00000042.fits.gz", imgrec.New("", "LCO").Filename("b1", 42))
	assert.Equal(t, "sdR-n-r2-00000001.fits.gz", imgrec.New("", "APO").Filename("r2", 1))
}

func TestNextExposureNo(t *testing.T) {
	root := t.TempDir()
	r := imgrec.New(root, "LCO")

	n, err := r.NextExposureNo(night)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "empty data directory")

	dir := r.Dir(night)
	assert.Equal(t, filepath.Join(root, strconv.Itoa(astro.SJD(night, "LCO"))), dir)
	require.NoError(t, os.MkdirAll(dir, 0775))
	for _, fn := range []string{"sdR-s-r1-00000007.fits.gz", "sdR-s-b1-00000012.fits", "notes.txt", "sdR-s-z1-xx.fits.gz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fn), nil, 0664))
	}
	n, err = r.NextExposureNo(night)
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	require.NoError(t, os.WriteFile(filepath.Join(root, imgrec.SequenceFile), []byte("100\n"), 0664))
	n, err = r.NextExposureNo(night)
	require.NoError(t, err)
	assert.Equal(t, 100, n, "the sequence file wins when it is ahead")
}

func TestWriteFrame(t *testing.T) {
	r := imgrec.New(t.TempDir(), "LCO")
	path, err := r.WriteFrame(frame("r1"), 5, night)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Dir(night), "sdR-s-r1-00000005.fits.gz"), path)

	n, err := r.NextExposureNo(night.Add(48 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 6, n, "numbering continues on the next night")

	fid, err := os.Open(path)
	require.NoError(t, err)
	defer fid.Close()
	gz, err := gzip.NewReader(fid)
	require.NoError(t, err)
	f, err := fitsio.Open(gz)
	require.NoError(t, err)
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	require.True(t, ok)
	hdr := img.Header()
	assert.Equal(t, 16, hdr.Bitpix())
	assert.Equal(t, []int{3, 2}, hdr.Axes())
	card := hdr.Get("CCD")
	require.NotNil(t, card)
	assert.Equal(t, "r1", card.Value)
	assert.NotNil(t, hdr.Get("BZERO"))
	assert.NotNil(t, hdr.Get("DEPTHC"))
}

func TestWriteFrameRejectsEmpty(t *testing.T) {
	r := imgrec.New(t.TempDir(), "LCO")
	f := frame("b1")
	f.Data = f.Data[:2]
	_, err := r.WriteFrame(f, 1, night)
	assert.ErrorIs(t, err, imgrec.ErrEmptyFrame)
}
