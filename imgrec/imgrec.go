// Package imgrec records CCD frames to disk as gzip-compressed FITS files,
// one folder per SJD, named by CCD and an incrementing exposure number.
package imgrec

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/sdss/lvmscp/astro"
	"github.com/sdss/lvmscp/ccd"
)

// SequenceFile holds the next exposure number at the root of the data
// directory, so numbering continues across nights
const SequenceFile = "nextExposureNumber"

var (
	// ErrEmptyFrame is returned when a frame has no pixels or the wrong number of them
	ErrEmptyFrame = errors.New("frame data does not match its dimensions")

	fileRE = regexp.MustCompile(`^sdR-[ns]-[a-z0-9]+-(\d{8})\.fits(\.gz)?$`)
)

// Recorder writes frames under Root/<sjd>/.  It is safe for concurrent use.
type Recorder struct {
	// Root is the data directory
	Root string

	// Observatory is LCO or APO; it sets the hemisphere letter of the
	// filenames and the SJD rollover
	Observatory string

	mu sync.Mutex
}

// New returns a recorder writing to root
func New(root, observatory string) *Recorder {
	return &Recorder{Root: root, Observatory: observatory}
}

func (r *Recorder) hemisphere() string {
	if strings.EqualFold(r.Observatory, "APO") {
		return "n"
	}
	return "s"
}

// Dir returns the folder frames taken at t are written to
func (r *Recorder) Dir(t time.Time) string {
	return filepath.Join(r.Root, strconv.Itoa(astro.SJD(t, r.Observatory)))
}

// Filename returns the file name of a frame of ccd
func (r *Recorder) Filename(ccdName string, expNo int) string {
	return fmt.Sprintf("sdR-%s-%s-%08d.fits.gz", r.hemisphere(), ccdName, expNo)
}

// SetRoot changes the data directory, creating it if needed
func (r *Recorder) SetRoot(root string) error {
	if err := os.MkdirAll(root, 0775); err != nil {
		return err
	}
	r.mu.Lock()
	r.Root = root
	r.mu.Unlock()
	return nil
}

// GetRoot returns the data directory
func (r *Recorder) GetRoot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root
}

// NextExposureNo returns the number the next exposure should use: one past
// the highest number present in the folder of t, or the value of the
// sequence file if that is larger
func (r *Recorder) NextExposureNo(t time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next(t)
}

func (r *Recorder) next(t time.Time) (int, error) {
	n, err := scan(r.Dir(t))
	if err != nil {
		return 0, err
	}
	n++
	seq, err := r.readSequence()
	if err != nil {
		return 0, err
	}
	if seq > n {
		n = seq
	}
	return n, nil
}

// scan returns the highest exposure number in dir, or zero
func scan(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (r *Recorder) readSequence() (int, error) {
	b, err := os.ReadFile(filepath.Join(r.Root, SequenceFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (r *Recorder) writeSequence(n int) error {
	return os.WriteFile(filepath.Join(r.Root, SequenceFile), []byte(strconv.Itoa(n)+"\n"), 0664)
}

// WriteFrame writes f as exposure expNo into the folder of t and returns the
// path of the new file
func (r *Recorder) WriteFrame(f *ccd.Frame, expNo int, t time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.Dir(t)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.Filename(f.CCD, expNo))

	tmp, err := os.CreateTemp(dir, ".sdR-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err = WriteFits(gz, f); err != nil {
		tmp.Close()
		return "", err
	}
	if err = gz.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}

	seq, err := r.readSequence()
	if err == nil && seq <= expNo {
		err = r.writeSequence(expNo + 1)
	}
	return path, err
}

// WriteFits streams a single-HDU 16-bit FITS image of f to w.  Pixels are
// stored as signed integers offset by BZERO=32768.
func WriteFits(w io.Writer, f *ccd.Frame) error {
	n := f.Width * f.Height
	if n == 0 || len(f.Data) != n {
		return ErrEmptyFrame
	}
	var metadata []fitsio.Card
	if f.Header != nil {
		for _, c := range f.Header.FITS() {
			switch c.Name {
			case "BZERO", "BSCALE":
				continue
			}
			metadata = append(metadata, c)
		}
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	if err = im.Header().Append(metadata...); err != nil {
		return err
	}

	ints := make([]int16, n)
	for i, u := range f.Data {
		ints[i] = int16(int32(u) - 32768)
	}
	if err = im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
