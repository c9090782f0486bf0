package imgrec

import (
	"net/http"
	"time"

	"github.com/sdss/lvmscp/server"
)

// HTTPWrapper is an HTTP wrapper around a recorder that allows the data
// directory to be changed on the fly
//
// it does not implement server.HTTPer, offering an Inject method allowing it
// to be injected into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// Inject adds GET and POST routes for /files/root and GET /files/next to the
// HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other server.HTTPer) {
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodGet, Path: "/files/root"}] = server.GetString(func() (string, error) {
		return h.GetRoot(), nil
	})
	rt[server.MethodPath{Method: http.MethodPost, Path: "/files/root"}] = server.SetString(h.SetRoot)
	rt[server.MethodPath{Method: http.MethodGet, Path: "/files/next"}] = server.GetInt(func() (int, error) {
		return h.NextExposureNo(time.Now())
	})
}
