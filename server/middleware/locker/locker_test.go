package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/sdss/lvmscp/server"
	"github.com/sdss/lvmscp/server/middleware/locker"
)

type routes server.RouteTable

func (r routes) RT() server.RouteTable { return server.RouteTable(r) }

func TestLocker(t *testing.T) {
	rt := routes{
		{Method: http.MethodPost, Path: "/expose"}: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	}
	l := locker.New()
	locker.Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	server.RouteTable(rt).Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/expose", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool":true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/expose", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/lock", ""), "the lock route is never protected")

	l.Unlock()
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/expose", ""))
}

func TestHoldNests(t *testing.T) {
	l := locker.New()
	l.Hold()
	l.Hold()
	l.Release()
	assert.True(t, l.Locked(), "one hold left")
	l.Unlock()
	assert.True(t, l.Locked(), "Unlock does not drop holds")
	l.Release()
	assert.False(t, l.Locked())
	l.Release()
	assert.False(t, l.Locked())

	l.Lock()
	l.Hold()
	l.Release()
	assert.True(t, l.Locked(), "manual lock survives the hold")
}
